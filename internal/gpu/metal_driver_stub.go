//go:build !darwin || !cgo
// +build !darwin !cgo

package gpu

import (
	"errors"
	"runtime"
)

// SystemDriver returns a driver that reports no device: Metal is only
// available on darwin builds with cgo enabled.
func SystemDriver() Driver {
	return unavailableDriver{}
}

type unavailableDriver struct{}

func (unavailableDriver) Name() string {
	return "unavailable"
}

func (unavailableDriver) OpenDevice() (Device, error) {
	return nil, errors.New("Metal is not available on " + runtime.GOOS + "/" + runtime.GOARCH)
}
