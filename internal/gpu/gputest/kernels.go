package gputest

import (
	"encoding/binary"
	"math"

	"github.com/fxnlabs/metalpipe/metal"
)

// Metal sources of the standard test kernels. They compile on a real Metal
// device as well as on the fake one.
var (
	IdentitySource = mustBuiltin("identity").Source
	DoubleSource   = mustBuiltin("double").Source
	SquareSource   = mustBuiltin("square").Source
)

func mustBuiltin(name string) metal.Kernel {
	k, ok := metal.Builtin(name)
	if !ok {
		panic("gputest: missing built-in kernel " + name)
	}
	return k
}

// Identity copies one byte per thread: output[i] = input[i].
func Identity(t Thread, in, out []byte) {
	out[t.Index] = in[t.Index]
}

// DoubleFloat32 doubles one little-endian float32 per thread.
func DoubleFloat32(t Thread, in, out []byte) {
	mapFloat32(t, in, out, func(v float32) float32 { return v * 2 })
}

// SquareFloat32 squares one little-endian float32 per thread.
func SquareFloat32(t Thread, in, out []byte) {
	mapFloat32(t, in, out, func(v float32) float32 { return v * v })
}

func mapFloat32(t Thread, in, out []byte, fn func(float32) float32) {
	off := t.Index * 4
	v := math.Float32frombits(binary.LittleEndian.Uint32(in[off:]))
	binary.LittleEndian.PutUint32(out[off:], math.Float32bits(fn(v)))
}

// NewStandardDriver returns a driver implementing every built-in kernel:
// "identity", "compute_main" (double) and "square".
func NewStandardDriver() *Driver {
	return NewDriver().
		Register("identity", Identity).
		Register("compute_main", DoubleFloat32).
		Register("square", SquareFloat32)
}
