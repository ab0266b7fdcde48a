// Package gputest provides an in-process gpu.Driver for tests.
//
// The fake device "compiles" Metal-like source by scanning its kernel
// declarations and executes each entry point with a Go implementation
// registered under the same name, one call per thread of the dispatched grid.
// Every acquisition point can be made to fail.
package gputest

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/metalpipe/internal/gpu"
)

// Thread identifies one invocation of a kernel in the dispatched grid.
type Thread struct {
	Group  gpu.Size // threadgroup_position_in_grid
	Local  gpu.Size // thread_position_in_threadgroup
	Global gpu.Size // thread_position_in_grid

	// Index is the linear position of Global in the grid, x fastest.
	Index int
}

// KernelFunc runs one thread of a kernel against the buffers bound at slot 0
// and slot 1. A panic, including an out-of-range write, is reported as a
// device fault.
type KernelFunc func(t Thread, in, out []byte)

// Driver is a configurable fake gpu.Driver. Its failure switches may be set
// before or between operations.
type Driver struct {
	kernels map[string]KernelFunc

	NoDevice          bool
	FailQueue         bool
	FailBuffer        bool
	FailCommandBuffer bool
	FailEncoder       bool

	// MaxThreadsPerGroup is reported by every pipeline. Defaults to 1024.
	MaxThreadsPerGroup int

	mu      sync.Mutex
	devices []*Device

	liveBuffers   atomic.Int64
	liveCommands  atomic.Int64
	livePipelines atomic.Int64
}

// NewDriver returns a driver with no kernels registered.
func NewDriver() *Driver {
	return &Driver{
		kernels:            make(map[string]KernelFunc),
		MaxThreadsPerGroup: 1024,
	}
}

// Register installs fn as the implementation of the kernel named name.
func (d *Driver) Register(name string, fn KernelFunc) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernels[name] = fn
	return d
}

func (d *Driver) kernel(name string) (KernelFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.kernels[name]
	return fn, ok
}

func (d *Driver) Name() string {
	return "gputest"
}

func (d *Driver) OpenDevice() (gpu.Device, error) {
	if d.NoDevice {
		return nil, errors.New("no device attached")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := &Device{driver: d, name: fmt.Sprintf("Fake GPU %d", len(d.devices))}
	d.devices = append(d.devices, dev)
	return dev, nil
}

// Devices returns every device opened so far.
func (d *Driver) Devices() []*Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Device(nil), d.devices...)
}

// LiveBuffers is the number of buffers allocated and not yet released.
func (d *Driver) LiveBuffers() int {
	return int(d.liveBuffers.Load())
}

// LiveCommandBuffers is the number of command buffers not yet released.
func (d *Driver) LiveCommandBuffers() int {
	return int(d.liveCommands.Load())
}

// LivePipelines is the number of pipelines not yet released.
func (d *Driver) LivePipelines() int {
	return int(d.livePipelines.Load())
}

// Device is a fake gpu.Device.
type Device struct {
	driver   *Driver
	name     string
	released atomic.Bool
}

func (v *Device) Name() string {
	return v.name
}

// Released reports whether Release was called.
func (v *Device) Released() bool {
	return v.released.Load()
}

func (v *Device) Release() {
	v.released.Store(true)
}

func (v *Device) NewCommandQueue() (gpu.CommandQueue, error) {
	if v.driver.FailQueue {
		return nil, errors.New("newCommandQueue returned nil")
	}
	return &Queue{device: v}, nil
}

var kernelDecl = regexp.MustCompile(`\bkernel\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

func (v *Device) NewLibrary(source string) (gpu.Library, error) {
	if err := checkSyntax(source); err != nil {
		return nil, err
	}
	lib := &Library{}
	for _, m := range kernelDecl.FindAllStringSubmatch(source, -1) {
		lib.names = append(lib.names, m[1])
	}
	return lib, nil
}

// checkSyntax rejects source whose brackets do not balance.
func checkSyntax(source string) error {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	line := 1
	for _, r := range source {
		switch r {
		case '\n':
			line++
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return fmt.Errorf("program_source:%d: error: unexpected '%c'", line, r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("program_source:%d: error: expected '%c'", line, closing(stack[len(stack)-1]))
	}
	return nil
}

func closing(open rune) rune {
	switch open {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}

func (v *Device) NewComputePipeline(fn gpu.Function) (gpu.PipelineState, error) {
	impl, ok := v.driver.kernel(fn.Name())
	if !ok {
		return nil, fmt.Errorf("no implementation for kernel %q", fn.Name())
	}
	v.driver.livePipelines.Add(1)
	return &PipelineState{
		driver:     v.driver,
		name:       fn.Name(),
		impl:       impl,
		maxThreads: v.driver.MaxThreadsPerGroup,
	}, nil
}

func (v *Device) NewBuffer(length int) (gpu.DeviceBuffer, error) {
	return v.NewBufferWithBytes(nil, length)
}

func (v *Device) NewBufferWithBytes(data []byte, length int) (gpu.DeviceBuffer, error) {
	if v.driver.FailBuffer {
		return nil, fmt.Errorf("newBufferWithLength:%d returned nil", length)
	}
	if len(data) > length {
		return nil, fmt.Errorf("%d bytes do not fit in a %d byte buffer", len(data), length)
	}
	b := &Buffer{driver: v.driver, data: make([]byte, length)}
	copy(b.data, data)
	v.driver.liveBuffers.Add(1)
	return b, nil
}

// Library is a fake gpu.Library.
type Library struct {
	names []string
}

func (l *Library) Function(name string) (gpu.Function, bool) {
	for _, n := range l.names {
		if n == name {
			return &Function{name: name}, true
		}
	}
	return nil, false
}

func (l *Library) FunctionNames() []string {
	return append([]string(nil), l.names...)
}

func (l *Library) Release() {}

// Function is a fake gpu.Function.
type Function struct {
	name string
}

func (f *Function) Name() string {
	return f.name
}

func (f *Function) Release() {}

// PipelineState is a fake gpu.PipelineState.
type PipelineState struct {
	driver     *Driver
	name       string
	impl       KernelFunc
	maxThreads int
	released   atomic.Bool
}

func (p *PipelineState) MaxTotalThreadsPerThreadgroup() int {
	return p.maxThreads
}

func (p *PipelineState) ThreadExecutionWidth() int {
	return 32
}

func (p *PipelineState) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.driver.livePipelines.Add(-1)
	}
}

// Buffer is a fake gpu.DeviceBuffer backed by host memory.
type Buffer struct {
	driver   *Driver
	data     []byte
	released atomic.Bool
}

func (b *Buffer) Length() int {
	return len(b.data)
}

func (b *Buffer) CopyBytes() []byte {
	return append([]byte(nil), b.data...)
}

func (b *Buffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		b.driver.liveBuffers.Add(-1)
	}
}
