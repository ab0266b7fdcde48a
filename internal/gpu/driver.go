package gpu

import "math"

// Size is a three-dimensional extent used for thread group geometry.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	Depth  int `json:"depth" yaml:"depth"`
}

// Size1D returns a one-dimensional extent of n.
func Size1D(n int) Size {
	return Size{Width: n, Height: 1, Depth: 1}
}

// Volume returns the number of elements covered by s. It is 0 when any
// dimension is not positive and saturates at math.MaxInt.
func (s Size) Volume() int {
	return mulSaturating(mulSaturating(s.Width, s.Height), s.Depth)
}

func mulSaturating(a, b int) int {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > math.MaxInt/b {
		return math.MaxInt
	}
	return a * b
}

func (s Size) valid() bool {
	return s.Width > 0 && s.Height > 0 && s.Depth > 0
}

// CommandStatus is the post-execution state of a command buffer.
type CommandStatus int

const (
	StatusNotEnqueued CommandStatus = iota
	StatusEnqueued
	StatusCommitted
	StatusScheduled
	StatusCompleted
	StatusError
)

func (s CommandStatus) String() string {
	switch s {
	case StatusNotEnqueued:
		return "not_enqueued"
	case StatusEnqueued:
		return "enqueued"
	case StatusCommitted:
		return "committed"
	case StatusScheduled:
		return "scheduled"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Driver opens the system's compute device. Implementations wrap a native
// GPU API (Metal on macOS); tests use the in-process driver in gputest.
//
// Driver and the handle interfaces below mirror the native object model
// one-to-one. They do not classify failures: a driver returns a plain error
// whose text is the native diagnostic, and this package maps it to a kind.
type Driver interface {
	// Name identifies the driver in logs ("metal", "unavailable", ...).
	Name() string

	// OpenDevice returns the system default compute device. An error means
	// no compatible device exists.
	OpenDevice() (Device, error)
}

// Device is an opaque handle to a GPU.
type Device interface {
	Name() string
	NewCommandQueue() (CommandQueue, error)

	// NewLibrary compiles kernel source text. The error text is the
	// compiler diagnostic.
	NewLibrary(source string) (Library, error)

	// NewComputePipeline builds an executable pipeline from a library function.
	NewComputePipeline(fn Function) (PipelineState, error)

	// NewBuffer allocates length zeroed bytes of shared (host and device
	// visible) memory.
	NewBuffer(length int) (DeviceBuffer, error)

	// NewBufferWithBytes allocates length bytes of shared memory holding a
	// copy of data. len(data) must not exceed length.
	NewBufferWithBytes(data []byte, length int) (DeviceBuffer, error)

	Release()
}

// Library is a compiled collection of kernel functions.
type Library interface {
	// Function looks up a function by exact name.
	Function(name string) (Function, bool)
	FunctionNames() []string
	Release()
}

// Function is one entry point inside a Library.
type Function interface {
	Name() string
	Release()
}

// PipelineState is the native compiled compute pipeline.
type PipelineState interface {
	MaxTotalThreadsPerThreadgroup() int
	ThreadExecutionWidth() int
	Release()
}

// DeviceBuffer is a region of shared memory.
type DeviceBuffer interface {
	Length() int

	// CopyBytes copies the full buffer contents into a new host slice.
	CopyBytes() []byte
	Release()
}

// CommandQueue is the ordered submission channel of a device.
type CommandQueue interface {
	NewCommandBuffer() (CommandBuffer, error)
	Release()
}

// CommandBuffer is one unit of submitted work.
type CommandBuffer interface {
	NewComputeEncoder() (ComputeEncoder, error)
	Commit()

	// WaitUntilCompleted blocks until the device has finished the buffer,
	// successfully or not.
	WaitUntilCompleted()
	Status() CommandStatus

	// Err returns the device-reported fault, if any, after completion.
	Err() error
	Release()
}

// ComputeEncoder records compute commands into a CommandBuffer.
type ComputeEncoder interface {
	SetPipeline(p PipelineState)
	SetBuffer(b DeviceBuffer, offset, index int)
	DispatchThreadgroups(groups, threadsPerGroup Size)
	EndEncoding()
}
