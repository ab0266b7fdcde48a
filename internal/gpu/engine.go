package gpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/metalpipe/internal/metrics"
	"go.uber.org/zap"
)

// DefaultMinBufferSize is the smallest buffer a dispatch allocates when the
// caller does not override the size.
const DefaultMinBufferSize = 1024

// Buffer slots of the kernel calling convention.
const (
	InputSlot  = 0
	OutputSlot = 1
)

// Geometry is the thread grid of a dispatch: Groups thread groups of
// ThreadsPerGroup threads each.
type Geometry struct {
	ThreadsPerGroup Size
	Groups          Size
}

// Threads returns the total number of threads the geometry launches.
func (g Geometry) Threads() int {
	return mulSaturating(g.ThreadsPerGroup.Volume(), g.Groups.Volume())
}

// Request describes one kernel invocation.
type Request struct {
	Pipeline *Pipeline
	Input    []byte
	Geometry Geometry

	// BufferSize overrides the size of both buffers when positive.
	BufferSize int
}

// BufferSizeFor returns the buffer size used for an input of inputLen bytes:
// override when positive, otherwise max(inputLen, floor).
func BufferSizeFor(inputLen, floor, override int) int {
	if override > 0 {
		return override
	}
	if inputLen > floor {
		return inputLen
	}
	return floor
}

// Engine encodes, submits and waits for kernel dispatches on the session's
// single command queue. Runs are serialized so at most one command buffer is
// outstanding.
type Engine struct {
	session  *Session
	buffers  *BufferManager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	minBytes int

	mu sync.Mutex
	// Completion of a dispatch whose wait was aborted; the next run waits
	// for it so only one command buffer is ever outstanding.
	pending <-chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMinBufferSize sets the buffer floor used when a request has no
// explicit size.
func WithMinBufferSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.minBytes = n
		}
	}
}

// WithMetrics records dispatch metrics into m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates a dispatch engine.
func NewEngine(session *Session, buffers *BufferManager, opts ...EngineOption) *Engine {
	e := &Engine{
		session:  session,
		buffers:  buffers,
		logger:   session.Logger().Named("engine"),
		minBytes: DefaultMinBufferSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes req and returns the output buffer's bytes.
//
// The call blocks until the device reports completion. If ctx is done first,
// Run returns ErrWaitAborted; the in-flight buffers are then released in the
// background once the device finishes with them. A context without deadline
// waits forever, so a hung kernel hangs the caller.
func (e *Engine) Run(ctx context.Context, req Request) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	size := BufferSizeFor(len(req.Input), e.minBytes, req.BufferSize)
	out, err := e.run(ctx, req, size)
	e.metrics.ObserveDispatch(time.Since(start), KindOf(err), size, req.Geometry.Threads())
	if err != nil {
		e.logger.Warn("dispatch failed",
			zap.String("kind", KindOf(err)),
			zap.Error(err))
		return nil, err
	}
	e.logger.Debug("dispatch completed",
		zap.Int("buffer_bytes", size),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// inflight holds the resources of one dispatch until they are released.
type inflight struct {
	input, output *Buffer
	cmd           CommandBuffer
}

func (f *inflight) release() {
	if f.cmd != nil {
		f.cmd.Release()
	}
	if f.output != nil {
		f.output.Release()
	}
	if f.input != nil {
		f.input.Release()
	}
}

func (e *Engine) run(ctx context.Context, req Request, size int) ([]byte, error) {
	p := req.Pipeline
	if p == nil || p.state == nil {
		return nil, newError("dispatch", ErrInvalidRequest, "no pipeline")
	}
	device := e.session.Device()
	queue := e.session.Queue()
	if device == nil || queue == nil {
		return nil, newError("dispatch", ErrSessionClosed, "")
	}
	if p.device != device {
		return nil, newError("dispatch", ErrDeviceMismatch, p.entryPoint)
	}
	if err := validateGeometry(req.Geometry, p); err != nil {
		return nil, err
	}
	if e.pending != nil {
		select {
		case <-e.pending:
			e.pending = nil
		case <-ctx.Done():
			return nil, newError("dispatch", ErrWaitAborted, "previous dispatch still running: "+ctx.Err().Error())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, newError("dispatch", ErrWaitAborted, err.Error())
	}

	res := &inflight{}
	owned := true
	defer func() {
		if owned {
			res.release()
		}
	}()

	var err error
	input := req.Input
	if input == nil {
		input = []byte{}
	}
	if res.input, err = e.buffers.Allocate(input, size); err != nil {
		return nil, err
	}
	if res.output, err = e.buffers.Allocate(nil, size); err != nil {
		return nil, err
	}

	cmd, err := queue.NewCommandBuffer()
	if err != nil || cmd == nil {
		return nil, wrapError("dispatch", ErrCommandBufferCreationFailed, err)
	}
	res.cmd = cmd

	enc, err := cmd.NewComputeEncoder()
	if err != nil || enc == nil {
		return nil, wrapError("dispatch", ErrEncoderCreationFailed, err)
	}

	enc.SetPipeline(p.state)
	enc.SetBuffer(res.input.native, 0, InputSlot)
	enc.SetBuffer(res.output.native, 0, OutputSlot)
	enc.DispatchThreadgroups(req.Geometry.Groups, req.Geometry.ThreadsPerGroup)
	enc.EndEncoding()

	e.logger.Debug("dispatching kernel",
		zap.String("entry_point", p.entryPoint),
		zap.Int("buffer_bytes", size),
		zap.Any("groups", req.Geometry.Groups),
		zap.Any("threads_per_group", req.Geometry.ThreadsPerGroup))

	cmd.Commit()

	done := make(chan struct{})
	go func() {
		cmd.WaitUntilCompleted()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// The device may still write into the buffers.
		owned = false
		e.pending = done
		go func() {
			<-done
			res.release()
		}()
		return nil, newError("dispatch", ErrWaitAborted, ctx.Err().Error())
	}

	if status := cmd.Status(); status != StatusCompleted {
		detail := fmt.Sprintf("command buffer status %s", status)
		if ferr := cmd.Err(); ferr != nil {
			detail = ferr.Error()
		}
		return nil, newError("dispatch", ErrExecutionFailed, detail)
	}

	return e.buffers.ReadBack(res.output), nil
}

func validateGeometry(g Geometry, p *Pipeline) error {
	if !g.ThreadsPerGroup.valid() {
		return newError("dispatch", ErrInvalidGeometry,
			fmt.Sprintf("threads per group %+v must be positive in every dimension", g.ThreadsPerGroup))
	}
	if !g.Groups.valid() {
		return newError("dispatch", ErrInvalidGeometry,
			fmt.Sprintf("thread groups %+v must be positive in every dimension", g.Groups))
	}
	if limit := p.MaxTotalThreadsPerThreadgroup(); limit > 0 && g.ThreadsPerGroup.Volume() > limit {
		return newError("dispatch", ErrInvalidGeometry,
			fmt.Sprintf("%d threads per group exceeds pipeline limit %d", g.ThreadsPerGroup.Volume(), limit))
	}
	return nil
}
