package gpu

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxnlabs/metalpipe/internal/metrics"
	"go.uber.org/zap"
)

// Pipeline is a compiled kernel bound to one entry point. It is only valid
// with the device that compiled it.
type Pipeline struct {
	state      PipelineState
	device     Device
	entryPoint string
}

// EntryPoint returns the kernel function the pipeline was built from.
func (p *Pipeline) EntryPoint() string {
	return p.entryPoint
}

// MaxTotalThreadsPerThreadgroup is the largest thread group the pipeline
// accepts.
func (p *Pipeline) MaxTotalThreadsPerThreadgroup() int {
	return p.state.MaxTotalThreadsPerThreadgroup()
}

// ThreadExecutionWidth is the SIMD width the device schedules threads in.
func (p *Pipeline) ThreadExecutionWidth() int {
	return p.state.ThreadExecutionWidth()
}

// Release frees the native pipeline.
func (p *Pipeline) Release() {
	if p.state != nil {
		p.state.Release()
		p.state = nil
	}
}

// Compiler turns kernel source into pipelines on the session's device.
type Compiler struct {
	session *Session
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCompiler creates a compiler for session. m may be nil.
func NewCompiler(session *Session, m *metrics.Metrics) *Compiler {
	return &Compiler{
		session: session,
		metrics: m,
		logger:  session.Logger().Named("compiler"),
	}
}

// Compile builds a pipeline for entryPoint from source. The three stages fail
// with distinct kinds: ErrCompilationFailed for bad source,
// ErrEntryPointNotFound for a missing function and ErrPipelineBuildFailed
// when the function exists but cannot be turned into a pipeline.
func (c *Compiler) Compile(source, entryPoint string) (*Pipeline, error) {
	start := time.Now()
	p, err := c.compile(source, entryPoint)
	c.metrics.ObserveCompile(time.Since(start), KindOf(err))
	if err != nil {
		c.logger.Warn("kernel compilation failed",
			zap.String("entry_point", entryPoint),
			zap.String("kind", KindOf(err)),
			zap.Error(err))
		return nil, err
	}
	c.logger.Debug("kernel compiled",
		zap.String("entry_point", entryPoint),
		zap.Int("max_threads_per_group", p.MaxTotalThreadsPerThreadgroup()),
		zap.Int("execution_width", p.ThreadExecutionWidth()),
		zap.Duration("elapsed", time.Since(start)))
	return p, nil
}

func (c *Compiler) compile(source, entryPoint string) (*Pipeline, error) {
	device := c.session.Device()
	if device == nil {
		return nil, newError("compile", ErrSessionClosed, "")
	}
	if entryPoint == "" {
		return nil, newError("compile", ErrEntryPointNotFound, "empty entry point name")
	}
	if i := strings.IndexByte(source, 0); i >= 0 {
		return nil, newError("compile", ErrCompilationFailed, fmt.Sprintf("source contains a NUL byte at offset %d", i))
	}

	library, err := device.NewLibrary(source)
	if err != nil || library == nil {
		return nil, wrapError("compile", ErrCompilationFailed, err)
	}
	defer library.Release()

	fn, ok := library.Function(entryPoint)
	if !ok || fn == nil {
		return nil, newError("compile", ErrEntryPointNotFound, missingFunctionDetail(entryPoint, library.FunctionNames()))
	}
	defer fn.Release()

	state, err := device.NewComputePipeline(fn)
	if err != nil || state == nil {
		return nil, wrapError("compile", ErrPipelineBuildFailed, err)
	}

	return &Pipeline{
		state:      state,
		device:     device,
		entryPoint: entryPoint,
	}, nil
}

func missingFunctionDetail(name string, available []string) string {
	if len(available) == 0 {
		return fmt.Sprintf("%q (library has no functions)", name)
	}
	names := append([]string(nil), available...)
	sort.Strings(names)
	return fmt.Sprintf("%q (available: %s)", name, strings.Join(names, ", "))
}
