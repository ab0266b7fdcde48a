package app

import (
	"context"
	"time"

	"github.com/fxnlabs/metalpipe/internal/config"
	"github.com/fxnlabs/metalpipe/internal/gpu"
	"go.uber.org/zap"
)

// Job is one kernel invocation.
type Job struct {
	Source     string
	EntryPoint string
	Input      []byte
	// ElementSize is the number of input bytes one thread consumes, used to
	// size the thread grid when the group count is automatic. A trailing
	// partial element still gets a thread. Defaults to 4.
	ElementSize int
}

// Result is the output of a Job together with the launch it used.
type Result struct {
	Output     []byte
	Geometry   gpu.Geometry
	BufferSize int
	Pipeline   PipelineInfo
	Elapsed    time.Duration
}

// PipelineInfo describes a compiled kernel.
type PipelineInfo struct {
	Device                        string
	EntryPoint                    string
	MaxTotalThreadsPerThreadgroup int
	ThreadExecutionWidth          int
}

// Runner compiles and dispatches jobs on the application's session.
type Runner struct {
	session  *gpu.Session
	compiler *gpu.Compiler
	engine   *gpu.Engine
	cfg      *config.Config
	logger   *zap.Logger
}

func NewRunner(session *gpu.Session, compiler *gpu.Compiler, engine *gpu.Engine, cfg *config.Config, log *zap.Logger) *Runner {
	return &Runner{
		session:  session,
		compiler: compiler,
		engine:   engine,
		cfg:      cfg,
		logger:   log.Named("runner"),
	}
}

// DeviceName returns the name of the session's device.
func (r *Runner) DeviceName() string {
	return r.session.DeviceName()
}

// Describe compiles entryPoint from source and reports its limits.
func (r *Runner) Describe(source, entryPoint string) (PipelineInfo, error) {
	pipeline, err := r.compiler.Compile(source, r.entryPoint(entryPoint))
	if err != nil {
		return PipelineInfo{}, err
	}
	defer pipeline.Release()
	return r.info(pipeline), nil
}

// Run compiles the job's kernel, dispatches it once and returns the output
// buffer. The wait is bounded by dispatch.waitTimeout when it is set.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	start := time.Now()

	pipeline, err := r.compiler.Compile(job.Source, r.entryPoint(job.EntryPoint))
	if err != nil {
		return nil, err
	}
	defer pipeline.Release()

	elemSize := job.ElementSize
	if elemSize <= 0 {
		elemSize = 4
	}
	geometry := Geometry(r.cfg, (len(job.Input)+elemSize-1)/elemSize)
	bufferSize := r.bufferSize(len(job.Input), geometry.Threads()*elemSize)

	if timeout := r.cfg.Dispatch.WaitTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := r.engine.Run(ctx, gpu.Request{
		Pipeline:   pipeline,
		Input:      job.Input,
		Geometry:   geometry,
		BufferSize: bufferSize,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Output:     out,
		Geometry:   geometry,
		BufferSize: len(out),
		Pipeline:   r.info(pipeline),
		Elapsed:    time.Since(start),
	}
	r.logger.Info("job completed",
		zap.String("entry_point", res.Pipeline.EntryPoint),
		zap.Int("input_bytes", len(job.Input)),
		zap.Int("output_bytes", len(out)),
		zap.Int("threads", geometry.Threads()),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (r *Runner) entryPoint(name string) string {
	if name != "" {
		return name
	}
	return r.cfg.Kernel.EntryPoint
}

// bufferSize returns the override passed to the engine: the configured one,
// or a larger size when the grid would address bytes past the automatic
// buffer.
func (r *Runner) bufferSize(inputLen, gridBytes int) int {
	if r.cfg.Dispatch.BufferSize > 0 {
		return r.cfg.Dispatch.BufferSize
	}
	if auto := gpu.BufferSizeFor(inputLen, r.cfg.Dispatch.MinBufferSize, 0); gridBytes > auto {
		return gridBytes
	}
	return 0
}

func (r *Runner) info(p *gpu.Pipeline) PipelineInfo {
	return PipelineInfo{
		Device:                        r.session.DeviceName(),
		EntryPoint:                    p.EntryPoint(),
		MaxTotalThreadsPerThreadgroup: p.MaxTotalThreadsPerThreadgroup(),
		ThreadExecutionWidth:          p.ThreadExecutionWidth(),
	}
}

// Geometry returns the 1D launch for elements input elements: the configured
// group size, and either the configured group count or enough groups to give
// every element a thread.
func Geometry(cfg *config.Config, elements int) gpu.Geometry {
	size := cfg.Dispatch.ThreadGroupSize
	if size <= 0 {
		size = config.DefaultThreadGroupSize
	}
	groups := cfg.Dispatch.ThreadGroupCount
	if groups <= 0 {
		groups = (elements + size - 1) / size
		if groups == 0 {
			groups = 1
		}
	}
	return gpu.Geometry{
		ThreadsPerGroup: gpu.Size1D(size),
		Groups:          gpu.Size1D(groups),
	}
}
