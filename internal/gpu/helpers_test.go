package gpu_test

import (
	"testing"

	"github.com/fxnlabs/metalpipe/internal/gpu"
	"github.com/fxnlabs/metalpipe/internal/gpu/gputest"
	"github.com/fxnlabs/metalpipe/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stack struct {
	driver   *gputest.Driver
	session  *gpu.Session
	compiler *gpu.Compiler
	buffers  *gpu.BufferManager
	engine   *gpu.Engine
	metrics  *metrics.Metrics
}

func newStack(t *testing.T, drv *gputest.Driver, opts ...gpu.EngineOption) *stack {
	t.Helper()

	session, err := gpu.NewSession(drv, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	m := metrics.NewMetrics(prometheus.NewRegistry())
	buffers := gpu.NewBufferManager(session)
	opts = append([]gpu.EngineOption{gpu.WithMetrics(m)}, opts...)

	return &stack{
		driver:   drv,
		session:  session,
		compiler: gpu.NewCompiler(session, m),
		buffers:  buffers,
		engine:   gpu.NewEngine(session, buffers, opts...),
		metrics:  m,
	}
}

func (s *stack) compile(t *testing.T, source, entryPoint string) *gpu.Pipeline {
	t.Helper()
	p, err := s.compiler.Compile(source, entryPoint)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p
}

func grid(groups, threadsPerGroup int) gpu.Geometry {
	return gpu.Geometry{
		Groups:          gpu.Size1D(groups),
		ThreadsPerGroup: gpu.Size1D(threadsPerGroup),
	}
}

func requireKind(t *testing.T, err error, kind error) *gpu.Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	var gerr *gpu.Error
	require.ErrorAs(t, err, &gerr)
	return gerr
}
