package gpu_test

import (
	"fmt"
	"testing"

	"github.com/fxnlabs/metalpipe/internal/gpu"
	"github.com/fxnlabs/metalpipe/internal/gpu/gputest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unboundSource = `
kernel void unbound(device const float* in [[buffer(0)]],
                    device float* out [[buffer(1)]]) {
}
`

func TestCompile(t *testing.T) {
	s := newStack(t, gputest.NewStandardDriver())

	t.Run("valid kernel", func(t *testing.T) {
		p, err := s.compiler.Compile(gputest.DoubleSource, "compute_main")
		require.NoError(t, err)
		defer p.Release()

		assert.Equal(t, "compute_main", p.EntryPoint())
		assert.Equal(t, 1024, p.MaxTotalThreadsPerThreadgroup())
		assert.Equal(t, 32, p.ThreadExecutionWidth())
		assert.Equal(t, 1, s.driver.LivePipelines())
	})

	t.Run("syntax error", func(t *testing.T) {
		broken := "kernel void compute_main(device float* in [[buffer(0)]] {"
		p, err := s.compiler.Compile(broken, "compute_main")
		assert.Nil(t, p)
		gerr := requireKind(t, err, gpu.ErrCompilationFailed)
		assert.Contains(t, gerr.Detail, "program_source:1")
	})

	t.Run("missing entry point", func(t *testing.T) {
		_, err := s.compiler.Compile(gputest.DoubleSource, "does_not_exist")
		gerr := requireKind(t, err, gpu.ErrEntryPointNotFound)
		assert.Contains(t, gerr.Detail, `"does_not_exist"`)
		assert.Contains(t, gerr.Detail, "available: compute_main")
	})

	t.Run("empty library", func(t *testing.T) {
		_, err := s.compiler.Compile("", "compute_main")
		gerr := requireKind(t, err, gpu.ErrEntryPointNotFound)
		assert.Contains(t, gerr.Detail, "library has no functions")
	})

	t.Run("empty entry point", func(t *testing.T) {
		_, err := s.compiler.Compile(gputest.DoubleSource, "")
		requireKind(t, err, gpu.ErrEntryPointNotFound)
	})

	t.Run("pipeline build fails", func(t *testing.T) {
		_, err := s.compiler.Compile(unboundSource, "unbound")
		gerr := requireKind(t, err, gpu.ErrPipelineBuildFailed)
		assert.Contains(t, gerr.Detail, "unbound")
	})

	t.Run("stages are recorded", func(t *testing.T) {
		assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CompileTotal.WithLabelValues("ok")))
		assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CompileTotal.WithLabelValues("compilation_failed")))
		assert.Equal(t, float64(3), testutil.ToFloat64(s.metrics.CompileTotal.WithLabelValues("entry_point_not_found")))
		assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CompileTotal.WithLabelValues("pipeline_build_failed")))
	})
}

func TestCompileInvalidSourceNeverSucceeds(t *testing.T) {
	s := newStack(t, gputest.NewStandardDriver())

	sources := []string{
		"}",
		"kernel void compute_main(",
		gputest.DoubleSource + "}",
		"kernel void compute_main(device float* a [[buffer(0)] ) {}",
	}
	for _, src := range sources {
		_, err := s.compiler.Compile(src, "compute_main")
		requireKind(t, err, gpu.ErrCompilationFailed)
	}
}

func TestCompileAfterClose(t *testing.T) {
	s := newStack(t, gputest.NewStandardDriver())
	require.NoError(t, s.session.Close())

	_, err := s.compiler.Compile(gputest.DoubleSource, "compute_main")
	requireKind(t, err, gpu.ErrSessionClosed)
}

func TestCompileRejectsNulInSource(t *testing.T) {
	s := newStack(t, gputest.NewStandardDriver())

	source := gputest.DoubleSource + "\x00" + unboundSource
	_, err := s.compiler.Compile(source, "compute_main")
	gerr := requireKind(t, err, gpu.ErrCompilationFailed)
	assert.Equal(t, fmt.Sprintf("source contains a NUL byte at offset %d", len(gputest.DoubleSource)), gerr.Detail)
	assert.Zero(t, s.driver.LivePipelines())
}
