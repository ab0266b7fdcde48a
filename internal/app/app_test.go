package app

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxnlabs/metalpipe/internal/config"
	"github.com/fxnlabs/metalpipe/internal/gpu"
	"github.com/fxnlabs/metalpipe/internal/gpu/gputest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/dig"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

func float32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func newTestApp(t *testing.T, cfg *config.Config, drv gpu.Driver) (*fxtest.App, *Runner) {
	t.Helper()
	var runner *Runner
	app := fxtest.New(t,
		Options(cfg, zaptest.NewLogger(t), drv),
		fx.Populate(&runner),
	)
	return app, runner
}

func TestRunnerDoublesInput(t *testing.T) {
	drv := gputest.NewStandardDriver()
	app, runner := newTestApp(t, config.Default(), drv)
	app.RequireStart()

	res, err := runner.Run(context.Background(), Job{
		Source: gputest.DoubleSource,
		Input:  float32Bytes(1, 2, 3, 4),
	})
	require.NoError(t, err)

	assert.Len(t, res.Output, 1024)
	assert.Equal(t, float32Bytes(2, 4, 6, 8), res.Output[:16])
	assert.Equal(t, gpu.Geometry{ThreadsPerGroup: gpu.Size1D(64), Groups: gpu.Size1D(1)}, res.Geometry)
	assert.Equal(t, "compute_main", res.Pipeline.EntryPoint)
	assert.Equal(t, "Fake GPU 0", res.Pipeline.Device)

	app.RequireStop()
	require.Len(t, drv.Devices(), 1)
	assert.True(t, drv.Devices()[0].Released())
	assert.Zero(t, drv.LiveBuffers())
	assert.Zero(t, drv.LivePipelines())
}

func TestRunnerUsesJobEntryPoint(t *testing.T) {
	app, runner := newTestApp(t, config.Default(), gputest.NewStandardDriver())
	app.RequireStart()
	defer app.RequireStop()

	input := []byte("metal")
	res, err := runner.Run(context.Background(), Job{
		Source:      gputest.IdentitySource,
		EntryPoint:  "identity",
		Input:       input,
		ElementSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, input, res.Output[:len(input)])
	assert.Equal(t, make([]byte, 1024-len(input)), res.Output[len(input):])
}

func TestRunnerGrowsBufferToCoverGrid(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.MinBufferSize = 16
	app, runner := newTestApp(t, cfg, gputest.NewStandardDriver())
	app.RequireStart()
	defer app.RequireStop()

	// 5 floats with 64 threads per group address 256 bytes.
	res, err := runner.Run(context.Background(), Job{
		Source: gputest.DoubleSource,
		Input:  float32Bytes(1, 2, 3, 4, 5),
	})
	require.NoError(t, err)
	assert.Equal(t, 256, res.BufferSize)
	assert.Equal(t, float32Bytes(2, 4, 6, 8, 10), res.Output[:20])
}

func TestRunnerCoversTrailingPartialElement(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.ThreadGroupSize = 1
	cfg.Dispatch.MinBufferSize = 4
	app, runner := newTestApp(t, cfg, gputest.NewStandardDriver())
	app.RequireStart()
	defer app.RequireStop()

	// 6 bytes of 4-byte elements need two threads.
	input := append(float32Bytes(3), 0, 0)
	res, err := runner.Run(context.Background(), Job{Source: gputest.DoubleSource, Input: input})
	require.NoError(t, err)
	assert.Equal(t, gpu.Size1D(2), res.Geometry.Groups)
	assert.Equal(t, 8, res.BufferSize)
	assert.Equal(t, float32Bytes(6, 0), res.Output)
}

func TestRunnerIdentityCoversLargeInput(t *testing.T) {
	app, runner := newTestApp(t, config.Default(), gputest.NewStandardDriver())
	app.RequireStart()
	defer app.RequireStop()

	input := bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 700)
	res, err := runner.Run(context.Background(), Job{
		Source:      gputest.IdentitySource,
		EntryPoint:  "identity",
		Input:       input,
		ElementSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, gpu.Size1D(33), res.Geometry.Groups)
	assert.Equal(t, input, res.Output[:len(input)])
}

func TestRunnerHonoursBufferOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.BufferSize = 4096
	app, runner := newTestApp(t, cfg, gputest.NewStandardDriver())
	app.RequireStart()
	defer app.RequireStop()

	res, err := runner.Run(context.Background(), Job{Source: gputest.DoubleSource, Input: float32Bytes(1)})
	require.NoError(t, err)
	assert.Len(t, res.Output, 4096)
}

func TestRunnerReportsCompileErrors(t *testing.T) {
	app, runner := newTestApp(t, config.Default(), gputest.NewStandardDriver())
	app.RequireStart()
	defer app.RequireStop()

	_, err := runner.Run(context.Background(), Job{Source: "kernel void compute_main( {", Input: float32Bytes(1)})
	assert.ErrorIs(t, err, gpu.ErrCompilationFailed)

	_, err = runner.Run(context.Background(), Job{Source: gputest.DoubleSource, EntryPoint: "missing"})
	assert.ErrorIs(t, err, gpu.ErrEntryPointNotFound)
}

func TestRunnerWaitTimeout(t *testing.T) {
	release := make(chan struct{})
	drv := gputest.NewDriver().Register("compute_main", func(_ gputest.Thread, in, out []byte) {
		<-release
	})
	cfg := config.Default()
	cfg.Dispatch.ThreadGroupSize = 1
	cfg.Dispatch.WaitTimeout = 20 * time.Millisecond

	app, runner := newTestApp(t, cfg, drv)
	app.RequireStart()

	_, err := runner.Run(context.Background(), Job{Source: gputest.DoubleSource, Input: float32Bytes(1)})
	assert.ErrorIs(t, err, gpu.ErrWaitAborted)

	close(release)
	assert.Eventually(t, func() bool { return drv.LiveBuffers() == 0 }, time.Second, 5*time.Millisecond)
	app.RequireStop()
}

func TestRunnerRejectsOversizedGroups(t *testing.T) {
	drv := gputest.NewStandardDriver()
	drv.MaxThreadsPerGroup = 32
	app, runner := newTestApp(t, config.Default(), drv)
	app.RequireStart()
	defer app.RequireStop()

	_, err := runner.Run(context.Background(), Job{Source: gputest.DoubleSource, Input: float32Bytes(1)})
	assert.ErrorIs(t, err, gpu.ErrInvalidGeometry)
}

func TestDescribe(t *testing.T) {
	app, runner := newTestApp(t, config.Default(), gputest.NewStandardDriver())
	app.RequireStart()
	defer app.RequireStop()

	info, err := runner.Describe(gputest.DoubleSource, "")
	require.NoError(t, err)
	assert.Equal(t, PipelineInfo{
		Device:                        "Fake GPU 0",
		EntryPoint:                    "compute_main",
		MaxTotalThreadsPerThreadgroup: 1024,
		ThreadExecutionWidth:          32,
	}, info)
	assert.Equal(t, "Fake GPU 0", runner.DeviceName())
}

func TestSessionAcquisitionFailure(t *testing.T) {
	drv := gputest.NewDriver()
	drv.NoDevice = true

	var runner *Runner
	app := fx.New(
		Options(config.Default(), zaptest.NewLogger(t), drv),
		fx.Populate(&runner),
	)
	err := app.Err()
	require.Error(t, err)
	assert.ErrorContains(t, err, "no compute device available")
	assert.ErrorIs(t, dig.RootCause(err), gpu.ErrNoDeviceAvailable)
}

func TestMetricsTextfileWrittenOnStop(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "metalpipe.prom")
	app, runner := newTestApp(t, cfg, gputest.NewStandardDriver())
	app.RequireStart()

	_, err := runner.Run(context.Background(), Job{Source: gputest.DoubleSource, Input: float32Bytes(1, 2)})
	require.NoError(t, err)
	app.RequireStop()

	data, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `metalpipe_dispatch_total{result="ok"} 1`))
	assert.True(t, strings.Contains(string(data), `metalpipe_kernel_compile_total{result="ok"} 1`))
}

func TestGeometry(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		name     string
		size     int
		count    int
		elements int
		want     gpu.Geometry
	}{
		{"empty input", 64, 0, 0, gpu.Geometry{ThreadsPerGroup: gpu.Size1D(64), Groups: gpu.Size1D(1)}},
		{"exact multiple", 64, 0, 128, gpu.Geometry{ThreadsPerGroup: gpu.Size1D(64), Groups: gpu.Size1D(2)}},
		{"rounds up", 64, 0, 129, gpu.Geometry{ThreadsPerGroup: gpu.Size1D(64), Groups: gpu.Size1D(3)}},
		{"fixed count", 32, 7, 1000, gpu.Geometry{ThreadsPerGroup: gpu.Size1D(32), Groups: gpu.Size1D(7)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.Dispatch.ThreadGroupSize = tt.size
			cfg.Dispatch.ThreadGroupCount = tt.count
			assert.Equal(t, tt.want, Geometry(cfg, tt.elements))
		})
	}
}
