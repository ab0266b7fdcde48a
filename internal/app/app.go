// Package app wires the GPU session, compiler and dispatch engine into an fx
// application and runs single-shot kernel jobs on it.
package app

import (
	"context"

	"github.com/fxnlabs/metalpipe/internal/config"
	"github.com/fxnlabs/metalpipe/internal/gpu"
	"github.com/fxnlabs/metalpipe/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Module provides the execution stack. It expects a *config.Config, a
// *zap.Logger and a gpu.Driver to be supplied by the caller.
var Module = fx.Module("metalpipe",
	fx.Provide(
		NewSession,
		NewRegistry,
		func(reg *prometheus.Registry) prometheus.Registerer { return reg },
		metrics.NewMetrics,
		gpu.NewCompiler,
		gpu.NewBufferManager,
		NewEngine,
		NewRunner,
	),
	fx.Invoke(registerMetricsExport),
)

// Options returns everything needed to build the application around drv.
func Options(cfg *config.Config, log *zap.Logger, drv gpu.Driver) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.Provide(func() gpu.Driver { return drv }),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		Module,
	)
}

// NewSession acquires the device and closes it when the application stops.
func NewSession(lc fx.Lifecycle, drv gpu.Driver, log *zap.Logger) (*gpu.Session, error) {
	session, err := gpu.NewSession(drv, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return session.Close()
		},
	})
	return session, nil
}

// NewRegistry returns the per-application metrics registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// NewEngine creates the dispatch engine with the configured buffer floor.
func NewEngine(session *gpu.Session, buffers *gpu.BufferManager, m *metrics.Metrics, cfg *config.Config) *gpu.Engine {
	return gpu.NewEngine(session, buffers,
		gpu.WithMinBufferSize(cfg.Dispatch.MinBufferSize),
		gpu.WithMetrics(m))
}

func registerMetricsExport(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	path := cfg.Metrics.Textfile
	if path == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := metrics.WriteTextfile(path, reg); err != nil {
				log.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
				return err
			}
			log.Debug("metrics written", zap.String("path", path))
			return nil
		},
	})
}
