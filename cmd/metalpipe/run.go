package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fxnlabs/metalpipe/internal/app"
	"github.com/fxnlabs/metalpipe/internal/config"
	"github.com/fxnlabs/metalpipe/internal/gpu"
	"github.com/fxnlabs/metalpipe/internal/ioformat"
	"github.com/fxnlabs/metalpipe/metal"
	"github.com/urfave/cli/v2"
	"go.uber.org/dig"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func runCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		_ = cli.ShowAppHelp(c)
		return fmt.Errorf("expected <kernel.metal> <input>, got %d arguments", c.NArg())
	}
	cfg := c.App.Metadata["config"].(*config.Config)
	log := c.App.Metadata["logger"].(*zap.Logger)

	kernel, err := loadKernel(c, c.Args().Get(0))
	if err != nil {
		return err
	}

	elem, err := ioformat.ParseElementType(cfg.Output.ElementType)
	if err != nil {
		return err
	}
	format, err := ioformat.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	input, err := ioformat.LoadInput(c.Args().Get(1), elem)
	if err != nil {
		return fmt.Errorf("failed to load input: %w", err)
	}
	log.Debug("input loaded",
		zap.String("kernel", kernel.Name),
		zap.Int("bytes", len(input)),
		zap.String("element_type", string(elem)))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	elemSize := kernel.ElementSize
	if elemSize <= 0 {
		elemSize = elem.Size()
	}

	return withRunner(ctx, c, func(runner *app.Runner) error {
		res, err := runner.Run(ctx, app.Job{
			Source:      kernel.Source,
			EntryPoint:  kernel.EntryPoint,
			Input:       input,
			ElementSize: elemSize,
		})
		if err != nil {
			return err
		}
		return ioformat.WriteOutput(c.App.Writer, res.Output, ioformat.OutputOptions{
			Format:  format,
			Element: elem,
			Count:   cfg.Output.Count,
		})
	})
}

// loadKernel resolves arg to kernel source: a file, a kernel.library entry
// or a built-in kernel, in that order. The --function flag always picks the
// entry point; otherwise built-ins use their own and files use the config.
func loadKernel(c *cli.Context, arg string) (metal.Kernel, error) {
	cfg := c.App.Metadata["config"].(*config.Config)
	home := c.App.Metadata["homeDir"].(string)

	path := cfg.ResolveKernel(arg, home)
	source, err := os.ReadFile(path)
	if err == nil {
		return metal.Kernel{Name: path, EntryPoint: cfg.Kernel.EntryPoint, Source: string(source)}, nil
	}
	if builtin, ok := metal.Builtin(arg); ok {
		if c.IsSet("function") {
			builtin.EntryPoint = cfg.Kernel.EntryPoint
		}
		return builtin, nil
	}
	return metal.Kernel{}, fmt.Errorf("failed to read kernel source: %w", err)
}

// withRunner starts the application for the duration of fn. The session is
// released and metrics are exported when fn returns.
func withRunner(ctx context.Context, c *cli.Context, fn func(*app.Runner) error) (err error) {
	cfg := c.App.Metadata["config"].(*config.Config)
	log := c.App.Metadata["logger"].(*zap.Logger)
	drv := c.App.Metadata["driver"].(gpu.Driver)

	var runner *app.Runner
	fxApp := fx.New(
		app.Options(cfg, log, drv),
		fx.Populate(&runner),
	)
	if err := fxApp.Err(); err != nil {
		return dig.RootCause(err)
	}
	if err := fxApp.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := fxApp.Stop(context.Background()); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	return fn(runner)
}
