package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxnlabs/metalpipe/internal/config"
	"github.com/fxnlabs/metalpipe/internal/gpu"
	"github.com/fxnlabs/metalpipe/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr, gpu.SystemDriver()))
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer, drv gpu.Driver) int {
	app := newApp(stdout, stderr, drv)
	if err := app.Run(args); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describeError(err))
		return 1
	}
	return 0
}

func newApp(stdout, stderr io.Writer, drv gpu.Driver) *cli.App {
	var home, configPath string

	app := &cli.App{
		Name:      "metalpipe",
		Usage:     "Run a Metal compute kernel over an input file",
		ArgsUsage: "<kernel.metal> <input>",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "home",
				Value:       config.GetDefaultConfigHome(),
				Usage:       "Path to the metalpipe home directory",
				EnvVars:     []string{"METALPIPE_HOME"},
				Destination: &home,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to a config file (default: <home>/config.yaml)",
				Destination: &configPath,
			},
			&cli.StringFlag{Name: "function", Aliases: []string{"fn"}, Usage: "Kernel entry point name"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "Output format: binary, text, json, summary"},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Element type: float32, int32, uint32"},
			&cli.IntFlag{Name: "threads-per-group", Usage: "Threads per thread group"},
			&cli.IntFlag{Name: "thread-groups", Usage: "Number of thread groups (0 covers every input element)"},
			&cli.IntFlag{Name: "buffer-size", Usage: "Size of the input and output buffers in bytes (0 is automatic)"},
			&cli.IntFlag{Name: "min-buffer-size", Usage: "Smallest automatic buffer size in bytes"},
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "Number of output elements to print (0 prints all)"},
			&cli.DurationFlag{Name: "timeout", Usage: "Abort the wait for the kernel after this long (0 waits forever)"},
			&cli.StringFlag{Name: "metrics-file", Usage: "Write prometheus metrics to this file on exit"},
			&cli.StringFlag{Name: "verbosity", Aliases: []string{"v"}, Usage: "Log level: debug, info, warn, error"},
		},
		Before: func(c *cli.Context) error {
			var (
				cfg *config.Config
				err error
			)
			if configPath != "" {
				cfg, err = config.LoadConfig(configPath)
			} else {
				cfg, err = config.LoadDefault(home)
			}
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applyFlags(c, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			zapLogger, err := logger.NewConsole(cfg.Logger.Verbosity)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}

			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = zapLogger.Named("cli")
			c.App.Metadata["homeDir"] = home
			c.App.Metadata["driver"] = drv
			return nil
		},
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			return nil
		},
		Action: runCommand,
		Commands: []*cli.Command{
			infoCommand(),
			initCommand(),
		},
	}
	app.Metadata = map[string]interface{}{}
	return app
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("function") {
		cfg.Kernel.EntryPoint = c.String("function")
	}
	if c.IsSet("format") {
		cfg.Output.Format = c.String("format")
	}
	if c.IsSet("type") {
		cfg.Output.ElementType = c.String("type")
	}
	if c.IsSet("threads-per-group") {
		cfg.Dispatch.ThreadGroupSize = c.Int("threads-per-group")
	}
	if c.IsSet("thread-groups") {
		cfg.Dispatch.ThreadGroupCount = c.Int("thread-groups")
	}
	if c.IsSet("buffer-size") {
		cfg.Dispatch.BufferSize = c.Int("buffer-size")
	}
	if c.IsSet("min-buffer-size") {
		cfg.Dispatch.MinBufferSize = c.Int("min-buffer-size")
	}
	if c.IsSet("count") {
		cfg.Output.Count = c.Int("count")
	}
	if c.IsSet("timeout") {
		cfg.Dispatch.WaitTimeout = c.Duration("timeout")
	}
	if c.IsSet("metrics-file") {
		cfg.Metrics.Textfile = c.String("metrics-file")
	}
	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
}

// describeError renders err as "<kind>: <detail>" when it comes from the
// execution engine.
func describeError(err error) string {
	err = dig.RootCause(err)
	var gerr *gpu.Error
	if !errors.As(err, &gerr) {
		return err.Error()
	}
	detail := gerr.Detail
	if detail == "" {
		detail = gerr.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", gpu.KindOf(gerr), detail)
}
