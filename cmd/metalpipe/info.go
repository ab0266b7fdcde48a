package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/metalpipe/fixtures"
	"github.com/fxnlabs/metalpipe/internal/app"
	"github.com/fxnlabs/metalpipe/internal/config"
	"github.com/fxnlabs/metalpipe/metal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Show the compute device and, given a kernel, its pipeline limits",
		ArgsUsage: "[kernel.metal]",
		Action: func(c *cli.Context) error {
			out := c.App.Writer

			fmt.Fprint(out, figure.NewFigure("metalpipe", "", true).String())
			fmt.Fprintln(out)

			return withRunner(c.Context, c, func(runner *app.Runner) error {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "Device:\t%s\n", runner.DeviceName())

				if c.NArg() == 0 {
					for _, k := range metal.Builtins() {
						fmt.Fprintf(w, "Built-in kernel:\t%s (%s)\n", k.Name, k.EntryPoint)
					}
					return w.Flush()
				}

				kernel, err := loadKernel(c, c.Args().First())
				if err != nil {
					return err
				}
				info, err := runner.Describe(kernel.Source, kernel.EntryPoint)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Entry point:\t%s\n", info.EntryPoint)
				fmt.Fprintf(w, "Max threads per group:\t%d\n", info.MaxTotalThreadsPerThreadgroup)
				fmt.Fprintf(w, "Thread execution width:\t%d\n", info.ThreadExecutionWidth)
				return w.Flush()
			})
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config.yaml into the home directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing config file"},
		},
		Action: func(c *cli.Context) error {
			log := c.App.Metadata["logger"].(*zap.Logger)
			home := c.App.Metadata["homeDir"].(string)

			if err := os.MkdirAll(home, 0o755); err != nil {
				return fmt.Errorf("failed to create home directory: %w", err)
			}
			path := config.DefaultConfigPath(home)
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("config file %s already exists", path)
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			log.Info("config file written", zap.String("path", path))
			fmt.Fprintln(c.App.Writer, path)
			return nil
		},
	}
}
