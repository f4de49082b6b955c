package main

import (
	"fmt"
	"os"
	"time"

	"github.com/johndauphine/obs-harvest/internal/exitcodes"
	"github.com/johndauphine/obs-harvest/internal/logging"
	"github.com/urfave/cli/v2"

	// Source clients register themselves by type.
	_ "github.com/johndauphine/obs-harvest/internal/source/httpsource"
	_ "github.com/johndauphine/obs-harvest/internal/source/sqlsource"
)

var version = "dev"

func main() {
	providerFlag := &cli.StringSliceFlag{
		Name:    "provider",
		Aliases: []string{"p"},
		Usage:   "Provider to harvest (repeatable)",
	}
	modeFlag := &cli.StringFlag{
		Name:    "mode",
		Aliases: []string{"m"},
		Value:   "incremental",
		Usage:   "Harvest mode: full or incremental",
	}

	app := &cli.App{
		Name:    "obs-harvest",
		Usage:   "Harvest biodiversity observations into a verbatim store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite run history (for headless schedulers)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for the JSON result.
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Harvest providers and promote their staging collections",
				Action: runHarvest,
				Flags: []cli.Flag{
					providerFlag,
					modeFlag,
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Harvest every configured provider in parallel",
					},
					&cli.BoolFlag{
						Name:  "resume",
						Usage: "Continue a full harvest from its existing staging collection",
					},
					&cli.StringFlag{
						Name:  "run-id",
						Usage: "Explicit run ID for a single provider (default: generated)",
					},
				},
			},
			{
				Name:   "check",
				Usage:  "Probe sources and evaluate a dry cutover of existing staging",
				Action: checkProviders,
				Flags: []cli.Flag{
					providerFlag,
					&cli.StringFlag{
						Name:  "mode",
						Value: "full",
						Usage: "Staging collection to evaluate: full or incremental",
					},
				},
			},
			{
				Name:   "collections",
				Usage:  "Show primary and staging collections with counts and watermarks",
				Action: showCollections,
				Flags:  []cli.Flag{providerFlag},
			},
			{
				Name:   "status",
				Usage:  "Show active runs and the last run of each provider",
				Action: showStatus,
			},
			{
				Name:   "history",
				Usage:  "List harvest runs, or view details of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
				},
			},
			{
				Name:   "cleanup",
				Usage:  "Delete finished runs from the run history",
				Action: cleanupHistory,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Value: 30 * 24 * time.Hour,
						Usage: "Delete runs completed longer ago than this",
					},
				},
			},
			{
				Name:   "dashboard",
				Usage:  "Open the interactive run-history dashboard",
				Action: startDashboard,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 50,
						Usage: "Number of runs to show",
					},
				},
			},
			{
				Name:   "worker",
				Usage:  "Run a Temporal worker that executes scheduled harvests",
				Action: runWorker,
			},
			{
				Name:   "trigger",
				Usage:  "Start a harvest workflow on the Temporal cluster",
				Action: triggerWorkflow,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "provider",
						Aliases:  []string{"p"},
						Required: true,
						Usage:    "Provider to harvest",
					},
					modeFlag,
					&cli.BoolFlag{
						Name:  "resume",
						Usage: "Continue a full harvest from its existing staging collection",
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Wait for the workflow to finish",
					},
				},
			},
			{
				Name:   "providers",
				Usage:  "List configured providers and available source and store types",
				Action: listProviders,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code != exitcodes.Success {
			logging.Debug("exit code %d: %s", code, exitcodes.Description(code))
		}
		os.Exit(code)
	}
}
