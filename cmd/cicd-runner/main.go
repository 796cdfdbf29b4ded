// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cie/internal/config"
	appErrors "github.com/kraklabs/cie/internal/errors"
	"github.com/kraklabs/cie/internal/ui"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// globalFlags holds the flags that apply regardless of subcommand.
type globalFlags struct {
	configPath string
	noColor    bool
	verbose    int
	quiet      bool
}

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "Path to cicd_config.toml (default: $CICD_CONFIG or ./cicd_config.toml)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
	)

	flag.SetInterspersed(false)
	flag.Usage = printUsage

	flag.Parse()

	if *showVersion {
		fmt.Printf("cicd-runner version %s (commit %s, built %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *quiet && *verbose > 0 {
		fmt.Fprintln(os.Stderr, "error: cannot use --quiet and --verbose together")
		os.Exit(1)
	}

	globals := globalFlags{
		configPath: config.FindPath(*configPath),
		noColor:    *noColor,
		verbose:    *verbose,
		quiet:      *quiet,
	}
	ui.InitColors(globals.noColor)

	args := flag.Args()
	command := "run"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "run":
		runServe(globals)
	case "validate":
		runValidate(globals)
	case "version":
		fmt.Printf("cicd-runner version %s (commit %s, built %s)\n", version, commit, date)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `cicd-runner - self-hosted webhook CI runner

Usage:
  cicd-runner [run]     Start the webhook server (default)
  cicd-runner validate  Validate the configuration file and exit
  cicd-runner version   Print version information

Global Options:
  -c, --config      Path to cicd_config.toml
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output
  -V, --version     Show version and exit

Environment Variables:
  CICD_CONFIG       Path to cicd_config.toml, overridden by --config
  CICD_DATA_DIR     Directory holding cicd_data.db (default: .)
  CICD_ADDR         Listen address (default: :8080)
  CICD_DRAIN_TIMEOUT_SECONDS  Graceful shutdown deadline (default: 60)
`)
}

func runValidate(g globalFlags) {
	snap, err := config.Load(g.configPath, config.ReasonStartup)
	if err != nil {
		appErrors.FatalError(err)
		return
	}
	ui.OK(g.quiet, "%s is valid (%d project(s) configured)", g.configPath, len(snap.Projects))
}
