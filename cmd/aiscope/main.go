// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/aiscope/aiscope/internal/version"
)

type (
	// cmd corresponds to the top-level `aiscope` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the observing proxy."`
		// Healthcheck is the sub-command to check if the aiscope server is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to the `aiscope run` command.
	cmdRun struct {
		Debug     bool   `help:"Enable debug logging emitted to stderr."`
		ProxyPort int    `help:"HTTP port the forwarding proxy listens on." default:"8080" env:"PORT_PROXY"`
		AdminPort int    `help:"HTTP port for the admin server (serves /metrics, /health, /api/events and /api/model-info)." default:"9090" env:"PORT_ADMIN"`
		DB        string `help:"Path to the sqlite database file." default:"aiscope.db" env:"AISCOPE_DB" type:"path"`
		TargetURL string `help:"Default forward target, seeded into the config on first boot." env:"TARGET_URL"`
	}
	// cmdHealthcheck corresponds to the `aiscope healthcheck` command.
	cmdHealthcheck struct {
		AdminPort int `help:"Admin server port to probe." default:"9090" env:"PORT_ADMIN"`
	}
)

// Validate is called by Kong after parsing to validate the cmdRun arguments.
func (c *cmdRun) Validate() error {
	if c.TargetURL == "" {
		return nil
	}
	u, err := url.Parse(c.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("TARGET_URL must be an absolute http(s) URL, got %q", c.TargetURL)
	}
	return nil
}

type (
	runFn         func(context.Context, cmdRun, runOpts, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, int, io.Writer, io.Writer) error
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck)
}

// doMain is the main entry point for the CLI. It parses the command line arguments and executes the appropriate command.
//
//   - stdout is the writer to use for standard output. Mainly for testing.
//   - stderr is the writer to use for standard error. Mainly for testing.
//   - `args` are the command line arguments without the program name.
//   - exitFn is the function to call to exit the program during the parsing of the command line arguments. Mainly for testing.
//   - rf is the function to call to run the proxy. Mainly for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn,
	hf healthcheckFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("aiscope"),
		kong.Description("AI Scope observing proxy CLI"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "AI Scope: %s\n", version.String())
	case "run":
		if err := rf(ctx, c.Run, runOpts{}, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	case "healthcheck":
		if err := hf(ctx, c.Healthcheck.AdminPort, stdout, stderr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}
