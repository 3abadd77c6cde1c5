package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/autopilot/internal/config"
	"github.com/banshee-data/autopilot/internal/fsutil"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/version"
)

// errUsage marks command-line mistakes; main prints usage for them.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := dispatch(ctx, os.Args[1:], os.Stdout)
	if errors.Is(err, errUsage) {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("pilot: %v", err)
	}
}

// app carries what every subcommand needs.
type app struct {
	cfg     *config.PilotConfig
	cfgPath string
	fs      fsutil.FileSystem
	out     io.Writer
}

func dispatch(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("pilot", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	cfgPath := global.String("config", config.DefaultConfigPath, "Configuration file (created with defaults when missing)")
	verbose := global.Bool("v", false, "Log per-cycle sensor and prediction traces")
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if global.NArg() < 1 {
		return fmt.Errorf("%w: no command given", errUsage)
	}
	monitoring.SetDebug(*verbose)

	command, rest := global.Arg(0), global.Args()[1:]
	switch command {
	case "version":
		fmt.Fprintf(out, "pilot version %s\n", version.String())
		return nil
	case "help":
		printUsage(out)
		return nil
	case "config":
		if len(rest) > 0 && rest[0] == "init" {
			return initConfig(*cfgPath, out)
		}
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, cfgPath: *cfgPath, fs: fsutil.OSFileSystem{}, out: out}

	switch command {
	case "run":
		return a.drive(ctx, rest)
	case "train":
		return a.train(rest)
	case "collect":
		return a.collect(ctx, rest)
	case "config":
		return a.config(rest)
	case "models":
		return a.models(rest)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

// loadConfig reads the configuration, writing the defaults first when the
// file does not exist yet.
func loadConfig(path string) (*config.PilotConfig, error) {
	created, err := config.WriteDefaultConfig(path)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("Configuration file %s not found, created with defaults", path)
	}
	return config.LoadPilotConfig(path)
}

func initConfig(path string, out io.Writer) error {
	created, err := config.WriteDefaultConfig(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Wrote default configuration to %s\n", path)
	} else {
		fmt.Fprintf(out, "%s already exists, leaving it unchanged\n", path)
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `pilot - learned autopilot for an RC car

Usage: pilot [--config pilot.json] [-v] <command> [options]

Commands:
  run [corpus]       Drive autonomously using the model trained on corpus
  train [corpus]     Retrain the model for corpus and store it
  collect            Record sensor readings and the current drive state to a corpus
  config init|show   Write the default configuration, or print the effective one
  models             List bundles in the SQLite model store
  version            Show pilot version
  help               Show this help message

Model flags (run, train):
  -R                 Use the regressor (overrides use_regressor)
  -C                 Use the classifier (overrides use_regressor)

Run flags:
  --full-auto        Stall detection and the forward nudge (overrides run_full_auto)
  --listen <addr>    Serve /debug/ admin routes (overrides listen)

Train flags:
  --plot <file>      Write a training report (.png loss curve or .html page)

Collect flags:
  --corpus <file>    Corpus to append to (default Training_splrcbxyzv.txt, or the Cam variant with use_camera)

Examples:
  # Train the classifier on the default corpus and plot its loss
  pilot train --plot loss.html Training_splrcbxyzv.txt

  # Drive in full auto with the admin routes on port 8080
  pilot run --full-auto --listen :8080 Training_splrcbxyzv.txt`)
}
