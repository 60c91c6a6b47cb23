package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/maxdollinger/zram-generator/internal/config"
	"github.com/maxdollinger/zram-generator/internal/generator"
	"github.com/maxdollinger/zram-generator/internal/setup"
	"github.com/maxdollinger/zram-generator/pkg/runner"
	"github.com/maxdollinger/zram-generator/pkg/utils"
)

const (
	exitConfig  = 1
	exitRuntime = 2
)

// exitError attaches the process exit status to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	err := run(context.Background(), os.Args[1:], os.Getenv, os.Stderr, runner.NewExecRunner())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(exitConfig)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer, r runner.Runner) error {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, errHelp) {
		return nil
	}
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	level := slog.LevelInfo
	if opts.verbose || getenv(debugEnv) == "1" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).
		With("run", utils.NewRunID())
	slog.SetDefault(logger)

	root, testMode := rootFromEnv(getenv)
	if testMode {
		logger.InfoContext(ctx, "using alternate root", "root", root)
	}

	invocation, err := resolve(ctx, opts, root)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	if err := dispatch(ctx, invocation, root, testMode, r); err != nil {
		return &exitError{code: exitRuntime, err: err}
	}
	return nil
}

// resolve reads everything the invocation needs from the configuration.
// Failures here are configuration errors.
func resolve(ctx context.Context, opts options, root string) (config.Invocation, error) {
	if opts.resetDevice != "" {
		if _, err := config.ParseDeviceIndex(opts.resetDevice); err != nil {
			return nil, err
		}
		return config.ResetOne{Name: opts.resetDevice}, nil
	}

	if opts.setupDevice != "" {
		if _, err := config.ParseDeviceIndex(opts.setupDevice); err != nil {
			return nil, err
		}
	}

	override, err := config.ReadKernelOverride(root)
	if err != nil {
		return nil, err
	}
	resolver := config.NewResolver(root, override)

	if opts.setupDevice != "" {
		device, err := resolver.ResolveOne(ctx, opts.setupDevice)
		if err != nil {
			return nil, err
		}
		return config.SetupOne{Device: device, Name: opts.setupDevice}, nil
	}

	devices, err := resolver.ResolveAll(ctx)
	if err != nil {
		return nil, err
	}
	return config.Generate{Devices: devices, OutputDir: opts.outputDir}, nil
}

func dispatch(ctx context.Context, invocation config.Invocation, root string, testMode bool, r runner.Runner) error {
	switch inv := invocation.(type) {
	case config.Generate:
		return generator.NewGenerator(root, r, testMode).Run(ctx, inv.Devices, inv.OutputDir)
	case config.SetupOne:
		return setup.NewDeviceManager(root, r).Setup(ctx, inv.Device, inv.Name)
	case config.ResetOne:
		return setup.NewDeviceManager(root, r).Reset(ctx, inv.Name)
	default:
		return fmt.Errorf("unknown invocation %T", invocation)
	}
}
