package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/pflag"
)

const (
	rootEnv  = "ZRAM_GENERATOR_ROOT"
	debugEnv = "ZRAM_GENERATOR_DEBUG"
)

var errHelp = errors.New("help requested")

type options struct {
	setupDevice string
	resetDevice string
	verbose     bool

	// outputDir is the first of the three directories systemd passes to
	// generators. The other two are accepted and ignored.
	outputDir string
}

func parseArgs(args []string, output io.Writer) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("zram-generator", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&opts.setupDevice, "setup-device", "", "set up the named device (zram<N>) and format it")
	flagSet.StringVar(&opts.resetDevice, "reset-device", "", "reset the named device (zram<N>)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug messages")
	flagSet.Usage = func() {
		fmt.Fprintf(output, "Usage:\n  zram-generator <normal-dir> [<early-dir> <late-dir>]\n  zram-generator --setup-device zram<N>\n  zram-generator --reset-device zram<N>\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return opts, errHelp
		}
		return opts, err
	}

	positional := flagSet.Args()
	switch {
	case opts.setupDevice != "" && opts.resetDevice != "":
		return opts, errors.New("--setup-device and --reset-device are mutually exclusive")
	case opts.setupDevice != "" || opts.resetDevice != "":
		if len(positional) != 0 {
			return opts, fmt.Errorf("unexpected arguments %q", positional)
		}
	case len(positional) == 1 || len(positional) == 3:
		opts.outputDir = positional[0]
	default:
		return opts, fmt.Errorf("expected 1 or 3 directory arguments, got %d", len(positional))
	}

	return opts, nil
}

// rootFromEnv returns the directory /proc, /sys, /dev and the configuration
// are looked up under. An alternate root also switches on test mode.
func rootFromEnv(getenv func(string) string) (root string, testMode bool) {
	root = getenv(rootEnv)
	if root == "" {
		return "/", false
	}
	return filepath.Clean(root), true
}
