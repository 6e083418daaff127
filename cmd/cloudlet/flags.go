package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

const (
	modeBase   = "base"
	modeCreate = "create"
	modeRun    = "run"
)

var (
	errUsage = errors.New("invalid arguments")

	modeArgs = map[string]int{
		modeBase:   1,
		modeCreate: 2,
		modeRun:    4,
	}
)

type options struct {
	mode string
	args []string

	configPath string
	workDir    string
	verify     bool
	archive    string
	verbose    bool
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), `usage: %s [options] <mode> [file]..
  -b, -base   <disk image>
  -c, -create <base image> <base memory>
  -r, -run    <base image> <base memory> <overlay image> <overlay memory>

options:
`, fs.Name())
		fs.PrintDefaults()
	}
}

// parseArgs reads exactly one mode and its positional files. -h returns flag.ErrHelp,
// everything else that does not parse returns errUsage.
func parseArgs(fs *flag.FlagSet, arguments []string) (options, error) {
	var (
		opts              options
		base, create, run bool
	)

	fs.BoolVar(&base, "base", false, "Create a base disk image and memory snapshot from a disk image")
	fs.BoolVar(&base, "b", false, "Shorthand for -base")
	fs.BoolVar(&create, "create", false, "Run a base snapshot and create an overlay from the resulting state")
	fs.BoolVar(&create, "c", false, "Shorthand for -create")
	fs.BoolVar(&run, "run", false, "Merge an overlay into its base and resume the result")
	fs.BoolVar(&run, "r", false, "Shorthand for -run")

	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults are used if empty)")
	fs.StringVar(&opts.workDir, "work-dir", "", "Directory for generated artifacts (overrides the configuration)")
	fs.BoolVar(&opts.verify, "verify", false, "With -create, reconstruct the modified snapshot from the overlay and compare it byte for byte")
	fs.StringVar(&opts.archive, "archive", "", "With -create, also bundle the overlay into this tar.zst file")
	fs.BoolVar(&opts.verbose, "verbose", false, "Whether to enable debug logging")

	fs.Usage = usage(fs)
	fs.SetOutput(io.Discard)
	defer fs.SetOutput(nil)

	if err := fs.Parse(arguments); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return options{}, err
		}

		return options{}, errors.Join(errUsage, err)
	}

	modes := 0
	for mode, set := range map[string]bool{modeBase: base, modeCreate: create, modeRun: run} {
		if set {
			opts.mode = mode
			modes++
		}
	}

	if modes != 1 {
		return options{}, errors.Join(errUsage, errors.New("exactly one of -base, -create or -run is required"))
	}

	opts.args = fs.Args()
	if len(opts.args) != modeArgs[opts.mode] {
		return options{}, errors.Join(errUsage, fmt.Errorf("-%s takes %d files, got %d", opts.mode, modeArgs[opts.mode], len(opts.args)))
	}

	return opts, nil
}
