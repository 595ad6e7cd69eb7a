package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"sandboxforge/internal/core"
)

// Options are the process-level dependencies of one invocation.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string

	// Tools runs external programs; nil means real child processes.
	Tools core.CommandRunner
}

// Run executes the command line args and returns the process exit code.
func Run(ctx context.Context, args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	inv := &invocation{opts: opts, exit: -1}
	root := newRootCommand(inv)
	root.SetArgs(args)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "error: %v\n", err)
	}
	if inv.exit >= 0 {
		return inv.exit
	}
	return ExitCode(err)
}
