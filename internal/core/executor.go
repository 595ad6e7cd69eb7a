package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string

	// Env entries override the inherited process environment.
	Env map[string]string

	// Stdout, when set, receives standard output instead of the result buffer.
	Stdout io.Writer
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// CommandResult carries captured output and the process exit code.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output returns stdout followed by stderr, for error reports.
func (r *CommandResult) Output() []byte {
	if r == nil {
		return nil
	}
	out := append([]byte(nil), r.Stdout...)
	return append(out, r.Stderr...)
}

// CommandRunner runs external tools. A non-zero exit is reported through
// CommandResult.ExitCode, not as an error; errors mean the tool could not run.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (ExecRunner) LookPath(name string) (string, error) { return exec.LookPath(name) }

// Run starts cmd in its own process group so cancellation kills the whole
// tool tree (configure and compilers fork freely).
func (ExecRunner) Run(ctx context.Context, c Command) (*CommandResult, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command name is empty")
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("%s cancelled: %w", c.Name, ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", c.Name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// mergeEnv overlays overrides on base. Overridden keys are dropped from base
// and the overrides appended in sorted order.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
