package cli

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"invalid invocation", invalidInvocationf("bad flag"), ExitInvalidInvocation},
		{"config error", configError(errors.New("bad pin")), ExitConfigError},
		{"unknown stage", fmt.Errorf("select: %w", dag.ErrUnknownStage), ExitInvalidInvocation},
		{"unsupported platform", core.UnsupportedPlatformError("toolchain", "Plan9", "mips"), ExitConfigError},
		{"missing prerequisite", core.ConfigurationError("runtime", "/sdk/bin/clang", "toolchain"), ExitConfigError},
		{"integrity", core.IntegrityError("toolchain", "sdk.tar.gz", "aa", "bb"), ExitStageFailure},
		{"compile", core.CompileError("extension:msgspec", "_core.c", nil, errors.New("exit 1")), ExitStageFailure},
		{"cancelled", fmt.Errorf("execution cancelled: %w", context.Canceled), ExitStageFailure},
		{"cycle", dag.ErrCycleFound, ExitInternalError},
		{"other", errors.New("disk on fire"), ExitInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestInvocationError_Message(t *testing.T) {
	assert.Equal(t, "bad pin", configError(errors.New("bad pin")).Error())
	assert.Equal(t, "x 1", invalidInvocationf("x %d", 1).Error())

	cause := errors.New("cause")
	assert.ErrorIs(t, configError(cause), cause)
}

func TestResolveUnder(t *testing.T) {
	assert.Equal(t, "", resolveUnder("/r", "  "))
	assert.Equal(t, "/abs/x", resolveUnder("/r", "/abs/./x"))
	assert.Equal(t, "/r/cache", resolveUnder("/r", "./cache/../cache"))
}
