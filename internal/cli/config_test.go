package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxforge/internal/core"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := LoadConfig(envOf(map[string]string{"SANDBOXFORGE_ROOT": root}), nil)
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, filepath.Join(root, ".toolcache"), cfg.ToolCache)
	assert.Equal(t, filepath.Join(root, "checksums.sha256"), cfg.Checksums)
	assert.Equal(t, core.CacheContent, cfg.CacheMode)
	assert.Equal(t, Versions{WasiSDK: "24.0", Python: "3.12.0", Msgspec: "0.19.0", MarkupSafe: "2.1.5", PydanticCore: "0.0.2"}, cfg.Versions)
	assert.Equal(t, "python3.12", cfg.BuildPython)
	assert.Equal(t, root, cfg.Project)
	assert.Equal(t, filepath.Join(root, "wit"), cfg.WitDir)
	assert.Equal(t, "env", cfg.World)
	assert.Equal(t, "agent_repl", cfg.App)
	assert.Equal(t, filepath.Join(root, "guest"), cfg.AppPath)
	assert.Equal(t, []string{"python", "generate_prelude.py"}, cfg.Bootstrap)
	assert.Equal(t, filepath.Join(root, "env.wasm"), cfg.Output)
	assert.Equal(t, 1, cfg.Jobs)
	assert.Empty(t, cfg.Mirror)
	assert.NotEmpty(t, cfg.HostOS)
	assert.NotEmpty(t, cfg.HostArch)
}

func TestLoadConfig_FlagBeatsEnvBeatsDefault(t *testing.T) {
	root := t.TempDir()
	env := map[string]string{
		"SANDBOXFORGE_ROOT":           root,
		"SANDBOXFORGE_TOOL_CACHE":     "cache-from-env",
		"SANDBOXFORGE_WORLD":          "env-world",
		"SANDBOXFORGE_CACHE_MODE":     "existence",
		"SANDBOXFORGE_PYTHON_VERSION": "3.12.4",
		"SANDBOXFORGE_BOOTSTRAP":      "python3 gen.py --fast",
		"SANDBOXFORGE_JOBS":           "2",
	}
	cfg, err := LoadConfig(envOf(env), map[string]string{
		flagWorld: "flag-world",
		flagJobs:  "4",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "cache-from-env"), cfg.ToolCache, "relative paths resolve under root")
	assert.Equal(t, "flag-world", cfg.World)
	assert.Equal(t, core.CacheExistence, cfg.CacheMode)
	assert.Equal(t, "3.12.4", cfg.Versions.Python)
	assert.Equal(t, []string{"python3", "gen.py", "--fast"}, cfg.Bootstrap)
	assert.Equal(t, 4, cfg.Jobs)
}

func TestLoadConfig_IgnoresUnprefixedPythonVersion(t *testing.T) {
	// python container images export PYTHON_VERSION for their own interpreter.
	cfg, err := LoadConfig(envOf(map[string]string{
		"SANDBOXFORGE_ROOT": t.TempDir(),
		"PYTHON_VERSION":    "3.11.9",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "3.12.0", cfg.Versions.Python)
	assert.Equal(t, "python3.12", cfg.BuildPython)
}

func TestLoadConfig_BuildPythonFollowsPin(t *testing.T) {
	root := t.TempDir()
	cfg, err := LoadConfig(envOf(map[string]string{
		"SANDBOXFORGE_ROOT":           root,
		"SANDBOXFORGE_PYTHON_VERSION": "3.13.0rc1",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "python3.13", cfg.BuildPython)

	cfg, err = LoadConfig(envOf(map[string]string{
		"SANDBOXFORGE_ROOT":           root,
		"SANDBOXFORGE_PYTHON_VERSION": "3.13.0rc1",
		"SANDBOXFORGE_BUILD_PYTHON":   "/opt/py/bin/python3",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "/opt/py/bin/python3", cfg.BuildPython)
}

func TestLoadConfig_RootFlagDrivesDerivedDefaults(t *testing.T) {
	envRoot, flagRootDir := t.TempDir(), t.TempDir()
	cfg, err := LoadConfig(envOf(map[string]string{"SANDBOXFORGE_ROOT": envRoot}), map[string]string{flagRoot: flagRootDir})
	require.NoError(t, err)
	assert.Equal(t, flagRootDir, cfg.Root)
	assert.Equal(t, filepath.Join(flagRootDir, "wit"), cfg.WitDir)
}

func TestLoadConfig_HostOverride(t *testing.T) {
	cfg, err := LoadConfig(envOf(map[string]string{
		"SANDBOXFORGE_ROOT":      t.TempDir(),
		"SANDBOXFORGE_HOST_OS":   "Darwin",
		"SANDBOXFORGE_HOST_ARCH": "arm64",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "Darwin", cfg.HostOS)
	assert.Equal(t, "arm64", cfg.HostArch)
}

func TestLoadConfig_Errors(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		name  string
		env   map[string]string
		flags map[string]string
		code  int
	}{
		{"bad cache mode", map[string]string{"SANDBOXFORGE_CACHE_MODE": "sometimes"}, nil, ExitInvalidInvocation},
		{"zero jobs", nil, map[string]string{flagJobs: "0"}, ExitInvalidInvocation},
		{"non-numeric jobs", map[string]string{"SANDBOXFORGE_JOBS": "many"}, nil, ExitInvalidInvocation},
		{"bad python pin", map[string]string{"SANDBOXFORGE_PYTHON_VERSION": "three"}, nil, ExitConfigError},
		{"bad extension pin", map[string]string{"SANDBOXFORGE_MSGSPEC_VERSION": "0.19.x"}, nil, ExitConfigError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := map[string]string{"SANDBOXFORGE_ROOT": root}
			for k, v := range tc.env {
				env[k] = v
			}
			_, err := LoadConfig(envOf(env), tc.flags)
			require.Error(t, err)
			assert.Equal(t, tc.code, ExitCode(err))
		})
	}
}
