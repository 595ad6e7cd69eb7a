package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"sandboxforge/internal/core"
)

// Versions holds the pinned version of every fetched input.
type Versions struct {
	WasiSDK      string
	Python       string
	Msgspec      string
	MarkupSafe   string
	PydanticCore string
}

// Config is the resolved configuration of one invocation. Paths are absolute.
type Config struct {
	Root      string
	ToolCache string
	Checksums string
	CacheMode core.CacheMode
	Mirror    string

	HostOS   string
	HostArch string

	Versions    Versions
	BuildPython string

	Project   string
	WitDir    string
	World     string
	App       string
	AppPath   string
	Bootstrap []string
	Output    string

	Jobs    int
	Verbose bool
}

// Flag names shared by the commands and LoadConfig.
const (
	flagRoot      = "root"
	flagToolCache = "tool-cache"
	flagChecksums = "checksums"
	flagCacheMode = "cache-mode"
	flagMirror    = "mirror"
	flagProject   = "project"
	flagWit       = "wit"
	flagWorld     = "world"
	flagApp       = "app"
	flagAppPath   = "app-path"
	flagOutput    = "output"
	flagJobs      = "jobs"
)

type setting struct {
	env  string
	flag string
	def  func(root string) string
	dst  func(c *Config) *string
	path bool
}

func underRoot(rel string) func(string) string {
	return func(root string) string { return resolveUnder(root, rel) }
}

func constant(v string) func(string) string {
	return func(string) string { return v }
}

var settings = []setting{
	{env: "SANDBOXFORGE_TOOL_CACHE", flag: flagToolCache, def: underRoot(".toolcache"), dst: func(c *Config) *string { return &c.ToolCache }, path: true},
	{env: "SANDBOXFORGE_CHECKSUMS", flag: flagChecksums, def: underRoot("checksums.sha256"), dst: func(c *Config) *string { return &c.Checksums }, path: true},
	{env: "SANDBOXFORGE_MIRROR", flag: flagMirror, def: constant(""), dst: func(c *Config) *string { return &c.Mirror }},
	{env: "SANDBOXFORGE_HOST_OS", def: constant(""), dst: func(c *Config) *string { return &c.HostOS }},
	{env: "SANDBOXFORGE_HOST_ARCH", def: constant(""), dst: func(c *Config) *string { return &c.HostArch }},
	{env: "SANDBOXFORGE_WASI_SDK_VERSION", def: constant("24.0"), dst: func(c *Config) *string { return &c.Versions.WasiSDK }},
	{env: "SANDBOXFORGE_PYTHON_VERSION", def: constant("3.12.0"), dst: func(c *Config) *string { return &c.Versions.Python }},
	{env: "SANDBOXFORGE_MSGSPEC_VERSION", def: constant("0.19.0"), dst: func(c *Config) *string { return &c.Versions.Msgspec }},
	{env: "SANDBOXFORGE_MARKUPSAFE_VERSION", def: constant("2.1.5"), dst: func(c *Config) *string { return &c.Versions.MarkupSafe }},
	{env: "SANDBOXFORGE_PYDANTIC_CORE_VERSION", def: constant("0.0.2"), dst: func(c *Config) *string { return &c.Versions.PydanticCore }},
	{env: "SANDBOXFORGE_BUILD_PYTHON", def: constant(""), dst: func(c *Config) *string { return &c.BuildPython }},
	{env: "SANDBOXFORGE_PROJECT", flag: flagProject, def: underRoot("."), dst: func(c *Config) *string { return &c.Project }, path: true},
	{env: "SANDBOXFORGE_WIT_DIR", flag: flagWit, def: underRoot("wit"), dst: func(c *Config) *string { return &c.WitDir }, path: true},
	{env: "SANDBOXFORGE_WORLD", flag: flagWorld, def: constant("env"), dst: func(c *Config) *string { return &c.World }},
	{env: "SANDBOXFORGE_APP", flag: flagApp, def: constant("agent_repl"), dst: func(c *Config) *string { return &c.App }},
	{env: "SANDBOXFORGE_APP_PATH", flag: flagAppPath, def: underRoot("guest"), dst: func(c *Config) *string { return &c.AppPath }, path: true},
	{env: "SANDBOXFORGE_OUTPUT", flag: flagOutput, def: underRoot("env.wasm"), dst: func(c *Config) *string { return &c.Output }, path: true},
}

// LoadConfig resolves defaults, then environment variables, then flags.
// flags holds only the flags set on the command line.
func LoadConfig(getenv func(string) string, flags map[string]string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	lookup := func(env, flag string) (string, bool) {
		if flag != "" {
			if v, ok := flags[flag]; ok {
				return v, true
			}
		}
		if env != "" {
			if v := strings.TrimSpace(getenv(env)); v != "" {
				return v, true
			}
		}
		return "", false
	}

	var cfg Config
	root, ok := lookup("SANDBOXFORGE_ROOT", flagRoot)
	if !ok {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolving working directory: %w", err)
		}
		root = wd
	}
	cwd, _ := os.Getwd()
	cfg.Root = resolveUnder(cwd, root)

	for _, s := range settings {
		v, ok := lookup(s.env, s.flag)
		switch {
		case !ok:
			v = s.def(cfg.Root)
		case s.path:
			v = resolveUnder(cfg.Root, v)
		}
		*s.dst(&cfg) = v
	}

	if cfg.BuildPython == "" {
		cfg.BuildPython = core.BuildPythonFor(cfg.Versions.Python)
	}

	mode := string(core.CacheContent)
	if v, ok := lookup("SANDBOXFORGE_CACHE_MODE", flagCacheMode); ok {
		mode = v
	}
	m, err := core.ParseCacheMode(mode)
	if err != nil {
		return Config{}, invalidInvocationf("%v", err)
	}
	cfg.CacheMode = m

	boot := "python generate_prelude.py"
	if v, ok := lookup("SANDBOXFORGE_BOOTSTRAP", ""); ok {
		boot = v
	}
	cfg.Bootstrap = strings.Fields(boot)

	cfg.Jobs = 1
	if v, ok := lookup("SANDBOXFORGE_JOBS", flagJobs); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, invalidInvocationf("invalid jobs value %q (expected a positive integer)", v)
		}
		cfg.Jobs = n
	}

	if cfg.HostOS == "" || cfg.HostArch == "" {
		osName, arch := core.HostPlatform()
		if cfg.HostOS == "" {
			cfg.HostOS = osName
		}
		if cfg.HostArch == "" {
			cfg.HostArch = arch
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the version pins. It does not touch the filesystem.
func (c Config) Validate() error {
	pins := []struct{ what, v string }{
		{"wasi-sdk", c.Versions.WasiSDK},
		{"python", c.Versions.Python},
		{"msgspec", c.Versions.Msgspec},
		{"markupsafe", c.Versions.MarkupSafe},
		{"pydantic_core", c.Versions.PydanticCore},
	}
	for _, p := range pins {
		if err := core.ValidateVersion(p.what, p.v); err != nil {
			return configError(err)
		}
	}
	if len(c.Bootstrap) == 0 {
		return configError(fmt.Errorf("bootstrap command is empty"))
	}
	return nil
}
