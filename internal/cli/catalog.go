package cli

import (
	"path"
	"strings"

	"sandboxforge/internal/core"
)

const (
	wasiSDKURL      = "https://github.com/WebAssembly/wasi-sdk/releases/download/wasi-sdk-{major}/wasi-sdk-{version}-{platform}.tar.gz"
	pythonURL       = "https://www.python.org/ftp/python/{release}/Python-{version}.tar.xz"
	msgspecURL      = "https://files.pythonhosted.org/packages/source/m/msgspec/msgspec-{version}.tar.gz"
	markupsafeURL   = "https://files.pythonhosted.org/packages/source/M/MarkupSafe/MarkupSafe-{version}.tar.gz"
	pydanticCoreURL = "https://github.com/dicej/wasi-wheels/releases/download/v{version}/pydantic_core-wasi.tar.gz"
)

// Catalog is the set of pinned inputs one pipeline is built from.
type Catalog struct {
	Toolchain  core.ToolchainSpec
	Runtime    core.RuntimeSpec
	Extensions []core.ExtensionSpec
	Prebuilts  []core.PrebuiltSpec
}

// runtimeOverrides are autoconf cache answers configure cannot probe when
// cross-compiling to WASI.
var runtimeOverrides = map[string]string{
	"ac_cv_file__dev_ptmx":      "no",
	"ac_cv_file__dev_ptc":       "no",
	"ac_cv_buggy_getaddrinfo":   "no",
	"ac_cv_func_dlopen":         "yes",
	"ac_cv_lib_dl_dlopen":       "yes",
	"ac_cv_func_sigaltstack":    "no",
	"ac_cv_header_sys_socket_h": "yes",
	"ac_cv_working_tzset":       "yes",
}

// DefaultCatalog returns the pinned inputs for cfg. With a mirror configured,
// every archive is fetched from <mirror>/<archive name>.
func DefaultCatalog(cfg Config) Catalog {
	url := func(tmpl string) string {
		if cfg.Mirror == "" {
			return tmpl
		}
		return strings.TrimRight(cfg.Mirror, "/") + "/" + path.Base(tmpl)
	}

	return Catalog{
		Toolchain: core.ToolchainSpec{
			Name:        "wasi-sdk",
			Version:     cfg.Versions.WasiSDK,
			URLTemplate: url(wasiSDKURL),
		},
		Runtime: core.RuntimeSpec{
			Version:         cfg.Versions.Python,
			URLTemplate:     url(pythonURL),
			BuildPython:     cfg.BuildPython,
			ConfigOverrides: runtimeOverrides,
		},
		Extensions: []core.ExtensionSpec{
			{
				Name:        "markupsafe",
				Version:     cfg.Versions.MarkupSafe,
				URLTemplate: url(markupsafeURL),
				Layout: core.PackageLayout{
					Package:     "markupsafe",
					PureSources: []string{"__init__.py", "_native.py"},
					Stubs:       []string{"_speedups.pyi"},
					Markers:     []string{"py.typed"},
					Module: core.NativeModule{
						Name:    "_speedups",
						Sources: []string{"_speedups.c"},
						Entry:   "PyInit__speedups",
					},
				},
			},
			{
				Name:        "msgspec",
				Version:     cfg.Versions.Msgspec,
				URLTemplate: url(msgspecURL),
				Layout: core.PackageLayout{
					Package: "msgspec",
					PureSources: []string{
						"__init__.py", "_json_schema.py", "_utils.py", "_version.py",
						"inspect.py", "json.py", "msgpack.py", "structs.py", "toml.py", "yaml.py",
					},
					Stubs:   []string{"__init__.pyi", "json.pyi", "msgpack.pyi", "structs.pyi"},
					Markers: []string{"py.typed"},
					Module: core.NativeModule{
						Name:    "_core",
						Sources: []string{"_core.c"},
						Entry:   "PyInit__core",
					},
				},
			},
		},
		Prebuilts: []core.PrebuiltSpec{
			{
				Name:        "pydantic_core",
				Version:     cfg.Versions.PydanticCore,
				URLTemplate: url(pydanticCoreURL),
			},
		},
	}
}
