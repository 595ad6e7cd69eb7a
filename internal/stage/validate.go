package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"go.bytecodealliance.org/wit"
)

const initPrefix = "PyInit_"

var (
	wasmMagic       = []byte{0x00, 'a', 's', 'm'}
	componentHeader = []byte{0x00, 'a', 's', 'm', 0x0d, 0x00, 0x01, 0x00}
)

// moduleExports compiles the wasm module at path without instantiating it
// and returns its exported function names, sorted.
func moduleExports(ctx context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, wasmMagic) {
		return nil, fmt.Errorf("%s is not a wasm module", path)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	defer compiled.Close(ctx)

	exports := compiled.ExportedFunctions()
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// checkEntry requires entry among the exports and no other init symbol, so
// the loader can only ever resolve one module from the file.
func checkEntry(exports []string, entry string) error {
	found := false
	var others []string
	for _, name := range exports {
		switch {
		case name == entry:
			found = true
		case strings.HasPrefix(name, initPrefix):
			others = append(others, name)
		}
	}
	if !found {
		return fmt.Errorf("entry symbol %s is not exported", entry)
	}
	if len(others) > 0 {
		return fmt.Errorf("unexpected init symbols exported: %s", strings.Join(others, ", "))
	}
	return nil
}

// checkWorld loads the WIT package in dir and requires world to be defined.
func checkWorld(dir, world string) error {
	res, err := wit.LoadWIT(dir)
	if err != nil {
		return fmt.Errorf("loading WIT from %s: %w", dir, err)
	}
	var names []string
	for _, w := range res.Worlds {
		if w.Name == world {
			return nil
		}
		names = append(names, w.Name)
	}
	sort.Strings(names)
	return fmt.Errorf("world %q not found in %s (have: %s)", world, dir, strings.Join(names, ", "))
}

// isComponent reports whether the file starts with the component-model
// preamble rather than a core module's.
func isComponent(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(componentHeader))
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, componentHeader), nil
}
