// Package loader reads modules with their symbol files and writes them back
// so that either both files are replaced or neither is.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
)

const (
	ModuleExt  = ".bcm"
	SymbolsExt = ".sym"
)

// SymbolPath is the symbol file that pairs with a module file.
func SymbolPath(modulePath string) string {
	return strings.TrimSuffix(modulePath, filepath.Ext(modulePath)) + SymbolsExt
}

// Open decodes the module at path and attaches its symbol file when one
// exists. A missing symbol file only lowers line-mapping fidelity.
func Open(path string, sink diag.Sink) (*bytecode.Module, error) {
	if sink == nil {
		sink = diag.Nop
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	mod, err := bytecode.DecodeModule(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	symPath := SymbolPath(path)
	symData, err := os.ReadFile(symPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		sink.Debugf("no symbol file at %s, line mapping will not be preserved", symPath)
		return mod, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read symbols: %w", err)
	}
	st, err := bytecode.DecodeSymbols(symData)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", symPath, err)
	}
	if err := st.Apply(mod); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w: %v", symPath, bytecode.ErrInvalidSymbols, err)
	}
	sink.Debugf("loaded symbols for %d methods from %s", len(st.Methods), symPath)
	return mod, nil
}

// Save writes mod to path, and its symbols next to it when the module was
// opened with symbols. Everything is encoded and staged before the first
// rename; if the symbol rename fails the previous module is put back.
func Save(mod *bytecode.Module, path string, sink diag.Sink) (err error) {
	if sink == nil {
		sink = diag.Nop
	}
	modData, err := bytecode.EncodeModule(mod)
	if err != nil {
		return fmt.Errorf("failed to encode module: %w", err)
	}
	var symData []byte
	if mod.HasSymbols {
		if symData, err = bytecode.EncodeSymbols(bytecode.CollectSymbols(mod)); err != nil {
			return fmt.Errorf("failed to encode symbols: %w", err)
		}
	}

	var staged []string
	defer func() {
		for _, p := range staged {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				err = multierr.Append(err, fmt.Errorf("failed to remove staged file: %w", rmErr))
			}
		}
	}()

	stagedModule, err := stage(path, modData)
	if err != nil {
		return err
	}
	staged = append(staged, stagedModule)

	symPath := SymbolPath(path)
	var stagedSymbols string
	if symData != nil {
		if stagedSymbols, err = stage(symPath, symData); err != nil {
			return err
		}
		staged = append(staged, stagedSymbols)
	}

	previous, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read previous module: %w", err)
	}
	existed := err == nil

	if err := os.Rename(stagedModule, path); err != nil {
		return fmt.Errorf("failed to replace module: %w", err)
	}
	if stagedSymbols == "" {
		sink.Debugf("wrote %s", path)
		return nil
	}
	if err := os.Rename(stagedSymbols, symPath); err != nil {
		err = fmt.Errorf("failed to replace symbols: %w", err)
		return multierr.Append(err, restore(path, previous, existed))
	}
	sink.Debugf("wrote %s and %s", path, symPath)
	return nil
}

// stage writes data to a temporary file in target's directory.
func stage(target string, data []byte) (name string, err error) {
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.staged")
	if err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", filepath.Base(target), err)
	}
	name = f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(name)
			name = ""
		}
	}()
	defer multierr.AppendInvoke(&err, multierr.Close(f))
	if _, err = f.Write(data); err != nil {
		return name, fmt.Errorf("failed to stage %s: %w", filepath.Base(target), err)
	}
	if err = f.Sync(); err != nil {
		return name, fmt.Errorf("failed to stage %s: %w", filepath.Base(target), err)
	}
	return name, nil
}

func restore(path string, previous []byte, existed bool) error {
	if !existed {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove partially written module: %w", err)
		}
		return nil
	}
	tmp, err := stage(path, previous)
	if err != nil {
		return fmt.Errorf("failed to restore module: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to restore module: %w", err)
	}
	return nil
}
