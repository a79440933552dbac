package bytecode

import (
	"fmt"
	"sort"
)

// SymbolTable is the debug mapping persisted next to a module: for every
// method key, the instruction offsets that start a source line.
type SymbolTable struct {
	Module  string
	Methods map[string][]LineEntry
}

type LineEntry struct {
	Offset int
	File   string
	Line   int
	Column int
}

// CollectSymbols reads the sequence points currently attached to the module's
// instructions, so offsets always reflect the instruction order at save time.
func CollectSymbols(mod *Module) *SymbolTable {
	st := &SymbolTable{Module: mod.Name, Methods: make(map[string][]LineEntry)}
	for _, m := range mod.AllMethods() {
		if m.Body == nil {
			continue
		}
		var entries []LineEntry
		for i, h := range m.Body.order {
			sp := m.Body.arena[h].Seq
			if sp == nil {
				continue
			}
			entries = append(entries, LineEntry{Offset: i, File: sp.File, Line: sp.Line, Column: sp.Column})
		}
		if len(entries) > 0 {
			st.Methods[m.Key()] = entries
		}
	}
	return st
}

// Apply attaches the table's sequence points to the module's instructions.
func (st *SymbolTable) Apply(mod *Module) error {
	keys := make([]string, 0, len(st.Methods))
	for k := range st.Methods {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		m := mod.FindMethod(key)
		if m == nil || m.Body == nil {
			return fmt.Errorf("symbols reference unknown method body %s", key)
		}
		for _, e := range st.Methods[key] {
			if e.Offset < 0 || e.Offset >= m.Body.Len() {
				return fmt.Errorf("%s: symbol offset %d out of range", key, e.Offset)
			}
			m.Body.SetSeq(m.Body.At(e.Offset), &SequencePoint{File: e.File, Line: e.Line, Column: e.Column})
		}
	}
	mod.HasSymbols = true
	return nil
}
