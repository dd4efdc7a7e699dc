package vm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// ExportedProc is a procedure published for cross-program calls.
type ExportedProc struct {
	Name    string `json:"name" cbor:"1,keyasint"`
	Program Handle `json:"program" cbor:"2,keyasint"`
	Address int32  `json:"address" cbor:"3,keyasint"`
	Args    int32  `json:"args" cbor:"4,keyasint"`
}

// ExportedVar is a named variable shared between programs. String values
// are held by copy in Text since heap offsets belong to one program.
type ExportedVar struct {
	Name  string `json:"name" cbor:"1,keyasint"`
	Owner string `json:"owner" cbor:"2,keyasint"`
	Value Value  `json:"value" cbor:"3,keyasint"`
	Text  string `json:"text,omitempty" cbor:"4,keyasint,omitempty"`
}

// Exports is the name table shared by every program in a Context. Names
// are case-insensitive.
type Exports struct {
	procs map[string]*ExportedProc
	vars  map[string]*ExportedVar
}

// NewExports returns an empty table.
func NewExports() *Exports {
	return &Exports{
		procs: make(map[string]*ExportedProc),
		vars:  make(map[string]*ExportedVar),
	}
}

func exportKey(name string) string { return strings.ToLower(name) }

// ExportProcedure publishes a procedure of program h. Re-exporting from the
// same program updates the entry; another live owner is a conflict.
func (e *Exports) ExportProcedure(h Handle, name string, addr, args int32) error {
	key := exportKey(name)
	if cur, ok := e.procs[key]; ok && cur.Program != 0 && cur.Program != h {
		return fmt.Errorf("%w: procedure %s", ErrExportConflict, name)
	}
	e.procs[key] = &ExportedProc{Name: name, Program: h, Address: addr, Args: args}
	return nil
}

// Procedure looks up a live exported procedure.
func (e *Exports) Procedure(name string) (ExportedProc, bool) {
	cur, ok := e.procs[exportKey(name)]
	if !ok || cur.Program == 0 {
		return ExportedProc{}, false
	}
	return *cur, true
}

// ExportVariable declares a variable owned by the named program. The
// owner re-exporting resets it to INT 0.
func (e *Exports) ExportVariable(owner, name string) error {
	key := exportKey(name)
	if cur, ok := e.vars[key]; ok && !strings.EqualFold(cur.Owner, owner) {
		return fmt.Errorf("%w: variable %s", ErrExportConflict, name)
	}
	e.vars[key] = &ExportedVar{Name: name, Owner: owner, Value: Int(0)}
	return nil
}

// StoreVariable sets an exported variable. For strings text carries the
// contents and the stored tag becomes DYNAMIC_STRING.
func (e *Exports) StoreVariable(name string, v Value, text string) error {
	cur, ok := e.vars[exportKey(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExternalVariable, name)
	}
	if v.IsString() {
		cur.Value = Value{Tag: image.TagDynamicString}
		cur.Text = text
		return nil
	}
	cur.Value = v
	cur.Text = ""
	return nil
}

// Variable returns an exported variable.
func (e *Exports) Variable(name string) (ExportedVar, error) {
	cur, ok := e.vars[exportKey(name)]
	if !ok {
		return ExportedVar{}, fmt.Errorf("%w: %s", ErrUnknownExternalVariable, name)
	}
	return *cur, nil
}

// RemoveProgram drops every procedure exported by h. Variables outlive
// their owner.
func (e *Exports) RemoveProgram(h Handle) {
	for key, cur := range e.procs {
		if cur.Program == h {
			delete(e.procs, key)
		}
	}
}

// Procedures lists exported procedures by name.
func (e *Exports) Procedures() []ExportedProc {
	out := make([]ExportedProc, 0, len(e.procs))
	for _, cur := range e.procs {
		out = append(out, *cur)
	}
	sort.Slice(out, func(i, j int) bool { return exportKey(out[i].Name) < exportKey(out[j].Name) })
	return out
}

// Variables lists exported variables by name.
func (e *Exports) Variables() []ExportedVar {
	out := make([]ExportedVar, 0, len(e.vars))
	for _, cur := range e.vars {
		out = append(out, *cur)
	}
	sort.Slice(out, func(i, j int) bool { return exportKey(out[i].Name) < exportKey(out[j].Name) })
	return out
}

// Reset empties the table.
func (e *Exports) Reset() {
	e.procs = make(map[string]*ExportedProc)
	e.vars = make(map[string]*ExportedVar)
}

func (e *Exports) restore(procs []ExportedProc, vars []ExportedVar) {
	e.Reset()
	for i := range procs {
		cur := procs[i]
		e.procs[exportKey(cur.Name)] = &cur
	}
	for i := range vars {
		cur := vars[i]
		e.vars[exportKey(cur.Name)] = &cur
	}
}
