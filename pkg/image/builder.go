package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Builder errors.
var (
	ErrUndefinedLabel = errors.New("undefined label")
	ErrDuplicateLabel = errors.New("duplicate label")
)

// MainProc is the name of the implicit procedure 0.
const MainProc = "main"

// Builder assembles an image. Code addresses are emitted relative to the
// code section and rebased when Build lays out the tables.
type Builder struct {
	procs    []procEntry
	procIdx  map[string]int
	idents   []byte
	identIdx map[string]int32
	strs     []byte
	strIdx   map[string]int32
	code     []byte
	labels   map[string]int
	fixups   []fixup
	entry    string
}

type procEntry struct {
	name      int32
	flags     int32
	args      int32
	body      string
	condition string
	time      int32
}

type fixup struct {
	pos   int // position of the 4-byte immediate inside code
	label string
}

// NewBuilder returns a builder with procedure 0 declared.
func NewBuilder() *Builder {
	b := &Builder{
		procIdx:  make(map[string]int),
		idents:   make([]byte, 4),
		identIdx: make(map[string]int32),
		strIdx:   make(map[string]int32),
		labels:   make(map[string]int),
	}
	b.procs = append(b.procs, procEntry{name: b.Identifier(MainProc)})
	b.procIdx[MainProc] = 0
	return b
}

// Identifier interns name into the identifiers blob and returns its offset.
func (b *Builder) Identifier(name string) int32 {
	if off, ok := b.identIdx[name]; ok {
		return off
	}
	off := int32(len(b.idents))
	b.idents = append(b.idents, name...)
	b.idents = append(b.idents, 0)
	if len(b.idents)%2 != 0 {
		b.idents = append(b.idents, 0)
	}
	b.identIdx[name] = off
	return off
}

// String interns s into the static strings blob and returns its offset.
func (b *Builder) String(s string) int32 {
	if off, ok := b.strIdx[s]; ok {
		return off
	}
	off := int32(len(b.strs))
	b.strs = append(b.strs, s...)
	b.strs = append(b.strs, 0)
	if len(b.strs)%2 != 0 {
		b.strs = append(b.strs, 0)
	}
	b.strIdx[s] = off
	return off
}

// Proc declares a procedure and returns its index. Redeclaring a name
// updates flags and argument count and returns the existing index.
func (b *Builder) Proc(name string, flags, args int32) int {
	if i, ok := b.procIdx[name]; ok {
		b.procs[i].flags = flags
		b.procs[i].args = args
		return i
	}
	b.procs = append(b.procs, procEntry{name: b.Identifier(name), flags: flags, args: args})
	b.procIdx[name] = len(b.procs) - 1
	return len(b.procs) - 1
}

// ProcIndex returns the index of a declared procedure.
func (b *Builder) ProcIndex(name string) (int, bool) {
	i, ok := b.procIdx[name]
	return i, ok
}

// SetBody points procedure i at label.
func (b *Builder) SetBody(i int, label string) {
	b.procs[i].body = label
}

// SetCondition stores a predicate label in procedure i's condition field.
func (b *Builder) SetCondition(i int, label string) {
	b.procs[i].condition = label
}

// SetTime stores an initial trigger time in procedure i.
func (b *Builder) SetTime(i int, t int32) {
	b.procs[i].time = t
}

// Entry sets the label the boot stub jumps to. Defaults to the first code
// byte.
func (b *Builder) Entry(label string) {
	b.entry = label
}

// Label binds name to the current code position.
func (b *Builder) Label(name string) error {
	if _, ok := b.labels[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLabel, name)
	}
	b.labels[name] = len(b.code)
	return nil
}

// Op appends one instruction word.
func (b *Builder) Op(op Opcode) {
	b.code = binary.BigEndian.AppendUint16(b.code, uint16(op))
}

// PushInt appends an INT constant.
func (b *Builder) PushInt(v int32) {
	b.Op(Opcode(TagInt))
	b.code = binary.BigEndian.AppendUint32(b.code, uint32(v))
}

// PushFloat appends a FLOAT constant.
func (b *Builder) PushFloat(v float32) {
	b.Op(Opcode(TagFloat))
	b.code = binary.BigEndian.AppendUint32(b.code, math.Float32bits(v))
}

// PushString appends a static STRING constant.
func (b *Builder) PushString(s string) {
	off := b.String(s)
	b.Op(Opcode(TagString))
	b.code = binary.BigEndian.AppendUint32(b.code, uint32(off))
}

// PushLabel appends an INT constant holding the absolute address of label.
func (b *Builder) PushLabel(label string) {
	b.Op(Opcode(TagInt))
	b.fixups = append(b.fixups, fixup{pos: len(b.code), label: label})
	b.code = binary.BigEndian.AppendUint32(b.code, 0)
}

// PushIdent appends an INT constant holding an identifier offset, the
// operand form used by export and external variable opcodes.
func (b *Builder) PushIdent(name string) {
	b.PushInt(b.Identifier(name))
}

// CodeLen returns the number of code bytes emitted so far.
func (b *Builder) CodeLen() int { return len(b.code) }

// Build lays out the header, tables and code and resolves labels.
func (b *Builder) Build() ([]byte, error) {
	codeStart := HeaderSize + 4 + len(b.procs)*ProcRecordSize + len(b.idents) + 4 + len(b.strs)

	resolve := func(label string) (int32, error) {
		if label == "" {
			return int32(codeStart), nil
		}
		pos, ok := b.labels[label]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUndefinedLabel, label)
		}
		return int32(codeStart + pos), nil
	}

	out := make([]byte, 0, codeStart+len(b.code))

	entry, err := resolve(b.entry)
	if err != nil {
		return nil, err
	}
	out = appendHeader(out, entry)

	out = binary.BigEndian.AppendUint32(out, uint32(len(b.procs)))
	for i, p := range b.procs {
		body, err := resolve(p.body)
		if err != nil {
			return nil, fmt.Errorf("procedure %d: %w", i, err)
		}
		if i == 0 && p.body == "" {
			body = entry
		}
		var cond int32
		if p.condition != "" {
			if cond, err = resolve(p.condition); err != nil {
				return nil, fmt.Errorf("procedure %d condition: %w", i, err)
			}
		}
		out = binary.BigEndian.AppendUint32(out, uint32(p.name))
		out = binary.BigEndian.AppendUint32(out, uint32(p.flags))
		out = binary.BigEndian.AppendUint32(out, uint32(p.time))
		out = binary.BigEndian.AppendUint32(out, uint32(cond))
		out = binary.BigEndian.AppendUint32(out, uint32(body))
		out = binary.BigEndian.AppendUint32(out, uint32(p.args))
	}

	idents := append([]byte(nil), b.idents...)
	binary.BigEndian.PutUint32(idents, uint32(len(idents)-4))
	out = append(out, idents...)

	out = binary.BigEndian.AppendUint32(out, uint32(len(b.strs)))
	out = append(out, b.strs...)

	code := append([]byte(nil), b.code...)
	for _, f := range b.fixups {
		addr, err := resolve(f.label)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(code[f.pos:], uint32(addr))
	}
	out = append(out, code...)

	return out, nil
}

// appendHeader writes the boot stub and the return pads.
func appendHeader(out []byte, entry int32) []byte {
	word := func(op Opcode) { out = binary.BigEndian.AppendUint16(out, uint16(op)) }

	word(Opcode(TagInt))
	out = binary.BigEndian.AppendUint32(out, uint32(entry))
	word(OpJump)
	for len(out) < PadTriggerReturn {
		word(OpNoop)
	}

	word(OpPop)
	word(OpPopFlagsReturn)
	word(OpPop)
	word(OpPopFlagsExit)
	word(OpPop)
	word(OpPopFlagsReturnExtern)
	word(OpPop)
	word(OpPopFlagsExitExtern)
	word(OpPopFlagsReturnValExtern)
	for len(out) < HeaderSize {
		word(OpNoop)
	}
	return out
}
