// Package asm turns Cadence assembly text into bytecode images.
//
// A source file is a list of lines. Each line may carry a label
// ("name:"), a directive or one instruction:
//
//	.proc tick timed args=0 body=tick   ; declare a procedure
//	.entry start                        ; boot label
//	start:
//	    push 5                          ; INT
//	    push 1.5                        ; FLOAT
//	    push "text"                     ; static STRING
//	    push @label                     ; code address
//	    push #name                      ; identifier offset
//	    push &tick                      ; procedure index
//	    call_at
//
// Procedure attributes are timed, conditional, import, export, critical,
// args=N, time=N, body=LABEL and cond=LABEL. A procedure without body=
// uses the label of the same name when one exists.
package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// Assembly errors.
var (
	ErrSyntax        = errors.New("syntax error")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrOperand       = errors.New("bad operand")
	ErrDirective     = errors.New("bad directive")
)

// Assembler converts source text to images. Extra mnemonics extend the
// built-in instruction set.
type Assembler struct {
	extra map[string]image.Opcode
}

// New returns an assembler that also accepts the given mnemonics.
func New(extra map[string]image.Opcode) *Assembler {
	a := &Assembler{extra: make(map[string]image.Opcode, len(extra))}
	for name, op := range extra {
		a.extra[strings.ToLower(name)] = op
	}
	return a
}

// Assemble parses src and returns the image bytes.
func (a *Assembler) Assemble(filename, src string) ([]byte, error) {
	if !strings.HasSuffix(src, "\n") {
		src += "\n"
	}
	ast, err := parser.ParseString(filename, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	b := image.NewBuilder()
	labels := make(map[string]bool)
	for _, l := range ast.Lines {
		if l.Label != "" {
			labels[l.Label] = true
		}
	}

	// Declarations first so instructions may reference later procedures.
	for _, l := range ast.Lines {
		if l.Stmt == nil || l.Stmt.Directive == nil {
			continue
		}
		if err := a.directive(b, labels, l.Stmt.Directive); err != nil {
			return nil, err
		}
	}

	for _, l := range ast.Lines {
		if l.Label != "" {
			if err := b.Label(l.Label); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Pos, err)
			}
		}
		if l.Stmt == nil || l.Stmt.Instr == nil {
			continue
		}
		if err := a.instr(b, l.Stmt.Instr); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func (a *Assembler) directive(b *image.Builder, labels map[string]bool, d *directive) error {
	switch d.Kind {
	case "entry":
		if len(d.Attrs) != 0 {
			return fmt.Errorf("%w: %s: .entry takes one label", ErrDirective, d.Pos)
		}
		b.Entry(d.Name)
		return nil
	case "proc":
	default:
		return fmt.Errorf("%w: %s: .%s", ErrDirective, d.Pos, d.Kind)
	}

	var flags, args, at int32
	body, cond := "", ""
	for _, kv := range d.Attrs {
		switch strings.ToLower(kv.Key) {
		case "timed":
			flags |= image.ProcTimed
		case "conditional":
			flags |= image.ProcConditional
		case "import":
			flags |= image.ProcImported
		case "export":
			flags |= image.ProcExported
		case "critical":
			flags |= image.ProcCritical
		case "args", "time":
			n, err := strconv.ParseInt(kv.Value, 0, 32)
			if err != nil {
				return fmt.Errorf("%w: %s: %s=%q", ErrDirective, d.Pos, kv.Key, kv.Value)
			}
			if kv.Key == "args" {
				args = int32(n)
			} else {
				at = int32(n)
			}
		case "body":
			body = kv.Value
		case "cond":
			cond = kv.Value
		default:
			return fmt.Errorf("%w: %s: unknown attribute %s", ErrDirective, d.Pos, kv.Key)
		}
	}
	if body == "" && flags&image.ProcImported == 0 && labels[d.Name] {
		body = d.Name
	}

	i := b.Proc(d.Name, flags, args)
	if body != "" {
		b.SetBody(i, body)
	}
	if cond != "" {
		b.SetCondition(i, cond)
	}
	if at != 0 {
		b.SetTime(i, at)
	}
	return nil
}

func (a *Assembler) lookup(name string) (image.Opcode, bool) {
	name = strings.ToLower(name)
	if op, ok := image.LookupOpcode(name); ok {
		return op, true
	}
	op, ok := a.extra[name]
	return op, ok
}

func (a *Assembler) instr(b *image.Builder, in *instr) error {
	if strings.EqualFold(in.Op, "push") {
		if in.Arg == nil {
			return fmt.Errorf("%w: %s: push needs an operand", ErrOperand, in.Pos)
		}
		return push(b, in)
	}
	op, ok := a.lookup(in.Op)
	if !ok {
		return fmt.Errorf("%w: %s: %s", ErrUnknownOpcode, in.Pos, in.Op)
	}
	if in.Arg != nil {
		return fmt.Errorf("%w: %s: %s takes no operand", ErrOperand, in.Pos, in.Op)
	}
	b.Op(op)
	return nil
}

func push(b *image.Builder, in *instr) error {
	arg := in.Arg
	switch {
	case arg.Float != nil:
		f, err := strconv.ParseFloat(*arg.Float, 32)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrOperand, in.Pos, err)
		}
		b.PushFloat(float32(f))
	case arg.Int != nil:
		n, err := strconv.ParseInt(*arg.Int, 0, 64)
		if err != nil || n > 0xFFFFFFFF || n < -0x80000000 {
			return fmt.Errorf("%w: %s: integer %s out of range", ErrOperand, in.Pos, *arg.Int)
		}
		b.PushInt(int32(n))
	case arg.String != nil:
		b.PushString(*arg.String)
	case arg.Label != nil:
		b.PushLabel(*arg.Label)
	case arg.Ident != nil:
		b.PushIdent(*arg.Ident)
	case arg.Proc != nil:
		i, ok := b.ProcIndex(*arg.Proc)
		if !ok {
			return fmt.Errorf("%w: %s: undeclared procedure %s", ErrOperand, in.Pos, *arg.Proc)
		}
		b.PushInt(int32(i))
	}
	return nil
}
