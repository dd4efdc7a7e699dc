// Package intlib registers the host library opcodes every Cadence script
// may use: output, debug logging, clock access and scheduler control.
package intlib

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fortiblox/X1-Cadence/pkg/image"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// Library opcodes.
const (
	OpPrint     image.Opcode = 0x80B0
	OpDebug     image.Opcode = 0x80B1
	OpTime      image.Opcode = 0x80B2
	OpSetBurst  image.Opcode = 0x80B3
	OpStrlen    image.Opcode = 0x80B4
	OpSubstr    image.Opcode = 0x80B5
	OpWindow    image.Opcode = 0x80B6
	OpSuspend   image.Opcode = 0x80B7
	OpResume    image.Opcode = 0x80B8
	OpProgram   image.Opcode = 0x80B9
	OpToString  image.Opcode = 0x80BA
	OpIsRunning image.Opcode = 0x80BB
)

type entry struct {
	name string
	fn   vm.Handler
}

var library = map[image.Opcode]entry{
	OpPrint:     {"print", opPrint},
	OpDebug:     {"debug", opDebug},
	OpTime:      {"time", opTime},
	OpSetBurst:  {"set_burst", opSetBurst},
	OpStrlen:    {"strlen", opStrlen},
	OpSubstr:    {"substr", opSubstr},
	OpWindow:    {"window", opWindow},
	OpSuspend:   {"suspend_events", opSuspend},
	OpResume:    {"resume_events", opResume},
	OpProgram:   {"program_name", opProgram},
	OpToString:  {"to_string", opToString},
	OpIsRunning: {"is_running", opIsRunning},
}

// Register binds every library opcode in c.
func Register(c *vm.Context) error {
	for op, e := range library {
		if err := c.RegisterOpcode(op, e.fn); err != nil {
			return fmt.Errorf("register %s: %w", e.name, err)
		}
	}
	return nil
}

// Mnemonics maps library mnemonics to opcodes for the assembler.
func Mnemonics() map[string]image.Opcode {
	out := make(map[string]image.Opcode, len(library))
	for op, e := range library {
		out[e.name] = op
	}
	return out
}

// Name returns the mnemonic of a library opcode.
func Name(op image.Opcode) (string, bool) {
	e, ok := library[op]
	return e.name, ok
}

func opPrint(c *vm.Context, p *vm.Program) error {
	v, err := p.Pop()
	if err != nil {
		return err
	}
	text, err := p.Text(v)
	if err != nil {
		return err
	}
	c.Emit(p, text)
	return nil
}

func opDebug(c *vm.Context, p *vm.Program) error {
	v, err := p.Pop()
	if err != nil {
		return err
	}
	text, err := p.Text(v)
	if err != nil {
		return err
	}
	log := c.Logger()
	log.Debug().Str("program", p.Name).Str("procedure", p.CurrentProc()).Msg(text)
	return nil
}

// opTime pushes the scheduler clock in milliseconds.
func opTime(c *vm.Context, p *vm.Program) error {
	return p.Push(vm.Int(int32(c.Now())))
}

func popInt(p *vm.Program, what string) (int32, error) {
	v, err := p.Pop()
	if err != nil {
		return 0, err
	}
	if !v.IsInt() {
		return 0, fmt.Errorf("%w: %s wants int, got %v", vm.ErrTypeMismatch, what, v)
	}
	return v.Data, nil
}

func popString(p *vm.Program, what string) (string, error) {
	v, err := p.Pop()
	if err != nil {
		return "", err
	}
	if !v.IsString() {
		return "", fmt.Errorf("%w: %s wants string, got %v", vm.ErrTypeMismatch, what, v)
	}
	return p.StringOf(v)
}

func opSetBurst(c *vm.Context, p *vm.Program) error {
	n, err := popInt(p, "set_burst")
	if err != nil {
		return err
	}
	c.SetBurstSize(int(n))
	return nil
}

func opStrlen(c *vm.Context, p *vm.Program) error {
	s, err := popString(p, "strlen")
	if err != nil {
		return err
	}
	return p.Push(vm.Int(int32(utf8.RuneCountInString(s))))
}

// opSubstr pops a length, a start and a string. Out of range bounds are
// clamped.
func opSubstr(c *vm.Context, p *vm.Program) error {
	n, err := popInt(p, "substr")
	if err != nil {
		return err
	}
	start, err := popInt(p, "substr")
	if err != nil {
		return err
	}
	s, err := popString(p, "substr")
	if err != nil {
		return err
	}
	r := []rune(s)
	lo := clamp(int(start), 0, len(r))
	hi := len(r)
	if n >= 0 {
		hi = clamp(lo+int(n), lo, len(r))
	}
	return p.PushString(string(r[lo:hi]))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func opWindow(c *vm.Context, p *vm.Program) error {
	return p.Push(vm.Int(p.WindowID()))
}

func opSuspend(c *vm.Context, p *vm.Program) error {
	c.SuspendEvents()
	return nil
}

func opResume(c *vm.Context, p *vm.Program) error {
	c.ResumeEvents()
	return nil
}

func opProgram(c *vm.Context, p *vm.Program) error {
	return p.PushString(p.Name)
}

func opToString(c *vm.Context, p *vm.Program) error {
	v, err := p.Pop()
	if err != nil {
		return err
	}
	text, err := p.Text(v)
	if err != nil {
		return err
	}
	return p.PushString(text)
}

// opIsRunning pushes 1 when a program with the given name is registered.
func opIsRunning(c *vm.Context, p *vm.Program) error {
	name, err := popString(p, "is_running")
	if err != nil {
		return err
	}
	for _, n := range c.ProgramNames() {
		if strings.EqualFold(n, name) {
			return p.Push(vm.Int(1))
		}
	}
	return p.Push(vm.Int(0))
}
