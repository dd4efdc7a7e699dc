package vm

import (
	"fmt"
	"strings"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

const unknownProc = "<couldn't find proc>"

// Program is one loaded script instance.
type Program struct {
	Handle Handle
	Name   string

	img    *image.Image
	procs  ProcTable
	stack  Stack
	rstack Stack
	heap   StringHeap

	ip int32
	fp int32 // frame base, -1 until push_base
	bp int32 // global base, -1 until set_global

	// Low 16 bits are the saved program flags, high 16 the current opcode.
	flags    uint32
	windowID int32

	waitStart uint32
	waitEnd   uint32
	waitArmed bool

	parent      Handle
	child       Handle
	caller      Handle // program blocked on an external call into this one
	callPending bool   // caller entered through the call instruction
	purged      bool
	fault       *Fault
}

func newProgram(h Handle, name string, img *image.Image) *Program {
	return &Program{
		Handle: h,
		Name:   name,
		img:    img,
		procs:  newProcTable(img),
		fp:     -1,
		bp:     -1,
	}
}

// Image returns the program's bytecode image.
func (p *Program) Image() *image.Image { return p.img }

// Procs returns the program's mutable procedure table.
func (p *Program) Procs() ProcTable { return p.procs }

// IP returns the instruction pointer.
func (p *Program) IP() int32 { return p.ip }

// Flags returns the low 16 program flag bits.
func (p *Program) Flags() uint32 { return p.flags & 0xFFFF }

// Opcode returns the opcode currently or most recently executed.
func (p *Program) Opcode() image.Opcode { return image.Opcode(p.flags >> 16) }

func (p *Program) Parent() Handle   { return p.parent }
func (p *Program) Child() Handle    { return p.child }
func (p *Program) WindowID() int32  { return p.windowID }
func (p *Program) StackDepth() int  { return p.stack.Len() }
func (p *Program) ReturnDepth() int { return p.rstack.Len() }
func (p *Program) HeapUsed() int    { return p.heap.Used() }

// SetWindowID changes the host window the program reports to.
func (p *Program) SetWindowID(id int32) { p.windowID = id }

// Exited reports whether the program finished or faulted.
func (p *Program) Exited() bool { return p.flags&image.FlagExited != 0 }

// Faulted reports whether the program ended with a fatal error.
func (p *Program) Faulted() bool { return p.flags&image.FlagFault != 0 }

// Fault returns the error that ended the program, if any. The error is a
// *Fault.
func (p *Program) Fault() error {
	if p.fault == nil {
		return nil
	}
	return p.fault
}

// Critical reports whether the program is inside a critical section.
func (p *Program) Critical() bool { return p.flags&image.FlagCritical != 0 }

func (p *Program) dead() bool {
	return p.purged || p.flags&image.FlagExited != 0
}

func (p *Program) setFlags(low uint32) {
	p.flags = p.flags&0xFFFF0000 | low&0xFFFF
}

// Push pushes v on the operand stack.
func (p *Program) Push(v Value) error { return p.stack.Push(v) }

// Pop pops the operand stack.
func (p *Program) Pop() (Value, error) { return p.stack.Pop() }

// Values returns the operand stack bottom to top.
func (p *Program) Values() []Value { return p.stack.Values() }

// PushString interns s in the heap and pushes it as a dynamic string.
func (p *Program) PushString(s string) error {
	off, err := p.heap.Intern(s)
	if err != nil {
		return err
	}
	return p.stack.Push(DynamicString(off))
}

// StringOf resolves a string value against this program's storage.
func (p *Program) StringOf(v Value) (string, error) {
	switch {
	case v.Tag&image.RawDynamic != 0:
		return p.heap.Get(v.Data)
	case v.Tag&image.RawStatic != 0:
		return p.img.StaticString(v.Data)
	}
	return "", fmt.Errorf("%w: %v is not a string", ErrTypeMismatch, v)
}

// Text renders any value the way string conversion in scripts does.
func (p *Program) Text(v Value) (string, error) {
	switch v.Tag {
	case image.TagInt:
		return formatInt(v.Data), nil
	case image.TagFloat:
		return formatFloat(v.Float32()), nil
	}
	return p.StringOf(v)
}

func (p *Program) identifier(off int32) (string, error) {
	name, err := p.img.Identifier(off)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedInstruction, err)
	}
	return name, nil
}

// ProcName returns the name of procedure i.
func (p *Program) ProcName(i int) string {
	name, err := p.img.Identifier(p.procs.NameOffset(i))
	if err != nil {
		return fmt.Sprintf("#%d", i)
	}
	return name
}

// FindProcedure returns the index of the procedure named name, ignoring
// case, or -1.
func (p *Program) FindProcedure(name string) int {
	return p.findProc(name, 0)
}

func (p *Program) findProc(name string, from int) int {
	for i := from; i < p.procs.Count(); i++ {
		if strings.EqualFold(p.ProcName(i), name) {
			return i
		}
	}
	return -1
}

// CurrentProc names the procedure whose body holds the instruction
// pointer: the one with the greatest body offset not past it.
func (p *Program) CurrentProc() string {
	best, bestBody := -1, int32(-1)
	for i := 0; i < p.procs.Count(); i++ {
		body := p.procs.Body(i)
		if body <= p.ip && body > bestBody {
			best, bestBody = i, body
		}
	}
	if best < 0 {
		return unknownProc
	}
	return p.ProcName(best)
}

// ProcInfo is a decoded procedure table row.
type ProcInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Flags     int32  `json:"flags"`
	Time      uint32 `json:"time"`
	Condition int32  `json:"condition"`
	Body      int32  `json:"body"`
	Args      int32  `json:"args"`
}

// Procedures decodes the live procedure table.
func (p *Program) Procedures() []ProcInfo {
	out := make([]ProcInfo, p.procs.Count())
	for i := range out {
		out[i] = ProcInfo{
			Index:     i,
			Name:      p.ProcName(i),
			Flags:     p.procs.Flags(i),
			Time:      uint32(p.procs.Time(i)),
			Condition: p.procs.Condition(i),
			Body:      p.procs.Body(i),
			Args:      p.procs.Args(i),
		}
	}
	return out
}

// fetchWord reads the next instruction word and advances ip.
func (p *Program) fetchWord() (uint16, error) {
	w, ok := p.img.Word(int(p.ip))
	if !ok {
		return 0, fmt.Errorf("%w: ip %#x outside image", ErrMalformedInstruction, p.ip)
	}
	p.ip += 2
	return w, nil
}

// fetchLong reads a 32-bit immediate and advances ip.
func (p *Program) fetchLong() (int32, error) {
	v, ok := p.img.Long(int(p.ip))
	if !ok {
		return 0, fmt.Errorf("%w: immediate at %#x outside image", ErrMalformedInstruction, p.ip)
	}
	p.ip += 4
	return v, nil
}
