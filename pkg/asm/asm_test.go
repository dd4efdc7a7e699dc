package asm

import (
	"errors"
	"strings"
	"testing"

	"github.com/fortiblox/X1-Cadence/pkg/image"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

const counterSrc = `
; counts ticks in global 0
.proc tick timed
.entry start

start:
    set_global
    push 0
    push 2
    push &tick
    call_at
    stop_prog

tick:
    push_base
    push 0
    fetch_global
    push 1
    add
    push 0
    store_global
    push 0
    d_to_a
    pop_to_base
    swapa
    pop_base
    a_to_d
    pop_return
`

// TestAssemble tests that assembled source declares procedures and runs.
func TestAssemble(t *testing.T) {
	data, err := New(nil).Assemble("counter.casm", counterSrc)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	img, err := image.Parse("counter", data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if img.ProcCount() != 2 {
		t.Fatalf("ProcCount() = %d, want 2", img.ProcCount())
	}
	tick := img.Procedure(1)
	if tick.Name != "tick" || tick.Flags != image.ProcTimed {
		t.Errorf("procedure 1 = %+v, want timed tick", tick)
	}

	var now uint32
	cfg := vm.DefaultConfig()
	cfg.BurstSize = 100
	cfg.Loader = vm.LoaderFunc(func(string) ([]byte, error) { return data, nil })
	cfg.Timer = vm.TimerFunc(func() uint32 { return now })
	c := vm.New(cfg)
	p, err := c.RunScript("counter")
	if err != nil {
		t.Fatalf("RunScript failed: %v", err)
	}
	now = 2000
	c.Update()
	c.Update()
	if p.Faulted() {
		t.Fatalf("program faulted: %v", p.Fault())
	}
	if v := p.Values()[0]; v != vm.Int(1) {
		t.Errorf("counter = %v, want int(1)", v)
	}
}

// TestOperands tests every push operand form.
func TestOperands(t *testing.T) {
	src := `
.proc helper args=2
start:
    push -7
    push 0x10
    push 2.5
    push "hi"
    push @start
    push #helper
    push &helper
helper:
    noop
`
	data, err := New(nil).Assemble("ops.casm", src)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	img, err := image.Parse("ops", data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := img.Procedure(1).Args; got != 2 {
		t.Errorf("helper args = %d, want 2", got)
	}

	want := []int32{-7, 16}
	for i, w := range want {
		v, _ := img.Long(img.CodeStart() + 6*i + 2)
		if v != w {
			t.Errorf("immediate %d = %d, want %d", i, v, w)
		}
	}
	if addr, _ := img.Long(img.CodeStart() + 6*4 + 2); int(addr) != img.CodeStart() {
		t.Errorf("@start = %d, want %d", addr, img.CodeStart())
	}
	if idx, _ := img.Long(img.CodeStart() + 6*6 + 2); idx != 1 {
		t.Errorf("&helper = %d, want 1", idx)
	}

	listing := Disassemble(img, nil)
	for _, frag := range []string{`push "hi"`, "push 2.5", "helper:", "noop"} {
		if !strings.Contains(listing, frag) {
			t.Errorf("listing missing %q:\n%s", frag, listing)
		}
	}
}

// TestExtraMnemonics tests host opcodes supplied to New.
func TestExtraMnemonics(t *testing.T) {
	a := New(map[string]image.Opcode{"print": 0x80B0})
	data, err := a.Assemble("p.casm", "push 1\nprint")
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	img, _ := image.Parse("p", data)
	if w, _ := img.Word(img.CodeStart() + 6); w != 0x80B0 {
		t.Errorf("print word = %#x, want 0x80b0", w)
	}
}

// TestAssembleErrors tests rejected sources.
func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"unknown opcode", "frobnicate\n", ErrUnknownOpcode},
		{"push without operand", "push\n", ErrOperand},
		{"operand on plain op", "pop 3\n", ErrOperand},
		{"undeclared proc", "push &nope\n", ErrOperand},
		{"bad directive", ".data x\n", ErrDirective},
		{"bad attribute", ".proc p bogus\n", ErrDirective},
		{"syntax", "push @\n", ErrSyntax},
		{"undefined label", "push @missing\n", image.ErrUndefinedLabel},
		{"duplicate label", "a:\na:\n", image.ErrDuplicateLabel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil).Assemble("bad.casm", tt.src)
			if !errors.Is(err, tt.want) {
				t.Errorf("Assemble error = %v, want %v", err, tt.want)
			}
		})
	}
}
