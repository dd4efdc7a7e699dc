package intlib

import (
	"testing"

	"github.com/fortiblox/X1-Cadence/pkg/image"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

func runScript(t *testing.T, emit func(b *image.Builder)) (*vm.Context, *vm.Program, []string) {
	t.Helper()

	b := image.NewBuilder()
	b.Entry("start")
	if err := b.Label("start"); err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	emit(b)
	b.Op(image.OpStopProgram)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var lines []string
	cfg := vm.DefaultConfig()
	cfg.Loader = vm.LoaderFunc(func(string) ([]byte, error) { return data, nil })
	cfg.Timer = vm.TimerFunc(func() uint32 { return 1234 })
	cfg.Output = vm.OutputFunc(func(source, text string) { lines = append(lines, source+"|"+text) })
	c := vm.New(cfg)
	if err := Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	p, err := c.RunScript("lib")
	if err != nil {
		t.Fatalf("RunScript failed: %v", err)
	}
	if p.Faulted() {
		t.Fatalf("script faulted: %v", p.Fault())
	}
	return c, p, lines
}

// TestPrint tests that print formats values and emits through the sink.
func TestPrint(t *testing.T) {
	_, _, lines := runScript(t, func(b *image.Builder) {
		b.PushString("n=")
		b.PushInt(3)
		b.Op(image.OpAdd)
		b.Op(OpPrint)
		b.PushFloat(0.5)
		b.Op(OpPrint)
	})

	want := []string{"lib|n=3", "lib|0.50000"}
	if len(lines) != len(want) {
		t.Fatalf("emitted %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

// TestStringOps tests strlen, substr and to_string.
func TestStringOps(t *testing.T) {
	tests := []struct {
		name string
		emit func(b *image.Builder)
		want string
	}{
		{"substr", func(b *image.Builder) {
			b.PushString("scheduler")
			b.PushInt(2)
			b.PushInt(4)
			b.Op(OpSubstr)
		}, "hedu"},
		{"substr clamps", func(b *image.Builder) {
			b.PushString("abc")
			b.PushInt(1)
			b.PushInt(99)
			b.Op(OpSubstr)
		}, "bc"},
		{"to_string", func(b *image.Builder) {
			b.PushInt(-12)
			b.Op(OpToString)
		}, "-12"},
		{"program_name", func(b *image.Builder) {
			b.Op(OpProgram)
		}, "lib"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p, _ := runScript(t, tt.emit)
			vals := p.Values()
			got, err := p.StringOf(vals[len(vals)-1])
			if err != nil || got != tt.want {
				t.Errorf("result = %q, %v; want %q", got, err, tt.want)
			}
		})
	}

	_, p, _ := runScript(t, func(b *image.Builder) {
		b.PushString("four")
		b.Op(OpStrlen)
	})
	vals := p.Values()
	if v := vals[len(vals)-1]; v != vm.Int(4) {
		t.Errorf("strlen(four) = %v, want int(4)", v)
	}
}

// TestSchedulerControl tests time, set_burst and event suspension.
func TestSchedulerControl(t *testing.T) {
	c, p, _ := runScript(t, func(b *image.Builder) {
		b.Op(OpTime)
		b.PushInt(0)
		b.Op(OpSetBurst)
		b.Op(OpSuspend)
		b.PushString("lib")
		b.Op(OpIsRunning)
	})

	vals := p.Values()
	if vals[0] != vm.Int(1234) {
		t.Errorf("time = %v, want int(1234)", vals[0])
	}
	if vals[1] != vm.Int(1) {
		t.Errorf("is_running(lib) = %v, want int(1)", vals[1])
	}
	if c.BurstSize() != 1 {
		t.Errorf("BurstSize() = %d, want 1", c.BurstSize())
	}
	if !c.Suspended() {
		t.Errorf("events not suspended")
	}
}

// TestMnemonics tests the assembler name table.
func TestMnemonics(t *testing.T) {
	m := Mnemonics()
	if m["print"] != OpPrint || m["set_burst"] != OpSetBurst {
		t.Errorf("Mnemonics() = %v", m)
	}
	if name, ok := Name(OpTime); !ok || name != "time" {
		t.Errorf("Name(OpTime) = %q, %v", name, ok)
	}
}
