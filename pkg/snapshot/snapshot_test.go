package snapshot

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fortiblox/X1-Cadence/pkg/image"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// counterImage arms a timed trigger that increments global 0.
func counterImage(t *testing.T) []byte {
	t.Helper()
	b := image.NewBuilder()
	b.Entry("start")
	tick := b.Proc("tick", 0, 0)
	b.SetBody(tick, "tick")

	if err := b.Label("start"); err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	b.Op(image.OpSetGlobal)
	b.PushInt(0)
	b.PushInt(5)
	b.PushInt(int32(tick))
	b.Op(image.OpCallAt)
	b.Op(image.OpStopProgram)

	if err := b.Label("tick"); err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	b.Op(image.OpPushBase)
	b.PushInt(0)
	b.Op(image.OpFetchGlobal)
	b.PushInt(1)
	b.Op(image.OpAdd)
	b.PushInt(0)
	b.Op(image.OpStoreGlobal)
	b.PushInt(0)
	for _, op := range []image.Opcode{image.OpDToA, image.OpPopToBase, image.OpSwapA, image.OpPopBase, image.OpAToD, image.OpPopReturn} {
		b.Op(op)
	}

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return data
}

func newContext(data []byte, now *uint32) *vm.Context {
	cfg := vm.DefaultConfig()
	cfg.Loader = vm.LoaderFunc(func(name string) ([]byte, error) {
		if name != "counter" {
			return nil, fmt.Errorf("%w: %s", vm.ErrScriptNotFound, name)
		}
		return data, nil
	})
	cfg.Timer = vm.TimerFunc(func() uint32 { return *now })
	return vm.New(cfg)
}

func openTest(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.SyncWrites = false
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSaveLoad tests that a stored state resumes its pending trigger.
func TestSaveLoad(t *testing.T) {
	data := counterImage(t)
	var now uint32
	c := newContext(data, &now)
	p, err := c.RunScript("counter")
	if err != nil {
		t.Fatalf("RunScript failed: %v", err)
	}

	s := openTest(t)
	info, err := s.Save("before-tick", c.SaveState())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(info.Programs) != 1 || info.Programs[0] != "counter" {
		t.Errorf("Programs = %v, want [counter]", info.Programs)
	}

	st, err := s.Load("before-tick")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	c2 := newContext(data, &now)
	if err := c2.LoadState(st); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	q, ok := c2.Program(p.Handle)
	if !ok {
		t.Fatalf("program %d not restored", p.Handle)
	}

	now = 6000
	c2.Update()
	c2.Update()
	vals := q.Values()
	if len(vals) == 0 || vals[0].Data != 1 {
		t.Errorf("global 0 after trigger = %v, want 1", vals)
	}
}

// TestEncodeDeterministic tests that equal states produce equal digests.
func TestEncodeDeterministic(t *testing.T) {
	data := counterImage(t)
	var now uint32
	c := newContext(data, &now)
	if _, err := c.RunScript("counter"); err != nil {
		t.Fatalf("RunScript failed: %v", err)
	}

	s := openTest(t)
	a, err := s.Save("a", c.SaveState())
	if err != nil {
		t.Fatalf("Save(a) failed: %v", err)
	}
	b, err := s.Save("b", c.SaveState())
	if err != nil {
		t.Fatalf("Save(b) failed: %v", err)
	}
	if a.Digest != b.Digest {
		t.Errorf("digests differ: %s vs %s", a.Digest, b.Digest)
	}
}

// TestListDelete tests listing and removing snapshots.
func TestListDelete(t *testing.T) {
	s := openTest(t)
	st := &vm.State{BurstSize: 10}
	for _, label := range []string{"one", "two"} {
		if _, err := s.Save(label, st); err != nil {
			t.Fatalf("Save(%s) failed: %v", label, err)
		}
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(list))
	}

	if err := s.Delete("one"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load("one"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete("one"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.Info("two"); err != nil {
		t.Errorf("Info(two) failed: %v", err)
	}
	if _, err := s.Save("", st); err == nil {
		t.Error("Save accepted an empty label")
	}
}

// TestClosed tests operations after Close.
func TestClosed(t *testing.T) {
	s := openTest(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.List(); !errors.Is(err, ErrClosed) {
		t.Errorf("List error = %v, want ErrClosed", err)
	}
}
