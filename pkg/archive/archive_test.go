package archive

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fortiblox/X1-Cadence/pkg/image"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

func sampleImage(t *testing.T) []byte {
	t.Helper()
	b := image.NewBuilder()
	b.Entry("start")
	if err := b.Label("start"); err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	b.PushString("archived")
	b.Op(image.OpPop)
	b.Op(image.OpExitProgram)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return data
}

func openTest(t *testing.T, compress bool) *Archive {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "scripts.db"))
	cfg.Compress = compress
	cfg.NoSync = true
	a, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// TestPutGet tests storing and retrieving images with and without compression.
func TestPutGet(t *testing.T) {
	data := sampleImage(t)
	for _, compress := range []bool{false, true} {
		a := openTest(t, compress)

		entry, err := a.Put("Scripts\\Hello.INT", data)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if entry.Key != "scripts/hello" {
			t.Errorf("Key = %q, want scripts/hello", entry.Key)
		}
		if entry.Size != len(data) || entry.Compressed != compress {
			t.Errorf("entry = %+v", entry)
		}
		if entry.Procedures != 1 {
			t.Errorf("Procedures = %d, want 1", entry.Procedures)
		}

		got, err := a.Get("scripts/hello")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != string(data) {
			t.Error("Get returned different bytes")
		}

		st, err := a.Stat("SCRIPTS/HELLO")
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if st.Digest != entry.Digest {
			t.Error("Stat digest differs from Put digest")
		}
	}
}

// TestPutRejectsGarbage tests that invalid images are refused.
func TestPutRejectsGarbage(t *testing.T) {
	a := openTest(t, true)
	if _, err := a.Put("junk", []byte("not an image")); err == nil {
		t.Fatal("Put accepted garbage")
	}
	if _, err := a.Put("", sampleImage(t)); err == nil {
		t.Fatal("Put accepted an empty name")
	}
}

// TestListDelete tests listing order and deletion.
func TestListDelete(t *testing.T) {
	a := openTest(t, true)
	data := sampleImage(t)
	for _, name := range []string{"b", "a", "c"} {
		if _, err := a.Put(name, data); err != nil {
			t.Fatalf("Put(%s) failed: %v", name, err)
		}
	}

	list, err := a.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 || list[0].Key != "a" || list[2].Key != "c" {
		t.Fatalf("List = %+v", list)
	}

	if err := a.Delete("b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := a.Delete("b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
	if _, err := a.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
}

// TestLoader tests the archive as the VM's script source.
func TestLoader(t *testing.T) {
	a := openTest(t, true)
	if _, err := a.Put("hello", sampleImage(t)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	cfg := vm.DefaultConfig()
	cfg.Loader = a
	c := vm.New(cfg)

	p, err := c.RunScript("hello")
	if err != nil {
		t.Fatalf("RunScript failed: %v", err)
	}
	if !p.Exited() {
		t.Error("program did not exit")
	}

	if _, err := c.RunScript("missing"); !errors.Is(err, vm.ErrScriptNotFound) {
		t.Errorf("RunScript(missing) error = %v, want ErrScriptNotFound", err)
	}
}

// TestClosed tests operations after Close.
func TestClosed(t *testing.T) {
	a := openTest(t, false)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := a.Get("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get error = %v, want ErrClosed", err)
	}
}
