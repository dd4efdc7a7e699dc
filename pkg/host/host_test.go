package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortiblox/X1-Cadence/pkg/archive"
	"github.com/fortiblox/X1-Cadence/pkg/asm"
	"github.com/fortiblox/X1-Cadence/pkg/intlib"
	"github.com/fortiblox/X1-Cadence/pkg/snapshot"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

const greeterSrc = `
.entry start

start:
    push "hello from greeter"
    print
    set_global
    push 0
    stop_prog
`

func assemble(t *testing.T, src string) []byte {
	t.Helper()
	data, err := asm.New(intlib.Mnemonics()).Assemble("test.casm", src)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return data
}

func testConfig(t *testing.T, dir string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	cfg.ScriptDir = filepath.Join(dir, "scripts")
	ac := archive.DefaultConfig(filepath.Join(dir, "scripts.db"))
	ac.NoSync = true
	cfg.Archive = &ac
	sc := snapshot.DefaultConfig(filepath.Join(dir, "snapshots"))
	sc.SyncWrites = false
	cfg.Snapshot = &sc
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{TickInterval: time.Millisecond}, false},
		{"negative tick", Config{TickInterval: -1}, true},
		{"resume without store", Config{TickInterval: time.Millisecond, Resume: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestDirLoader tests loading images from the script directory.
func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "util.int"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	l := DirLoader(dir)
	if data, err := l.Load("LIB\\Util.INT"); err != nil || string(data) != "x" {
		t.Errorf("Load() = %q, %v", data, err)
	}
	if _, err := l.Load("missing"); !errors.Is(err, vm.ErrScriptNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrScriptNotFound", err)
	}
}

// TestHostLifecycle tests boot, requests through Do, feed output and
// save-on-exit followed by resume.
func TestHostLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.SaveOnExit = "last"

	if err := os.MkdirAll(cfg.ScriptDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.ScriptDir, "greeter.int"), assemble(t, greeterSrc), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg.Boot = []string{"greeter"}

	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	recent := h.Feed().Recent()
	if len(recent) != 1 || recent[0].Text != "hello from greeter" {
		t.Errorf("feed = %+v", recent)
	}

	var names []string
	err = h.Do(ctx, func(c *vm.Context) error {
		names = c.ProgramNames()
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if len(names) != 1 || names[0] != "greeter" {
		t.Errorf("ProgramNames() = %v, want [greeter]", names)
	}

	for h.Status().Ticks == 0 {
		if ctx.Err() != nil {
			t.Fatal("tick loop never ran")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.Do(ctx, func(*vm.Context) error { return nil }); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Do after Stop error = %v, want ErrNotRunning", err)
	}

	cfg.Boot = nil
	cfg.SaveOnExit = ""
	cfg.Resume = "last"
	h2, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := h2.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h2.Stop()
	if n := h2.Status().Programs; n != 1 {
		t.Errorf("resumed programs = %d, want 1", n)
	}
}

// TestArchiveFirst tests that archived scripts shadow the script directory.
func TestArchiveFirst(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()

	if _, err := h.Archive().Put("greeter", assemble(t, greeterSrc)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	err = h.Do(ctx, func(c *vm.Context) error {
		_, err := c.RunScript("greeter")
		return err
	})
	if err != nil {
		t.Fatalf("RunScript via Do failed: %v", err)
	}

	err = h.Do(ctx, func(c *vm.Context) error {
		_, err := c.RunScript("nothing")
		return err
	})
	if !errors.Is(err, vm.ErrScriptNotFound) {
		t.Errorf("RunScript(nothing) error = %v, want ErrScriptNotFound", err)
	}
}
