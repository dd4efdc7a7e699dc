package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

// TestLoadOverlay tests that file values override defaults and the rest survive.
func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[vm]
burst_size = 25

[host]
tick_interval = "5ms"
boot = ["main", "clock"]

[rpc]
enabled = true

[log]
format = "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.VM.BurstSize != 25 {
		t.Errorf("BurstSize = %d, want 25", cfg.VM.BurstSize)
	}
	if cfg.VM.TicksPerSecond != 1000 {
		t.Errorf("TicksPerSecond = %d, want default 1000", cfg.VM.TicksPerSecond)
	}
	if cfg.Host.TickInterval.Duration != 5*time.Millisecond {
		t.Errorf("TickInterval = %v, want 5ms", cfg.Host.TickInterval)
	}
	if len(cfg.Host.Boot) != 2 || cfg.Host.Boot[1] != "clock" {
		t.Errorf("Boot = %v", cfg.Host.Boot)
	}
	if !cfg.RPC.Enabled || cfg.RPC.Addr == "" {
		t.Errorf("RPC = %+v", cfg.RPC)
	}
	if got := cfg.Path(cfg.Archive.Path); got != filepath.Join(dir, "data", "scripts.db") {
		t.Errorf("archive path = %q", got)
	}
	if vc := cfg.VMConfig(cfg.Logger(&bytes.Buffer{})); vc.BurstSize != 25 {
		t.Errorf("VMConfig().BurstSize = %d, want 25", vc.BurstSize)
	}
}

// TestValidate tests rejected values.
func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"burst", "[vm]\nburst_size = 0\n"},
		{"ticks", "[vm]\nticks_per_second = 0\n"},
		{"interval", "[host]\ntick_interval = \"0s\"\n"},
		{"level", "[log]\nlevel = \"loud\"\n"},
		{"format", "[log]\nformat = \"xml\"\n"},
		{"feed", "[feed]\nbuffer = -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			if _, err := Load(path); !errors.Is(err, ErrInvalid) {
				t.Errorf("Load() error = %v, want ErrInvalid", err)
			}
		})
	}

	path := writeConfig(t, t.TempDir(), "[host]\ntick_interval = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a bad duration")
	}
}

// TestFindAndLoad tests the upward search and the default fallback.
func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[vm]\nburst_size = 3\n")
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	cfg, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if cfg.VM.BurstSize != 3 {
		t.Errorf("BurstSize = %d, want 3", cfg.VM.BurstSize)
	}
}

// TestLogger tests the console and JSON writers.
func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	log.Info().Str("k", "v").Msg("hello")
	if !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("json log = %q", buf.String())
	}

	cfg.Log.Level = "error"
	buf.Reset()
	log = cfg.Logger(&buf)
	log.Info().Msg("quiet")
	if buf.Len() != 0 {
		t.Errorf("info logged at error level: %q", buf.String())
	}
}

// TestVMConfig tests the [vm] section mapping onto vm.Config.
func TestVMConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[vm]
burst_size = 12
ticks_per_second = 60
heap_sweep_threshold = 4096
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	vc := cfg.VMConfig(cfg.Logger(&bytes.Buffer{}))
	if vc.TicksPerSecond != 60 {
		t.Errorf("VMConfig().TicksPerSecond = %d, want 60", vc.TicksPerSecond)
	}
	if vc.BurstSize != 12 {
		t.Errorf("VMConfig().BurstSize = %d, want 12", vc.BurstSize)
	}
	if vc.HeapSweepThreshold != 4096 {
		t.Errorf("VMConfig().HeapSweepThreshold = %d, want 4096", vc.HeapSweepThreshold)
	}
	if vc.Timer == nil {
		t.Errorf("VMConfig().Timer is nil, want the wall clock default")
	}
}
