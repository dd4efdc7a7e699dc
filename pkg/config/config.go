// Package config handles cadence.toml host configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Cadence/pkg/archive"
	"github.com/fortiblox/X1-Cadence/pkg/outputfeed"
	"github.com/fortiblox/X1-Cadence/pkg/rpc"
	"github.com/fortiblox/X1-Cadence/pkg/snapshot"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// FileName is the conventional config file name.
const FileName = "cadence.toml"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Config is the whole host configuration.
type Config struct {
	VM       VMConfig       `toml:"vm"`
	Host     HostConfig     `toml:"host"`
	Archive  ArchiveConfig  `toml:"archive"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	RPC      RPCConfig      `toml:"rpc"`
	Feed     FeedConfig     `toml:"feed"`
	Log      LogConfig      `toml:"log"`

	// Dir is the directory relative paths are resolved against.
	Dir string `toml:"-"`
}

// VMConfig configures the interpreter.
type VMConfig struct {
	BurstSize          int  `toml:"burst_size"`
	TicksPerSecond     int  `toml:"ticks_per_second"`
	HeapSweepThreshold int  `toml:"heap_sweep_threshold"`
	Trace              bool `toml:"trace"`
}

// HostConfig configures the scheduler loop.
type HostConfig struct {
	TickInterval Duration `toml:"tick_interval"`

	// Boot scripts are started in order when the host comes up.
	Boot []string `toml:"boot"`

	// ScriptDir is searched for NAME.int when a script is not archived.
	ScriptDir string `toml:"script_dir"`

	// Resume loads this snapshot label before the boot scripts run.
	Resume string `toml:"resume"`

	// SaveOnExit stores a snapshot under this label at shutdown.
	SaveOnExit string `toml:"save_on_exit"`
}

// ArchiveConfig configures the script archive.
type ArchiveConfig struct {
	Path     string `toml:"path"`
	Compress bool   `toml:"compress"`
	NoSync   bool   `toml:"no_sync"`
}

// SnapshotConfig configures the snapshot store.
type SnapshotConfig struct {
	Path       string `toml:"path"`
	InMemory   bool   `toml:"in_memory"`
	SyncWrites bool   `toml:"sync_writes"`
}

// RPCConfig configures the JSON-RPC server.
type RPCConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	LogRequests    bool     `toml:"log_requests"`
	AllowedOrigins []string `toml:"allowed_origins"`

	// TokenHash is the bcrypt hash printed by "cadence token".
	TokenHash string `toml:"token_hash"`
}

// FeedConfig configures the gRPC output feed.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Buffer  int    `toml:"buffer"`

	// Echo also writes every emitted line to the log.
	Echo bool `toml:"echo"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

// Duration is a time.Duration written as "50ms" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	feed := outputfeed.DefaultConfig()
	return Config{
		VM: VMConfig{
			BurstSize:          vm.DefaultBurstSize,
			TicksPerSecond:     vm.DefaultTicksPerSecond,
			HeapSweepThreshold: 16 * 1024,
		},
		Host: HostConfig{
			TickInterval: Duration{20 * time.Millisecond},
			ScriptDir:    "scripts",
		},
		Archive: ArchiveConfig{
			Path:     "data/scripts.db",
			Compress: true,
		},
		Snapshot: SnapshotConfig{
			Path:       "data/snapshots",
			SyncWrites: true,
		},
		RPC: RPCConfig{
			Addr: rpc.DefaultConfig().Addr,
		},
		Feed: FeedConfig{
			Addr:   "127.0.0.1:8743",
			Buffer: feed.Buffer,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Dir: ".",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	cfg.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// FindAndLoad walks up from startDir to find cadence.toml. It returns the
// defaults when none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			cfg := Default()
			cfg.Dir, _ = filepath.Abs(startDir)
			return &cfg, nil
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.VM.BurstSize < 1:
		return fmt.Errorf("%w: vm.burst_size must be at least 1", ErrInvalid)
	case c.VM.TicksPerSecond < 1:
		return fmt.Errorf("%w: vm.ticks_per_second must be at least 1", ErrInvalid)
	case c.Host.TickInterval.Duration <= 0:
		return fmt.Errorf("%w: host.tick_interval must be positive", ErrInvalid)
	case c.Feed.Buffer < 0:
		return fmt.Errorf("%w: feed.buffer must not be negative", ErrInvalid)
	case c.RPC.Enabled && c.RPC.Addr == "":
		return fmt.Errorf("%w: rpc.addr is required", ErrInvalid)
	case c.Feed.Enabled && c.Feed.Addr == "":
		return fmt.Errorf("%w: feed.addr is required", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log.format must be console or json", ErrInvalid)
	}
	return nil
}

// Path resolves p against the config directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.VM.Trace {
		level = zerolog.TraceLevel
	}
	if c.Log.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// VMConfig returns the interpreter configuration. Loader, Timer and
// Output are left for the host to fill.
func (c *Config) VMConfig(log zerolog.Logger) vm.Config {
	cfg := vm.DefaultConfig()
	cfg.BurstSize = c.VM.BurstSize
	cfg.TicksPerSecond = uint32(c.VM.TicksPerSecond)
	cfg.HeapSweepThreshold = c.VM.HeapSweepThreshold
	cfg.Logger = log.With().Str("component", "vm").Logger()
	return cfg
}

// ArchiveConfig returns the archive configuration.
func (c *Config) ArchiveConfig(log zerolog.Logger) archive.Config {
	cfg := archive.DefaultConfig(c.Path(c.Archive.Path))
	cfg.Compress = c.Archive.Compress
	cfg.NoSync = c.Archive.NoSync
	cfg.Logger = log.With().Str("component", "archive").Logger()
	return cfg
}

// SnapshotConfig returns the snapshot store configuration.
func (c *Config) SnapshotConfig(log zerolog.Logger) snapshot.Config {
	cfg := snapshot.DefaultConfig(c.Path(c.Snapshot.Path))
	cfg.InMemory = c.Snapshot.InMemory
	cfg.SyncWrites = c.Snapshot.SyncWrites
	cfg.Logger = log.With().Str("component", "snapshot").Logger()
	return cfg
}

// RPCConfig returns the JSON-RPC server configuration.
func (c *Config) RPCConfig(log zerolog.Logger) rpc.Config {
	cfg := rpc.DefaultConfig()
	cfg.Addr = c.RPC.Addr
	cfg.LogRequests = c.RPC.LogRequests
	cfg.AllowedOrigins = c.RPC.AllowedOrigins
	cfg.TokenHash = c.RPC.TokenHash
	cfg.Logger = log.With().Str("component", "rpc").Logger()
	return cfg
}

// FeedConfig returns the output feed configuration.
func (c *Config) FeedConfig(log zerolog.Logger) outputfeed.Config {
	cfg := outputfeed.DefaultConfig()
	cfg.Buffer = c.Feed.Buffer
	cfg.Logger = log.With().Str("component", "feed").Logger()
	return cfg
}
