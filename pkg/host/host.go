// Package host runs a Cadence VM as a long-lived service.
//
// The Host ties together:
// - the vm.Context and its tick loop, which is the only goroutine that
//   touches VM state
// - the script archive used as the VM's loader
// - the snapshot store used for resume and save-on-exit
// - the JSON-RPC control server and the gRPC output feed
//
// Every outside request reaches the VM through Do, which queues a closure
// that the tick loop runs between scheduler ticks.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Cadence/internal/types"
	"github.com/fortiblox/X1-Cadence/pkg/archive"
	"github.com/fortiblox/X1-Cadence/pkg/config"
	"github.com/fortiblox/X1-Cadence/pkg/intlib"
	"github.com/fortiblox/X1-Cadence/pkg/outputfeed"
	"github.com/fortiblox/X1-Cadence/pkg/rpc"
	"github.com/fortiblox/X1-Cadence/pkg/snapshot"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// Host errors.
var (
	ErrAlreadyRunning = errors.New("host is already running")
	ErrNotRunning     = errors.New("host is not running")
	ErrConfigInvalid  = errors.New("invalid host configuration")
	ErrInitFailed     = errors.New("host initialization failed")
)

// Config holds host configuration.
type Config struct {
	// VM is the interpreter configuration. Loader and Output are
	// replaced by the host.
	VM vm.Config

	// TickInterval is the period of the scheduler loop.
	TickInterval time.Duration

	// Boot scripts are started in order at startup.
	Boot []string

	// ScriptDir is searched for NAME.int when the archive lacks a script.
	ScriptDir string

	// Resume loads this snapshot label before the boot scripts run.
	Resume string

	// SaveOnExit stores a snapshot under this label when the host stops.
	SaveOnExit string

	// Archive enables the script archive.
	Archive *archive.Config

	// Snapshot enables the snapshot store.
	Snapshot *snapshot.Config

	// RPC enables the JSON-RPC server.
	RPC *rpc.Config

	// Feed configures the output feed. FeedAddr enables its gRPC server.
	Feed     outputfeed.Config
	FeedAddr string

	// FeedEcho also logs every emitted line.
	FeedEcho bool

	Logger zerolog.Logger

	// OnError is called for errors raised outside a request.
	OnError func(err error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		VM:           vm.DefaultConfig(),
		TickInterval: 20 * time.Millisecond,
		Feed:         outputfeed.DefaultConfig(),
		Logger:       zerolog.Nop(),
	}
}

// FromFile maps a loaded cadence.toml onto a host configuration.
func FromFile(c *config.Config, log zerolog.Logger) Config {
	cfg := Config{
		VM:           c.VMConfig(log),
		TickInterval: c.Host.TickInterval.Duration,
		Boot:         c.Host.Boot,
		ScriptDir:    c.Path(c.Host.ScriptDir),
		Resume:       c.Host.Resume,
		SaveOnExit:   c.Host.SaveOnExit,
		Feed:         c.FeedConfig(log),
		FeedEcho:     c.Feed.Echo,
		Logger:       log,
	}
	if c.Archive.Path != "" {
		ac := c.ArchiveConfig(log)
		cfg.Archive = &ac
	}
	if c.Snapshot.Path != "" || c.Snapshot.InMemory {
		sc := c.SnapshotConfig(log)
		cfg.Snapshot = &sc
	}
	if c.RPC.Enabled {
		rc := c.RPCConfig(log)
		cfg.RPC = &rc
	}
	if c.Feed.Enabled {
		cfg.FeedAddr = c.Feed.Addr
	}
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrConfigInvalid)
	}
	if (c.Resume != "" || c.SaveOnExit != "") && c.Snapshot == nil {
		return fmt.Errorf("%w: resume and save_on_exit need a snapshot store", ErrConfigInvalid)
	}
	return nil
}

// request is a closure queued for the tick loop.
type request struct {
	fn   func(c *vm.Context) error
	done chan error
}

// Host owns one VM and the services around it.
type Host struct {
	config Config
	log    zerolog.Logger

	// Core components
	vm        *vm.Context
	archive   *archive.Archive
	snapshots *snapshot.Store
	feed      *outputfeed.Feed
	feedSrv   *outputfeed.Server
	rpcServer *rpc.Server

	// State management
	running     atomic.Bool
	startTime   time.Time
	ticks       atomic.Uint64
	programs    atomic.Int64
	lastError   error
	lastErrorMu sync.RWMutex

	// Loop coordination
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	requests chan request
	stopped  chan struct{}
}

// New creates a host. Nothing is opened until Start.
func New(config Config) (*Host, error) {
	if config.TickInterval == 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Host{
		config:   config,
		log:      config.Logger,
		requests: make(chan request),
		stopped:  make(chan struct{}),
	}, nil
}

// Start opens every component, resumes and boots scripts, then runs the
// tick loop in the background.
func (h *Host) Start(ctx context.Context) error {
	if h.running.Load() {
		return ErrAlreadyRunning
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.startTime = time.Now()

	if err := h.initialize(); err != nil {
		h.closeStorage()
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	h.running.Store(true)

	if h.config.Resume != "" {
		if err := h.resume(h.config.Resume); err != nil {
			h.log.Warn().Err(err).Str("label", h.config.Resume).Msg("resume failed, starting fresh")
		}
	}
	for _, name := range h.config.Boot {
		if _, err := h.vm.RunScript(name); err != nil {
			h.report(fmt.Errorf("boot %s: %w", name, err))
		}
	}
	h.programs.Store(int64(len(h.vm.Programs())))

	h.wg.Add(1)
	go h.tickLoop()

	if h.rpcServer != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := h.rpcServer.Start(h.ctx); err != nil {
				h.report(fmt.Errorf("rpc server: %w", err))
			}
		}()
	}

	if h.config.FeedAddr != "" {
		lis, err := net.Listen("tcp", h.config.FeedAddr)
		if err != nil {
			h.Stop()
			return fmt.Errorf("%w: feed listener: %v", ErrInitFailed, err)
		}
		h.feedSrv = outputfeed.NewServer(h.feed)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := h.feedSrv.Serve(lis); err != nil {
				h.report(fmt.Errorf("output feed: %w", err))
			}
		}()
	}

	h.log.Info().Int("programs", int(h.programs.Load())).Dur("tick", h.config.TickInterval).Msg("host started")
	return nil
}

// initialize sets up storage and the interpreter.
func (h *Host) initialize() error {
	if h.config.Archive != nil {
		arc, err := archive.Open(*h.config.Archive)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		h.archive = arc
	}

	if h.config.Snapshot != nil {
		snaps, err := snapshot.Open(*h.config.Snapshot)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		h.snapshots = snaps
	}

	feedCfg := h.config.Feed
	if h.config.FeedEcho {
		feedCfg.Echo = vm.OutputFunc(func(source, text string) {
			h.log.Info().Str("program", source).Msg(text)
		})
	}
	h.feed = outputfeed.New(feedCfg)

	vmCfg := h.config.VM
	vmCfg.Loader = h.loader()
	vmCfg.Output = h.feed
	if vmCfg.Timer == nil {
		vmCfg.Timer = vm.DefaultConfig().Timer
	}
	h.vm = vm.New(vmCfg)
	if err := intlib.Register(h.vm); err != nil {
		return fmt.Errorf("register host library: %w", err)
	}

	if h.config.RPC != nil {
		var scripts rpc.ScriptStore
		if h.archive != nil {
			scripts = h.archive
		}
		var snaps rpc.SnapshotStore
		if h.snapshots != nil {
			snaps = h.snapshots
		}
		h.rpcServer = rpc.New(*h.config.RPC, h, scripts, snaps)
	}
	return nil
}

// loader looks in the archive first, then the script directory.
func (h *Host) loader() vm.Loader {
	var chain []vm.Loader
	if h.archive != nil {
		chain = append(chain, h.archive)
	}
	if h.config.ScriptDir != "" {
		chain = append(chain, DirLoader(h.config.ScriptDir))
	}
	return vm.LoaderFunc(func(name string) ([]byte, error) {
		for _, l := range chain {
			data, err := l.Load(name)
			if err == nil || !errors.Is(err, vm.ErrScriptNotFound) {
				return data, err
			}
		}
		return nil, fmt.Errorf("%w: %s", vm.ErrScriptNotFound, name)
	})
}

// DirLoader loads NAME.int from dir, using the archive key as the
// relative path.
func DirLoader(dir string) vm.Loader {
	return vm.LoaderFunc(func(name string) ([]byte, error) {
		key, err := types.ScriptKey(name)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)+".int"))
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", vm.ErrScriptNotFound, name)
		}
		return data, err
	})
}

// tickLoop is the only goroutine that touches the VM after Start.
func (h *Host) tickLoop() {
	defer h.wg.Done()
	defer close(h.stopped)

	ticker := time.NewTicker(h.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.saveOnExit()
			return
		case req := <-h.requests:
			req.done <- req.fn(h.vm)
		case <-ticker.C:
			h.vm.Update()
			h.ticks.Add(1)
			h.programs.Store(int64(len(h.vm.Programs())))
		}
	}
}

// Do runs fn on the tick loop between scheduler ticks and returns its
// error. It implements rpc.Backend.
func (h *Host) Do(ctx context.Context, fn func(c *vm.Context) error) error {
	if !h.running.Load() {
		return ErrNotRunning
	}
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case h.requests <- req:
	case <-h.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) resume(label string) error {
	st, err := h.snapshots.Load(label)
	if err != nil {
		return err
	}
	if err := h.vm.LoadState(st); err != nil {
		return err
	}
	h.log.Info().Str("label", label).Strs("programs", h.vm.ProgramNames()).Msg("resumed from snapshot")
	return nil
}

func (h *Host) saveOnExit() {
	if h.config.SaveOnExit == "" || h.snapshots == nil {
		return
	}
	if _, err := h.snapshots.Save(h.config.SaveOnExit, h.vm.SaveState()); err != nil {
		h.report(fmt.Errorf("save on exit: %w", err))
	}
}

// Stop gracefully stops the host.
func (h *Host) Stop() error {
	if !h.running.Load() {
		return ErrNotRunning
	}

	if h.cancel != nil {
		h.cancel()
	}
	if h.rpcServer != nil {
		h.rpcServer.Stop()
	}
	if h.feedSrv != nil {
		h.feedSrv.Stop()
	}

	h.wg.Wait()
	h.running.Store(false)
	if h.feed != nil {
		h.feed.Close()
	}
	h.closeStorage()

	h.log.Info().Uint64("ticks", h.ticks.Load()).Msg("host stopped")
	return nil
}

func (h *Host) closeStorage() {
	if h.snapshots != nil {
		h.snapshots.Close()
	}
	if h.archive != nil {
		h.archive.Close()
	}
}

// Feed returns the output feed.
func (h *Host) Feed() *outputfeed.Feed { return h.feed }

// Archive returns the script archive, or nil when disabled.
func (h *Host) Archive() *archive.Archive { return h.archive }

// Status returns the current host status.
func (h *Host) Status() *Status {
	s := &Status{
		IsRunning: h.running.Load(),
		Ticks:     h.ticks.Load(),
		Programs:  int(h.programs.Load()),
		LastError: h.getLastError(),
	}
	if s.IsRunning {
		s.Uptime = time.Since(h.startTime)
	}
	if h.config.RPC != nil {
		s.RPCAddr = h.config.RPC.Addr
	}
	s.FeedAddr = h.config.FeedAddr
	if h.feed != nil {
		s.Subscribers = h.feed.Subscribers()
	}
	return s
}

// Status contains the current host status.
type Status struct {
	// IsRunning indicates if the tick loop is running.
	IsRunning bool

	// Uptime is how long the host has been running.
	Uptime time.Duration

	// Ticks is the number of scheduler ticks run.
	Ticks uint64

	// Programs is the registry size after the last tick.
	Programs int

	// RPCAddr is the RPC server address if enabled.
	RPCAddr string

	// FeedAddr is the output feed address if enabled.
	FeedAddr string

	// Subscribers is the number of connected feed subscribers.
	Subscribers int

	// LastError is the most recent error raised outside a request.
	LastError error
}

func (h *Host) report(err error) {
	h.lastErrorMu.Lock()
	h.lastError = err
	h.lastErrorMu.Unlock()
	h.log.Error().Err(err).Msg("host error")
	if h.config.OnError != nil {
		h.config.OnError(err)
	}
}

func (h *Host) getLastError() error {
	h.lastErrorMu.RLock()
	defer h.lastErrorMu.RUnlock()
	return h.lastError
}

// Verify interface compliance.
var _ rpc.Backend = (*Host)(nil)
