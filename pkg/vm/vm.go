// Package vm implements the cooperative script interpreter.
//
// A Context owns every loaded Program, the opcode table, the export table
// and the trigger scanner. Programs are stack machines over a read-only
// bytecode image: each has an operand stack, a return stack and a dynamic
// string heap, and runs in bursts of a configurable number of opcodes.
// Nothing here is safe for concurrent use; the host drives a Context from
// one goroutine.
package vm

import (
	"container/list"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// Scheduler defaults.
const (
	DefaultBurstSize      = 10
	DefaultTicksPerSecond = 1000
	RunScriptBurst        = 24 // first burst of a freshly started script
)

// FaultPrefix starts every line emitted for a program fault.
const FaultPrefix = "fault: "

// Handle identifies a program inside one Context. Zero means none.
type Handle int32

// Handler executes one opcode against p.
type Handler func(c *Context, p *Program) error

// Loader returns the bytecode image for a script name.
type Loader interface {
	Load(name string) ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(name string) ([]byte, error)

// Load implements Loader.
func (f LoaderFunc) Load(name string) ([]byte, error) { return f(name) }

// Resolver maps a script name used by spawn, fork and exec to the name
// handed to the Loader.
type Resolver interface {
	Resolve(name string) string
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) string

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(name string) string { return f(name) }

// Timer reports the current time in host ticks.
type Timer interface {
	Now() uint32
}

// TimerFunc adapts a function to Timer.
type TimerFunc func() uint32

// Now implements Timer.
func (f TimerFunc) Now() uint32 { return f() }

// Output receives script output and fault diagnostics. Source is the name
// of the emitting program, empty for host messages.
type Output interface {
	Emit(source, text string)
}

// OutputFunc adapts a function to Output.
type OutputFunc func(source, text string)

// Emit implements Output.
func (f OutputFunc) Emit(source, text string) { f(source, text) }

// WaitFunc reports whether a waiting program may resume.
type WaitFunc func(c *Context, p *Program) bool

// Config configures a Context.
type Config struct {
	// BurstSize is the opcode budget per program per Update. Minimum 1.
	BurstSize int

	// TicksPerSecond converts Timer ticks to the millisecond clock used by
	// waits and triggers.
	TicksPerSecond uint32

	Loader   Loader
	Resolver Resolver
	Timer    Timer
	Output   Output

	// Wait overrides the default "now past wait end" predicate.
	Wait WaitFunc

	// HeapSweepThreshold triggers a string heap sweep after a burst once a
	// program's heap holds this many record bytes. Zero disables it.
	HeapSweepThreshold int

	Logger zerolog.Logger
}

// DefaultConfig returns a configuration driven by the wall clock.
func DefaultConfig() Config {
	start := time.Now()
	return Config{
		BurstSize:      DefaultBurstSize,
		TicksPerSecond: DefaultTicksPerSecond,
		Timer: TimerFunc(func() uint32 {
			return uint32(time.Since(start).Milliseconds())
		}),
		HeapSweepThreshold: 16 * 1024,
		Logger:             zerolog.Nop(),
	}
}

// Context is one interpreter instance.
type Context struct {
	cfg Config
	log zerolog.Logger

	handlers [image.OpcodeIndexMax]Handler

	programs   map[Handle]*Program
	registry   *list.List
	nodes      map[Handle]*list.Element
	nextHandle Handle

	exports *Exports

	current     *Program
	enabled     bool
	busy        bool
	suspend     int
	suspendTime uint32
}

// New creates a Context with the built-in instruction set registered.
func New(cfg Config) *Context {
	def := DefaultConfig()
	if cfg.BurstSize < 1 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.TicksPerSecond == 0 {
		cfg.TicksPerSecond = def.TicksPerSecond
	}
	if cfg.Timer == nil {
		cfg.Timer = def.Timer
	}
	if cfg.Resolver == nil {
		cfg.Resolver = ResolverFunc(func(name string) string { return name })
	}
	if cfg.Wait == nil {
		cfg.Wait = waitElapsed
	}

	c := &Context{
		cfg:      cfg,
		log:      cfg.Logger,
		programs: make(map[Handle]*Program),
		registry: list.New(),
		nodes:    make(map[Handle]*list.Element),
		exports:  NewExports(),
		enabled:  true,
	}
	registerBuiltins(c)
	return c
}

// RegisterOpcode binds op to h. The valid-instruction bit is ignored;
// indexes past the table are rejected.
func (c *Context) RegisterOpcode(op image.Opcode, h Handler) error {
	index := int(op) & 0x3FFF
	if index >= image.OpcodeIndexMax {
		return fmt.Errorf("%w: %#04x", ErrOpcodeRange, uint16(op))
	}
	c.handlers[index] = h
	return nil
}

// Now returns the scheduler clock in milliseconds.
func (c *Context) Now() uint32 {
	return uint32(uint64(c.cfg.Timer.Now()) * 1000 / uint64(c.cfg.TicksPerSecond))
}

// BurstSize returns the per-program opcode budget.
func (c *Context) BurstSize() int { return c.cfg.BurstSize }

// SetBurstSize changes the per-program opcode budget. Values below 1 are
// raised to 1.
func (c *Context) SetBurstSize(n int) {
	if n < 1 {
		n = 1
	}
	c.cfg.BurstSize = n
}

// SetEnabled turns the interpreter on or off. Disabling also suspends
// triggers; enabling resumes them.
func (c *Context) SetEnabled(on bool) {
	c.enabled = on
	if on {
		c.ResumeEvents()
	} else {
		c.SuspendEvents()
	}
}

// Enabled reports whether the interpreter runs programs.
func (c *Context) Enabled() bool { return c.enabled }

// Exports returns the shared export table.
func (c *Context) Exports() *Exports { return c.exports }

// Logger returns the context logger.
func (c *Context) Logger() zerolog.Logger { return c.log }

// Emit sends text to the output sink on behalf of p, which may be nil.
func (c *Context) Emit(p *Program, text string) {
	source := ""
	if p != nil {
		source = p.Name
	}
	if c.cfg.Output != nil {
		c.cfg.Output.Emit(source, text)
		return
	}
	c.log.Info().Str("program", source).Msg(text)
}

func waitElapsed(c *Context, p *Program) bool {
	return c.Now() > p.waitEnd
}
