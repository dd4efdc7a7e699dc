// Package outputfeed streams the lines scripts emit to gRPC subscribers.
package outputfeed

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// Line is one emitted message.
type Line struct {
	Seq     uint64 `json:"seq"`
	Program string `json:"program"`
	Text    string `json:"text"`
	Fault   bool   `json:"fault"`
}

// Config holds feed configuration.
type Config struct {
	// Buffer is how many recent lines are kept for replay.
	Buffer int

	// SubscriberQueue is the per-subscriber channel depth. Lines are
	// dropped for subscribers that fall this far behind.
	SubscriberQueue int

	// Echo also forwards every line to this sink.
	Echo vm.Output

	Logger zerolog.Logger
}

// DefaultConfig returns the default feed configuration.
func DefaultConfig() Config {
	return Config{
		Buffer:          256,
		SubscriberQueue: 64,
		Logger:          zerolog.Nop(),
	}
}

type subscriber struct {
	id      string
	program string
	ch      chan Line
	dropped uint64
}

// Feed fans emitted lines out to subscribers. It implements vm.Output.
type Feed struct {
	config Config
	log    zerolog.Logger

	mu     sync.Mutex
	seq    uint64
	ring   []Line
	next   int
	subs   map[*subscriber]struct{}
	closed bool
}

// New creates a feed.
func New(config Config) *Feed {
	if config.Buffer < 0 {
		config.Buffer = 0
	}
	if config.SubscriberQueue <= 0 {
		config.SubscriberQueue = DefaultConfig().SubscriberQueue
	}
	return &Feed{
		config: config,
		log:    config.Logger,
		ring:   make([]Line, 0, config.Buffer),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Emit implements vm.Output.
func (f *Feed) Emit(source, text string) {
	if f.config.Echo != nil {
		f.config.Echo.Emit(source, text)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	f.seq++
	line := Line{
		Seq:     f.seq,
		Program: source,
		Text:    text,
		Fault:   strings.HasPrefix(text, vm.FaultPrefix),
	}

	if f.config.Buffer > 0 {
		if len(f.ring) < f.config.Buffer {
			f.ring = append(f.ring, line)
		} else {
			f.ring[f.next] = line
			f.next = (f.next + 1) % f.config.Buffer
		}
	}

	for s := range f.subs {
		if !s.matches(line) {
			continue
		}
		select {
		case s.ch <- line:
		default:
			s.dropped++
			if s.dropped == 1 {
				f.log.Warn().Str("subscriber", s.id).Str("program", s.program).Msg("feed subscriber lagging, dropping lines")
			}
		}
	}
}

// Recent returns the buffered lines, oldest first.
func (f *Feed) Recent() []Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent()
}

func (f *Feed) recent() []Line {
	out := make([]Line, 0, len(f.ring))
	out = append(out, f.ring[f.next:]...)
	return append(out, f.ring[:f.next]...)
}

func (s *subscriber) matches(l Line) bool {
	return s.program == "" || strings.EqualFold(s.program, l.Program)
}

// subscribe registers a subscriber and returns the replay lines that
// precede its first live line.
func (f *Feed) subscribe(program string, replay bool) (*subscriber, []Line) {
	s := &subscriber{
		id:      uuid.New().String(),
		program: program,
		ch:      make(chan Line, f.config.SubscriberQueue),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(s.ch)
		return s, nil
	}
	f.subs[s] = struct{}{}

	var backlog []Line
	if replay {
		for _, l := range f.recent() {
			if s.matches(l) {
				backlog = append(backlog, l)
			}
		}
	}
	return s, backlog
}

func (f *Feed) unsubscribe(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		close(s.ch)
	}
	if s.dropped > 0 {
		f.log.Info().Str("subscriber", s.id).Uint64("dropped", s.dropped).Msg("feed subscriber dropped lines")
	}
}

// Subscribers returns the number of live subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		delete(f.subs, s)
		close(s.ch)
	}
}

// Verify interface compliance.
var _ vm.Output = (*Feed)(nil)
