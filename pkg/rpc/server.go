// Package rpc implements the JSON-RPC 2.0 control surface of a Cadence host.
//
// Supported methods:
//   - Host: getHealth, getVersion, setBurstSize, suspendEvents, resumeEvents
//   - Programs: listPrograms, getProgram, runScript, removeProgram
//   - Procedures: findProcedure, executeProcedure, listExports
//   - Archive: putScript, getScript, listScripts
//   - Snapshots: saveSnapshot, loadSnapshot, listSnapshots
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/fortiblox/X1-Cadence/pkg/archive"
	"github.com/fortiblox/X1-Cadence/pkg/snapshot"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// Config configures the control server.
type Config struct {
	Addr         string // host:port
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxRequestSize caps a request body, batches included.
	MaxRequestSize int64

	// EnableCORS answers browser preflights. An empty AllowedOrigins
	// admits any origin.
	EnableCORS     bool
	AllowedOrigins []string

	// LogRequests logs every dispatched method at debug level.
	LogRequests bool

	// TokenHash is a bcrypt hash of the bearer token clients must send.
	// Empty disables authentication.
	TokenHash string

	Logger zerolog.Logger
}

// DefaultConfig listens on loopback with CORS on and no token.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8742",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 1 << 20, // images travel in putScript
		EnableCORS:     true,
		Logger:         zerolog.Nop(),
	}
}

// Backend runs fn on the goroutine that owns the VM context.
type Backend interface {
	Do(ctx context.Context, fn func(c *vm.Context) error) error
}

// ScriptStore is the archive surface used by the script methods.
type ScriptStore interface {
	Put(name string, data []byte) (archive.Entry, error)
	Get(name string) ([]byte, error)
	Stat(name string) (archive.Entry, error)
	List() ([]archive.Entry, error)
}

// SnapshotStore is the snapshot surface used by the snapshot methods.
type SnapshotStore interface {
	Save(label string, st *vm.State) (snapshot.Info, error)
	Load(label string) (*vm.State, error)
	List() ([]snapshot.Info, error)
}

// Server answers JSON-RPC 2.0 requests against one host.
type Server struct {
	config Config
	log    zerolog.Logger

	backend   Backend
	scripts   ScriptStore
	snapshots SnapshotStore

	healthy  bool
	healthMu sync.RWMutex

	server   *http.Server
	handlers map[string]handlerFunc

	// tokens caches bearer tokens that already matched TokenHash.
	tokens sync.Map

	mu      sync.RWMutex
	running bool
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server. scripts and snapshots may be nil, in which
// case their methods report StoreUnavailable.
func New(config Config, backend Backend, scripts ScriptStore, snapshots SnapshotStore) *Server {
	s := &Server{
		config:    config,
		log:       config.Logger,
		backend:   backend,
		scripts:   scripts,
		snapshots: snapshots,
		healthy:   true,
		handlers:  make(map[string]handlerFunc),
	}

	s.registerHandlers()

	return s
}

func (s *Server) registerHandlers() {
	// Host methods
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
	s.handlers["setBurstSize"] = s.setBurstSize
	s.handlers["suspendEvents"] = s.suspendEvents
	s.handlers["resumeEvents"] = s.resumeEvents

	// Program methods
	s.handlers["listPrograms"] = s.listPrograms
	s.handlers["getProgram"] = s.getProgram
	s.handlers["runScript"] = s.runScript
	s.handlers["removeProgram"] = s.removeProgram

	// Procedure methods
	s.handlers["findProcedure"] = s.findProcedure
	s.handlers["executeProcedure"] = s.executeProcedure
	s.handlers["listExports"] = s.listExports

	// Archive methods
	s.handlers["putScript"] = s.putScript
	s.handlers["getScript"] = s.getScript
	s.handlers["listScripts"] = s.listScripts

	// Snapshot methods
	s.handlers["saveSnapshot"] = s.saveSnapshot
	s.handlers["loadSnapshot"] = s.loadSnapshot
	s.handlers["listSnapshots"] = s.listSnapshots
}

// Handler returns the HTTP handler serving JSON-RPC at "/".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return s.corsMiddleware(s.authMiddleware(mux))
}

// authMiddleware rejects requests without a valid bearer token when
// TokenHash is set. CORS preflights are answered before this runs.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.TokenHash == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !s.checkToken(token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="cadence"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkToken(token string) bool {
	if token == "" {
		return false
	}
	if _, ok := s.tokens.Load(token); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword([]byte(s.config.TokenHash), []byte(token)) != nil {
		return false
	}
	s.tokens.Store(token, struct{}{})
	return true
}

// HashToken returns the bcrypt hash to configure as TokenHash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("rpc: server already running")
	}
	s.running = true
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.server = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.config.Addr).Bool("auth", s.config.TokenHash != "").Msg("rpc server starting")

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down. It is safe to call when not started.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// SetHealthy changes what getHealth reports.
func (s *Server) SetHealthy(healthy bool) {
	s.healthMu.Lock()
	s.healthy = healthy
	s.healthMu.Unlock()
}

func (s *Server) IsHealthy() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, origin) || slices.Contains(s.config.AllowedOrigins, "*")
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}

	if len(body) > 0 && body[0] == '[' {
		var batch []Request
		switch {
		case json.Unmarshal(body, &batch) != nil:
			s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		case len(batch) == 0:
			s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrInvalidRequest})
		default:
			out := make([]Response, len(batch))
			for i := range batch {
				out[i] = s.call(r.Context(), batch[i])
			}
			s.reply(w, out)
		}
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.reply(w, Response{JSONRPC: JSONRPCVersion, Error: ErrParseError})
		return
	}
	s.reply(w, s.call(r.Context(), req))
}

// call runs one request and builds its response.
func (s *Server) call(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: JSONRPCVersion, ID: req.ID}
	if req.JSONRPC != JSONRPCVersion {
		resp.Error = ErrInvalidRequest
		return resp
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		resp.Error = NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
		return resp
	}

	start := time.Now()
	result, rpcErr := handler(ctx, req.Params)
	if s.config.LogRequests {
		ev := s.log.Debug()
		if rpcErr != nil {
			ev = s.log.Warn().Int("code", rpcErr.Code).Str("error", rpcErr.Message)
		}
		ev.Str("method", req.Method).Dur("took", time.Since(start)).Msg("rpc request")
	}

	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (s *Server) reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("rpc reply failed")
	}
}
