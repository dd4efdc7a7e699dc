package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fortiblox/X1-Cadence/pkg/archive"
	"github.com/fortiblox/X1-Cadence/pkg/asm"
	"github.com/fortiblox/X1-Cadence/pkg/snapshot"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

const counterSrc = `
.proc tick timed
.entry start

start:
    set_global
    push 0
    push 60
    push &tick
    call_at
    stop_prog

tick:
    push_base
    push 0
    fetch_global
    push 1
    add
    push 0
    store_global
    push 0
    d_to_a
    pop_to_base
    swapa
    pop_base
    a_to_d
    pop_return
`

// inlineBackend runs VM work on the calling goroutine.
type inlineBackend struct {
	c *vm.Context
}

func (b inlineBackend) Do(ctx context.Context, fn func(c *vm.Context) error) error {
	return fn(b.c)
}

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	archive *archive.Archive
	image   []byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	data, err := asm.New(nil).Assemble("counter.casm", counterSrc)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	acfg := archive.DefaultConfig(filepath.Join(t.TempDir(), "scripts.db"))
	acfg.NoSync = true
	arc, err := archive.Open(acfg)
	if err != nil {
		t.Fatalf("archive.Open failed: %v", err)
	}
	t.Cleanup(func() { arc.Close() })

	scfg := snapshot.DefaultConfig("")
	scfg.InMemory = true
	snaps, err := snapshot.Open(scfg)
	if err != nil {
		t.Fatalf("snapshot.Open failed: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })

	vcfg := vm.DefaultConfig()
	vcfg.Loader = arc
	c := vm.New(vcfg)

	srv := New(DefaultConfig(), inlineBackend{c: c}, arc, snaps)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{srv: srv, http: hs, archive: arc, image: data}
}

func (e *testEnv) call(t *testing.T, method string, params ...interface{}) Response {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	raw, _ := json.Marshal(params)
	body, _ := json.Marshal(Request{JSONRPC: JSONRPCVersion, ID: 1, Method: method, Params: raw})

	resp, err := http.Post(e.http.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", method, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return out
}

func decode(t *testing.T, resp Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

// TestHealthVersion tests the host methods.
func TestHealthVersion(t *testing.T) {
	e := newTestEnv(t)

	var health string
	decode(t, e.call(t, "getHealth"), &health)
	if health != "ok" {
		t.Errorf("getHealth = %q, want ok", health)
	}

	e.srv.SetHealthy(false)
	if resp := e.call(t, "getHealth"); resp.Error == nil || resp.Error.Code != NodeUnhealthy {
		t.Errorf("getHealth error = %v, want NodeUnhealthy", resp.Error)
	}

	var version map[string]string
	decode(t, e.call(t, "getVersion"), &version)
	if version["cadence-core"] != Version {
		t.Errorf("getVersion = %v", version)
	}
}

// TestScriptLifecycle tests archiving, running and inspecting a script.
func TestScriptLifecycle(t *testing.T) {
	e := newTestEnv(t)

	var entry archive.Entry
	decode(t, e.call(t, "putScript", "counter", base64.StdEncoding.EncodeToString(e.image)), &entry)
	if entry.Procedures != 2 {
		t.Errorf("Procedures = %d, want 2", entry.Procedures)
	}

	var script ScriptData
	decode(t, e.call(t, "getScript", "counter", "base64+zstd"), &script)
	if script.Encoding != EncodingBase64Zstd {
		t.Errorf("Encoding = %q, want base64+zstd", script.Encoding)
	}
	data, err := DecodeData(script.Data, script.Encoding)
	if err != nil || !bytes.Equal(data, e.image) {
		t.Errorf("getScript round trip failed: %v", err)
	}

	var sum ProgramSummary
	decode(t, e.call(t, "runScript", "counter"), &sum)
	if sum.Handle == 0 || sum.Name != "counter" || sum.Exited {
		t.Fatalf("runScript = %+v", sum)
	}

	var index int
	decode(t, e.call(t, "findProcedure", sum.Handle, "TICK"), &index)
	if index != 1 {
		t.Errorf("findProcedure = %d, want 1", index)
	}

	decode(t, e.call(t, "executeProcedure", sum.Handle, "tick"), &sum)

	var d ProgramDetail
	decode(t, e.call(t, "getProgram", sum.Handle), &d)
	if len(d.Stack) == 0 || d.Stack[0] != "1" {
		t.Errorf("stack after executeProcedure = %v, want global 1", d.Stack)
	}
	if len(d.Procedures) != 2 {
		t.Errorf("procedures = %d, want 2", len(d.Procedures))
	}

	var list []ProgramSummary
	decode(t, e.call(t, "listPrograms"), &list)
	if len(list) != 1 {
		t.Errorf("listPrograms returned %d programs, want 1", len(list))
	}

	var removed bool
	decode(t, e.call(t, "removeProgram", sum.Handle), &removed)
	if resp := e.call(t, "getProgram", sum.Handle); resp.Error == nil || resp.Error.Code != ProgramNotFound {
		t.Errorf("getProgram after remove error = %v, want ProgramNotFound", resp.Error)
	}
}

// TestSnapshots tests saving and restoring VM state.
func TestSnapshots(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.archive.Put("counter", e.image); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var sum ProgramSummary
	decode(t, e.call(t, "runScript", "counter"), &sum)

	var info snapshot.Info
	decode(t, e.call(t, "saveSnapshot", "one"), &info)
	if len(info.Programs) != 1 {
		t.Errorf("snapshot programs = %v", info.Programs)
	}

	e.call(t, "removeProgram", sum.Handle)

	var names []string
	decode(t, e.call(t, "loadSnapshot", "one"), &names)
	if len(names) != 1 || names[0] != "counter" {
		t.Errorf("loadSnapshot = %v, want [counter]", names)
	}

	var infos []snapshot.Info
	decode(t, e.call(t, "listSnapshots"), &infos)
	if len(infos) != 1 {
		t.Errorf("listSnapshots returned %d, want 1", len(infos))
	}

	if resp := e.call(t, "loadSnapshot", "missing"); resp.Error == nil || resp.Error.Code != SnapshotNotFound {
		t.Errorf("loadSnapshot(missing) error = %v, want SnapshotNotFound", resp.Error)
	}
}

// TestErrors tests request validation and error mapping.
func TestErrors(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		method string
		params []interface{}
		code   int
	}{
		{"noSuchMethod", nil, MethodNotFound},
		{"runScript", nil, InvalidParams},
		{"runScript", []interface{}{"missing"}, ScriptNotFound},
		{"getProgram", []interface{}{99}, ProgramNotFound},
		{"getProgram", []interface{}{"x"}, InvalidParams},
		{"putScript", []interface{}{"bad", "bm90IGFuIGltYWdl"}, ScriptRejected},
		{"putScript", []interface{}{"bad", "!!", "base64"}, InvalidParams},
		{"getScript", []interface{}{"missing"}, ScriptNotFound},
	}
	for _, tt := range tests {
		resp := e.call(t, tt.method, tt.params...)
		if resp.Error == nil || resp.Error.Code != tt.code {
			t.Errorf("%s(%v) error = %v, want code %d", tt.method, tt.params, resp.Error, tt.code)
		}
	}
}

// TestBatch tests batch requests.
func TestBatch(t *testing.T) {
	e := newTestEnv(t)
	body := `[{"jsonrpc":"2.0","id":1,"method":"getHealth"},{"jsonrpc":"1.0","id":2,"method":"getHealth"}]`
	resp, err := http.Post(e.http.URL, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	var out []Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out) != 2 || out[0].Error != nil || out[1].Error == nil {
		t.Errorf("batch responses = %+v", out)
	}
}

// TestNoStores tests methods whose stores are not configured.
func TestNoStores(t *testing.T) {
	srv := New(DefaultConfig(), inlineBackend{c: vm.New(vm.DefaultConfig())}, nil, nil)
	for _, method := range []string{"listScripts", "listSnapshots"} {
		resp := srv.call(context.Background(), Request{JSONRPC: JSONRPCVersion, ID: 1, Method: method})
		if resp.Error == nil || resp.Error.Code != StoreUnavailable {
			t.Errorf("%s error = %v, want StoreUnavailable", method, resp.Error)
		}
	}
}

// TestTokenAuth tests bearer token checking.
func TestTokenAuth(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	cfg := DefaultConfig()
	cfg.TokenHash = hash
	srv := New(cfg, inlineBackend{c: vm.New(vm.DefaultConfig())}, nil, nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"getHealth"}`
	tests := []struct {
		auth string
		want int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer s3cret", http.StatusOK},
		{"Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodPost, hs.URL, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("Authorization %q: status = %d, want %d", tt.auth, resp.StatusCode, tt.want)
		}
	}
}
