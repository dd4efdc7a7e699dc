package rpc

import (
	"encoding/json"

	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

const (
	// JSONRPCVersion is the JSON-RPC protocol version.
	JSONRPCVersion = "2.0"

	// Version is reported by getVersion.
	Version = "0.4.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding names the text form of binary payloads.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// ProgramSummary describes one registered program.
type ProgramSummary struct {
	Handle      vm.Handle `json:"handle"`
	Name        string    `json:"name"`
	IP          int32     `json:"ip"`
	Flags       uint32    `json:"flags"`
	Procedure   string    `json:"procedure"`
	Critical    bool      `json:"critical"`
	Exited      bool      `json:"exited"`
	Parent      vm.Handle `json:"parent,omitempty"`
	Child       vm.Handle `json:"child,omitempty"`
	WindowID    int32     `json:"windowId,omitempty"`
	StackDepth  int       `json:"stackDepth"`
	ReturnDepth int       `json:"returnDepth"`
	HeapUsed    int       `json:"heapUsed"`
	Fault       string    `json:"fault,omitempty"`
}

// ProgramDetail is a summary plus the live procedure table and globals.
type ProgramDetail struct {
	ProgramSummary
	Procedures []vm.ProcInfo `json:"procedures"`
	Stack      []string      `json:"stack"`
}

// Exports lists the export table.
type Exports struct {
	Procedures []vm.ExportedProc `json:"procedures"`
	Variables  []vm.ExportedVar  `json:"variables"`
}

// ScriptData is an archived image in text form.
type ScriptData struct {
	Name     string   `json:"name"`
	Digest   string   `json:"digest"`
	Data     string   `json:"data"`
	Encoding Encoding `json:"encoding"`
}

// SchedulerState reports the event scanner after suspend or resume.
type SchedulerState struct {
	Suspended bool `json:"suspended"`
	BurstSize int  `json:"burstSize"`
}

func summarize(p *vm.Program) ProgramSummary {
	s := ProgramSummary{
		Handle:      p.Handle,
		Name:        p.Name,
		IP:          p.IP(),
		Flags:       p.Flags(),
		Procedure:   p.CurrentProc(),
		Critical:    p.Critical(),
		Exited:      p.Exited(),
		Parent:      p.Parent(),
		Child:       p.Child(),
		WindowID:    p.WindowID(),
		StackDepth:  p.StackDepth(),
		ReturnDepth: p.ReturnDepth(),
		HeapUsed:    p.HeapUsed(),
	}
	if err := p.Fault(); err != nil {
		s.Fault = err.Error()
	}
	return s
}

func detail(p *vm.Program) ProgramDetail {
	d := ProgramDetail{ProgramSummary: summarize(p), Procedures: p.Procedures()}
	for _, v := range p.Values() {
		text, err := p.Text(v)
		if err != nil {
			text = "?"
		}
		d.Stack = append(d.Stack, text)
	}
	return d
}
