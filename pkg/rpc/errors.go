package rpc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Cadence/pkg/archive"
	"github.com/fortiblox/X1-Cadence/pkg/snapshot"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// Codes defined by JSON-RPC 2.0.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Codes in the server-defined range.
const (
	ScriptNotFound    = -32001
	ProgramNotFound   = -32002 // unknown or dead program handle
	ProcedureNotFound = -32003
	StoreUnavailable  = -32004 // archive or snapshot store not configured
	NodeUnhealthy     = -32005 // tick loop not running
	SnapshotNotFound  = -32006
	ScriptRejected    = -32007 // bad image, or a child already running
	ExecutionFailed   = -32008 // procedure faulted
)

var (
	ErrParseError      = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest  = NewRPCError(InvalidRequest, "Invalid Request")
	ErrNodeUnhealthy   = NewRPCError(NodeUnhealthy, "Host is unhealthy")
	ErrNoArchive       = NewRPCError(StoreUnavailable, "Script archive not configured")
	ErrNoSnapshotStore = NewRPCError(StoreUnavailable, "Snapshot store not configured")
)

func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// NewRPCErrorWithData attaches data, typically the underlying error text.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

func InternalServerError(msg string) *RPCError {
	return NewRPCError(InternalError, msg)
}

// fromError maps package errors onto RPC error codes.
func fromError(err error) *RPCError {
	var rpcErr *RPCError
	var fault *vm.Fault
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, vm.ErrNoProgram):
		return NewRPCError(ProgramNotFound, err.Error())
	case errors.Is(err, vm.ErrProcNotFound), errors.Is(err, vm.ErrInvalidProcedure):
		return NewRPCError(ProcedureNotFound, err.Error())
	case errors.Is(err, vm.ErrScriptNotFound), errors.Is(err, archive.ErrNotFound):
		return NewRPCError(ScriptNotFound, err.Error())
	case errors.Is(err, snapshot.ErrNotFound):
		return NewRPCError(SnapshotNotFound, err.Error())
	case errors.As(err, &fault):
		return NewRPCErrorWithData(ExecutionFailed, "Procedure faulted", fault.Error())
	case errors.Is(err, vm.ErrLoadFailed), errors.Is(err, vm.ErrChildExists):
		return NewRPCError(ScriptRejected, err.Error())
	default:
		return InternalServerError(err.Error())
	}
}
