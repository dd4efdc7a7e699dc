package vm

import (
	"errors"
	"fmt"
)

// Fatal script errors. Any of these ends the program that raised it.
var (
	ErrStackOverflow               = errors.New("stack overflow")
	ErrStackUnderflow              = errors.New("stack underflow")
	ErrTypeMismatch                = errors.New("type mismatch")
	ErrDivisionByZero              = errors.New("division by zero")
	ErrUnresolvedExternalProcedure = errors.New("unresolved external procedure")
	ErrArgumentCountMismatch       = errors.New("argument count mismatch")
	ErrUndefinedOpcode             = errors.New("undefined opcode")
	ErrMalformedInstruction        = errors.New("malformed instruction")
	ErrUnknownExternalVariable     = errors.New("unknown external variable")
	ErrExportConflict              = errors.New("export conflict")
	ErrInvalidProcedure            = errors.New("invalid procedure index")
	ErrChildExists                 = errors.New("program already has a child")
	ErrHeapCorrupt                 = errors.New("string heap corrupt")
)

// Host-side errors.
var (
	ErrScriptNotFound = errors.New("script not found")
	ErrLoadFailed     = errors.New("load failed")
	ErrNoProgram      = errors.New("no such program")
	ErrOpcodeRange    = errors.New("opcode index out of range")
	ErrProcNotFound   = errors.New("procedure not found")
	ErrInterruptArgs  = errors.New("external procedure cannot take arguments in interrupt context")
	ErrStateMismatch  = errors.New("snapshot does not match loaded images")
)

// Fault describes a fatal error raised while a program was executing.
type Fault struct {
	Program   string
	Procedure string
	IP        int32
	Opcode    uint16
	Err       error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: procedure %s at %#x (op %#04x): %v", f.Program, f.Procedure, f.IP, f.Opcode, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}
