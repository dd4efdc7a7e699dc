// Package image defines the bytecode image binary contract shared by the
// interpreter, the assembler and the script archive.
package image

import "fmt"

// Opcode is a 16-bit instruction word. Bit 0x8000 marks a valid
// instruction and the low 10 bits select the handler.
type Opcode uint16

// Instruction word bits.
const (
	OpcodeValid    Opcode = 0x8000
	OpcodeIndexMax        = 0x400 // handler table size
	opcodeIndex           = 0x3FF
)

// Built-in instruction set.
const (
	OpNoop                        Opcode = 0x8000
	OpPush                        Opcode = 0x8001
	OpEnterCritical               Opcode = 0x8002
	OpLeaveCritical               Opcode = 0x8003
	OpJump                        Opcode = 0x8004
	OpCall                        Opcode = 0x8005
	OpCallAt                      Opcode = 0x8006
	OpCallWhen                    Opcode = 0x8007
	OpCallStart                   Opcode = 0x8008
	OpExec                        Opcode = 0x8009
	OpSpawn                       Opcode = 0x800A
	OpFork                        Opcode = 0x800B
	OpAToD                        Opcode = 0x800C
	OpDToA                        Opcode = 0x800D
	OpExit                        Opcode = 0x800E
	OpDetach                      Opcode = 0x800F
	OpExitProgram                 Opcode = 0x8010
	OpStopProgram                 Opcode = 0x8011
	OpFetchGlobal                 Opcode = 0x8012
	OpStoreGlobal                 Opcode = 0x8013
	OpFetchExternal               Opcode = 0x8014
	OpStoreExternal               Opcode = 0x8015
	OpExportVar                   Opcode = 0x8016
	OpExportProc                  Opcode = 0x8017
	OpSwap                        Opcode = 0x8018
	OpSwapA                       Opcode = 0x8019
	OpPop                         Opcode = 0x801A
	OpDup                         Opcode = 0x801B
	OpPopReturn                   Opcode = 0x801C
	OpPopExit                     Opcode = 0x801D
	OpPopAddress                  Opcode = 0x801E
	OpPopFlags                    Opcode = 0x801F
	OpPopFlagsReturn              Opcode = 0x8020
	OpPopFlagsExit                Opcode = 0x8021
	OpPopFlagsReturnExtern        Opcode = 0x8022
	OpPopFlagsExitExtern          Opcode = 0x8023
	OpPopFlagsReturnValExtern     Opcode = 0x8024
	OpPopFlagsReturnValExit       Opcode = 0x8025
	OpPopFlagsReturnValExitExtern Opcode = 0x8026
	OpCheckArgCount               Opcode = 0x8027
	OpLookupProcByName            Opcode = 0x8028
	OpPopBase                     Opcode = 0x8029
	OpPopToBase                   Opcode = 0x802A
	OpPushBase                    Opcode = 0x802B
	OpSetGlobal                   Opcode = 0x802C
	OpFetchProcAddress            Opcode = 0x802D
	OpDump                        Opcode = 0x802E
	OpIf                          Opcode = 0x802F
	OpWhile                       Opcode = 0x8030
	OpStore                       Opcode = 0x8031
	OpFetch                       Opcode = 0x8032
	OpEqual                       Opcode = 0x8033
	OpNotEqual                    Opcode = 0x8034
	OpLessEqual                   Opcode = 0x8035
	OpGreaterEqual                Opcode = 0x8036
	OpLess                        Opcode = 0x8037
	OpGreater                     Opcode = 0x8038
	OpAdd                         Opcode = 0x8039
	OpSub                         Opcode = 0x803A
	OpMul                         Opcode = 0x803B
	OpDiv                         Opcode = 0x803C
	OpMod                         Opcode = 0x803D
	OpAnd                         Opcode = 0x803E
	OpOr                          Opcode = 0x803F
	OpBitwiseAnd                  Opcode = 0x8040
	OpBitwiseOr                   Opcode = 0x8041
	OpBitwiseXor                  Opcode = 0x8042
	OpBitwiseNot                  Opcode = 0x8043
	OpFloor                       Opcode = 0x8044
	OpNot                         Opcode = 0x8045
	OpNegate                      Opcode = 0x8046
	OpWait                        Opcode = 0x8047
	OpCancel                      Opcode = 0x8048
	OpCancelAll                   Opcode = 0x8049
	OpStartCritical               Opcode = 0x804A
	OpEndCritical                 Opcode = 0x804B
)

// Tag is the 16-bit type tag of a tagged value. A PUSH instruction uses
// the tag itself as its opcode word, so every tag has the valid bit set
// and handler index 1.
type Tag uint16

// Value tags.
const (
	TagInt           Tag = 0xC001
	TagFloat         Tag = 0xA001
	TagString        Tag = 0x9001
	TagDynamicString Tag = 0x9801

	// TagMask clears the dynamic bit so both string tags compare equal.
	TagMask Tag = 0xF7FF
)

// Raw tag bits.
const (
	RawStatic  Tag = 0x1000
	RawDynamic Tag = 0x0800
)

// Program flags. The low 16 bits are saved and restored across calls; the
// high 16 bits hold the opcode being executed.
const (
	FlagExited       = 0x01
	FlagRunning      = 0x02
	FlagFault        = 0x04
	FlagStopped      = 0x08
	FlagWaiting      = 0x10
	FlagBlockedCall  = 0x20 // waiting on an external callee or a callstart child
	FlagNestedReturn = 0x40
	FlagCritical     = 0x80
	FlagBlockedChild = 0x100
)

// Procedure flags.
const (
	ProcTimed       = 0x01
	ProcConditional = 0x02
	ProcImported    = 0x04
	ProcExported    = 0x08
	ProcCritical    = 0x10
)

// Index returns the handler table slot for op.
func (op Opcode) Index() int {
	return int(op & opcodeIndex)
}

// Valid reports whether the valid-instruction bit is set.
func (op Opcode) Valid() bool {
	return op&OpcodeValid != 0
}

// IsString reports whether t names a static or dynamic string.
func (t Tag) IsString() bool {
	return t&TagMask == TagString
}

func (t Tag) String() string {
	switch t {
	case TagInt:
		return "int"
	case TagFloat:
		return "float"
	case TagString:
		return "string"
	case TagDynamicString:
		return "dstring"
	}
	return fmt.Sprintf("tag(%#04x)", uint16(t))
}

var opcodeNames = map[Opcode]string{
	OpNoop:                        "noop",
	OpPush:                        "push",
	OpEnterCritical:               "enter_critical",
	OpLeaveCritical:               "leave_critical",
	OpJump:                        "jmp",
	OpCall:                        "call",
	OpCallAt:                      "call_at",
	OpCallWhen:                    "call_when",
	OpCallStart:                   "callstart",
	OpExec:                        "exec",
	OpSpawn:                       "spawn",
	OpFork:                        "fork",
	OpAToD:                        "a_to_d",
	OpDToA:                        "d_to_a",
	OpExit:                        "exit",
	OpDetach:                      "detach",
	OpExitProgram:                 "exit_prog",
	OpStopProgram:                 "stop_prog",
	OpFetchGlobal:                 "fetch_global",
	OpStoreGlobal:                 "store_global",
	OpFetchExternal:               "fetch_external",
	OpStoreExternal:               "store_external",
	OpExportVar:                   "export_var",
	OpExportProc:                  "export_proc",
	OpSwap:                        "swap",
	OpSwapA:                       "swapa",
	OpPop:                         "pop",
	OpDup:                         "dup",
	OpPopReturn:                   "pop_return",
	OpPopExit:                     "pop_exit",
	OpPopAddress:                  "pop_address",
	OpPopFlags:                    "pop_flags",
	OpPopFlagsReturn:              "pop_flags_return",
	OpPopFlagsExit:                "pop_flags_exit",
	OpPopFlagsReturnExtern:        "pop_flags_return_extern",
	OpPopFlagsExitExtern:          "pop_flags_exit_extern",
	OpPopFlagsReturnValExtern:     "pop_flags_return_val_extern",
	OpPopFlagsReturnValExit:       "pop_flags_return_val_exit",
	OpPopFlagsReturnValExitExtern: "pop_flags_return_val_exit_extern",
	OpCheckArgCount:               "check_arg_count",
	OpLookupProcByName:            "lookup_proc",
	OpPopBase:                     "pop_base",
	OpPopToBase:                   "pop_to_base",
	OpPushBase:                    "push_base",
	OpSetGlobal:                   "set_global",
	OpFetchProcAddress:            "fetch_proc_address",
	OpDump:                        "dump",
	OpIf:                          "if",
	OpWhile:                       "while",
	OpStore:                       "store",
	OpFetch:                       "fetch",
	OpEqual:                       "eq",
	OpNotEqual:                    "ne",
	OpLessEqual:                   "le",
	OpGreaterEqual:                "ge",
	OpLess:                        "lt",
	OpGreater:                     "gt",
	OpAdd:                         "add",
	OpSub:                         "sub",
	OpMul:                         "mul",
	OpDiv:                         "div",
	OpMod:                         "mod",
	OpAnd:                         "and",
	OpOr:                          "or",
	OpBitwiseAnd:                  "bwand",
	OpBitwiseOr:                   "bwor",
	OpBitwiseXor:                  "bwxor",
	OpBitwiseNot:                  "bwnot",
	OpFloor:                       "floor",
	OpNot:                         "not",
	OpNegate:                      "negate",
	OpWait:                        "wait",
	OpCancel:                      "cancel",
	OpCancelAll:                   "cancel_all",
	OpStartCritical:               "start_critical",
	OpEndCritical:                 "end_critical",
}

var opcodesByName map[string]Opcode

func init() {
	opcodesByName = make(map[string]Opcode, len(opcodeNames))
	for op, name := range opcodeNames {
		opcodesByName[name] = op
	}
}

// String returns the mnemonic of a built-in opcode.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	switch Tag(op) {
	case TagInt, TagFloat, TagString:
		return "push." + Tag(op).String()
	}
	return fmt.Sprintf("op(%#04x)", uint16(op))
}

// LookupOpcode returns the built-in opcode for a mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}
