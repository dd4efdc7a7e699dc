package vm

import "github.com/fortiblox/X1-Cadence/pkg/image"

var builtins = map[image.Opcode]Handler{
	image.OpNoop:                        opNoop,
	image.OpPush:                        opPush,
	image.OpEnterCritical:               opStartCritical,
	image.OpLeaveCritical:               opEndCritical,
	image.OpJump:                        opJump,
	image.OpCall:                        opCall,
	image.OpCallAt:                      opCallAt,
	image.OpCallWhen:                    opCallWhen,
	image.OpCallStart:                   opCallStart,
	image.OpExec:                        opExec,
	image.OpSpawn:                       opSpawn,
	image.OpFork:                        opFork,
	image.OpAToD:                        opAToD,
	image.OpDToA:                        opDToA,
	image.OpExit:                        opExit,
	image.OpDetach:                      opDetach,
	image.OpExitProgram:                 opExitProgram,
	image.OpStopProgram:                 opStopProgram,
	image.OpFetchGlobal:                 opFetchGlobal,
	image.OpStoreGlobal:                 opStoreGlobal,
	image.OpFetchExternal:               opFetchExternal,
	image.OpStoreExternal:               opStoreExternal,
	image.OpExportVar:                   opExportVar,
	image.OpExportProc:                  opExportProc,
	image.OpSwap:                        opSwap,
	image.OpSwapA:                       opSwapA,
	image.OpPop:                         opPop,
	image.OpDup:                         opDup,
	image.OpPopReturn:                   opPopReturn,
	image.OpPopExit:                     opPopExit,
	image.OpPopAddress:                  opPopAddress,
	image.OpPopFlags:                    opPopFlags,
	image.OpPopFlagsReturn:              opPopFlagsReturn,
	image.OpPopFlagsExit:                opPopFlagsExit,
	image.OpPopFlagsReturnExtern:        opPopFlagsReturnExtern,
	image.OpPopFlagsExitExtern:          opPopFlagsExitExtern,
	image.OpPopFlagsReturnValExtern:     opPopFlagsReturnValExtern,
	image.OpPopFlagsReturnValExit:       opPopFlagsReturnValExit,
	image.OpPopFlagsReturnValExitExtern: opPopFlagsReturnValExitExtern,
	image.OpCheckArgCount:               opCheckArgCount,
	image.OpLookupProcByName:            opLookupProc,
	image.OpPopBase:                     opPopBase,
	image.OpPopToBase:                   opPopToBase,
	image.OpPushBase:                    opPushBase,
	image.OpSetGlobal:                   opSetGlobal,
	image.OpFetchProcAddress:            opFetchProcAddress,
	image.OpDump:                        opDump,
	image.OpIf:                          opIf,
	image.OpWhile:                       opWhile,
	image.OpStore:                       opStore,
	image.OpFetch:                       opFetch,
	image.OpEqual:                       opEqual,
	image.OpNotEqual:                    opNotEqual,
	image.OpLessEqual:                   opLessEqual,
	image.OpGreaterEqual:                opGreaterEqual,
	image.OpLess:                        opLess,
	image.OpGreater:                     opGreater,
	image.OpAdd:                         opAdd,
	image.OpSub:                         opSub,
	image.OpMul:                         opMul,
	image.OpDiv:                         opDiv,
	image.OpMod:                         opMod,
	image.OpAnd:                         opAnd,
	image.OpOr:                          opOr,
	image.OpBitwiseAnd:                  bitwise("&", func(a, b int32) int32 { return a & b }),
	image.OpBitwiseOr:                   bitwise("|", func(a, b int32) int32 { return a | b }),
	image.OpBitwiseXor:                  bitwise("^", func(a, b int32) int32 { return a ^ b }),
	image.OpBitwiseNot:                  opBitwiseNot,
	image.OpFloor:                       opFloor,
	image.OpNot:                         opNot,
	image.OpNegate:                      opNegate,
	image.OpWait:                        opWait,
	image.OpCancel:                      opCancel,
	image.OpCancelAll:                   opCancelAll,
	image.OpStartCritical:               opStartCritical,
	image.OpEndCritical:                 opEndCritical,
}

func registerBuiltins(c *Context) {
	for op, h := range builtins {
		c.handlers[op.Index()] = h
	}
}
