package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// ProcTable is a typed view over a program's private copy of the
// procedure table. Trigger fields are mutated in place; everything else
// mirrors the image.
type ProcTable struct {
	buf []byte
}

func newProcTable(img *image.Image) ProcTable {
	return ProcTable{buf: img.ProcTable()}
}

// Count returns the number of procedures.
func (t ProcTable) Count() int {
	return int(binary.BigEndian.Uint32(t.buf))
}

func (t ProcTable) field(i, off int) int32 {
	return int32(binary.BigEndian.Uint32(t.buf[4+i*image.ProcRecordSize+off:]))
}

func (t ProcTable) setField(i, off int, v int32) {
	binary.BigEndian.PutUint32(t.buf[4+i*image.ProcRecordSize+off:], uint32(v))
}

func (t ProcTable) check(i int32) error {
	if i < 0 || int(i) >= t.Count() {
		return fmt.Errorf("%w: %d of %d", ErrInvalidProcedure, i, t.Count())
	}
	return nil
}

func (t ProcTable) NameOffset(i int) int32 { return t.field(i, image.ProcFieldName) }
func (t ProcTable) Flags(i int) int32      { return t.field(i, image.ProcFieldFlags) }
func (t ProcTable) Time(i int) int32       { return t.field(i, image.ProcFieldTime) }
func (t ProcTable) Condition(i int) int32  { return t.field(i, image.ProcFieldCondition) }
func (t ProcTable) Body(i int) int32       { return t.field(i, image.ProcFieldBody) }
func (t ProcTable) Args(i int) int32       { return t.field(i, image.ProcFieldArgs) }

func (t ProcTable) SetFlags(i int, v int32)     { t.setField(i, image.ProcFieldFlags, v) }
func (t ProcTable) SetTime(i int, v int32)      { t.setField(i, image.ProcFieldTime, v) }
func (t ProcTable) SetCondition(i int, v int32) { t.setField(i, image.ProcFieldCondition, v) }

// ArmTimed arms a TIMED trigger for the absolute time at. Any pending
// CONDITIONAL trigger is disarmed.
func (t ProcTable) ArmTimed(i int, at int32) {
	t.SetTime(i, at)
	t.SetCondition(i, 0)
	t.SetFlags(i, (t.Flags(i)&^image.ProcConditional)|image.ProcTimed)
}

// ArmConditional arms a CONDITIONAL trigger on predicate address addr.
// Any pending TIMED trigger is disarmed.
func (t ProcTable) ArmConditional(i int, addr int32) {
	t.SetCondition(i, addr)
	t.SetTime(i, 0)
	t.SetFlags(i, (t.Flags(i)&^image.ProcTimed)|image.ProcConditional)
}

// Cancel disarms both triggers of procedure i and clears their payloads.
// Declaration bits such as IMPORTED and CRITICAL survive.
func (t ProcTable) Cancel(i int) {
	t.SetFlags(i, t.Flags(i)&^(image.ProcTimed|image.ProcConditional))
	t.SetTime(i, 0)
	t.SetCondition(i, 0)
}

// Bytes returns the raw table including the count prefix.
func (t ProcTable) Bytes() []byte { return t.buf }
