package vm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// Value is a tagged operand: a 32-bit payload and its 16-bit type tag.
// String payloads are offsets into the owning program's static strings
// or dynamic heap, so a string value is only meaningful with its program.
type Value struct {
	Tag  image.Tag
	Data int32
}

// Int returns an INT value.
func Int(v int32) Value {
	return Value{Tag: image.TagInt, Data: v}
}

// Float returns a FLOAT value.
func Float(f float32) Value {
	return Value{Tag: image.TagFloat, Data: int32(math.Float32bits(f))}
}

// StaticString returns a STRING value referencing the static strings blob.
func StaticString(off int32) Value {
	return Value{Tag: image.TagString, Data: off}
}

// DynamicString returns a DYNAMIC_STRING value referencing the heap.
func DynamicString(off int32) Value {
	return Value{Tag: image.TagDynamicString, Data: off}
}

// Float32 reinterprets the payload as an IEEE float.
func (v Value) Float32() float32 {
	return math.Float32frombits(uint32(v.Data))
}

// IsString reports whether v is a static or dynamic string.
func (v Value) IsString() bool {
	return v.Tag.IsString()
}

// IsInt reports whether v carries the INT tag, ignoring the dynamic bit.
func (v Value) IsInt() bool {
	return v.Tag&image.TagMask == image.TagInt
}

// floatTruthy tests the payload with the sign bit masked, so -0.0 is false.
func floatTruthy(data int32) bool {
	return data&0x7FFFFFFF != 0
}

func formatInt(v int32) string {
	return strconv.FormatInt(int64(v), 10)
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', 5, 64)
}

func (v Value) String() string {
	switch v.Tag {
	case image.TagInt:
		return fmt.Sprintf("int(%d)", v.Data)
	case image.TagFloat:
		return fmt.Sprintf("float(%s)", formatFloat(v.Float32()))
	case image.TagString:
		return fmt.Sprintf("string(@%d)", v.Data)
	case image.TagDynamicString:
		return fmt.Sprintf("dstring(@%d)", v.Data)
	}
	return fmt.Sprintf("%v(%d)", v.Tag, v.Data)
}

func tagOf(v uint16) image.Tag {
	return image.Tag(v)
}
