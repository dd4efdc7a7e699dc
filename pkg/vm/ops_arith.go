package vm

import (
	"fmt"
	"math"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// binaryOperands pops the right operand then the left.
func binaryOperands(p *Program) (a, b Value, err error) {
	if b, err = p.stack.Pop(); err != nil {
		return
	}
	a, err = p.stack.Pop()
	return
}

func mismatch(op string, a, b Value) error {
	return fmt.Errorf("%w: %v %s %v", ErrTypeMismatch, a, op, b)
}

func numeric(v Value) bool {
	return v.Tag == image.TagInt || v.Tag == image.TagFloat
}

// asFloat widens an INT or passes a FLOAT through.
func asFloat(v Value) float32 {
	if v.Tag == image.TagFloat {
		return v.Float32()
	}
	return float32(v.Data)
}

// opAdd adds numbers or concatenates when either side is a string. INT
// overflow promotes the result to FLOAT.
func opAdd(c *Context, p *Program) error {
	a, b, err := binaryOperands(p)
	if err != nil {
		return err
	}
	if a.IsString() || b.IsString() {
		if !a.IsString() && !numeric(a) || !b.IsString() && !numeric(b) {
			return mismatch("+", a, b)
		}
		left, err := p.Text(a)
		if err != nil {
			return err
		}
		right, err := p.Text(b)
		if err != nil {
			return err
		}
		return p.PushString(left + right)
	}
	switch {
	case a.Tag == image.TagInt && b.Tag == image.TagInt:
		sum := int64(a.Data) + int64(b.Data)
		if sum > math.MaxInt32 || sum < math.MinInt32 {
			return p.stack.Push(Float(float32(sum)))
		}
		return p.stack.Push(Int(int32(sum)))
	case numeric(a) && numeric(b):
		return p.stack.Push(Float(asFloat(a) + asFloat(b)))
	}
	return mismatch("+", a, b)
}

func opSub(c *Context, p *Program) error {
	a, b, err := binaryOperands(p)
	if err != nil {
		return err
	}
	switch {
	case a.Tag == image.TagInt && b.Tag == image.TagInt:
		return p.stack.Push(Int(a.Data - b.Data))
	case numeric(a) && numeric(b):
		return p.stack.Push(Float(asFloat(a) - asFloat(b)))
	}
	return mismatch("-", a, b)
}

func opMul(c *Context, p *Program) error {
	a, b, err := binaryOperands(p)
	if err != nil {
		return err
	}
	switch {
	case a.Tag == image.TagInt && b.Tag == image.TagInt:
		return p.stack.Push(Int(a.Data * b.Data))
	case numeric(a) && numeric(b):
		return p.stack.Push(Float(asFloat(a) * asFloat(b)))
	}
	return mismatch("*", a, b)
}

// opDiv divides; a zero divisor of either type is fatal.
func opDiv(c *Context, p *Program) error {
	a, b, err := binaryOperands(p)
	if err != nil {
		return err
	}
	if !numeric(a) || !numeric(b) {
		return mismatch("/", a, b)
	}
	if asFloat(b) == 0 {
		return fmt.Errorf("%w: %v / %v", ErrDivisionByZero, a, b)
	}
	if a.Tag == image.TagInt && b.Tag == image.TagInt {
		if a.Data == math.MinInt32 && b.Data == -1 {
			return p.stack.Push(Float(-float32(math.MinInt32)))
		}
		return p.stack.Push(Int(a.Data / b.Data))
	}
	return p.stack.Push(Float(asFloat(a) / asFloat(b)))
}

// opMod is defined on INT operands only.
func opMod(c *Context, p *Program) error {
	a, b, err := binaryOperands(p)
	if err != nil {
		return err
	}
	if a.Tag != image.TagInt || b.Tag != image.TagInt {
		return mismatch("%", a, b)
	}
	if b.Data == 0 {
		return fmt.Errorf("%w: %v %% %v", ErrDivisionByZero, a, b)
	}
	if b.Data == -1 {
		return p.stack.Push(Int(0))
	}
	return p.stack.Push(Int(a.Data % b.Data))
}

// bitsThroughFloat converts a FLOAT payload for bitwise use by casting the
// raw word through float and back.
func bitsThroughFloat(v Value) int32 {
	if v.Tag == image.TagFloat {
		return int32(float32(v.Data))
	}
	return v.Data
}

func bitwise(op string, f func(a, b int32) int32) Handler {
	return func(c *Context, p *Program) error {
		a, b, err := binaryOperands(p)
		if err != nil {
			return err
		}
		if !numeric(a) || !numeric(b) {
			return mismatch(op, a, b)
		}
		return p.stack.Push(Int(f(bitsThroughFloat(a), bitsThroughFloat(b))))
	}
}

func opBitwiseNot(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	return p.stack.Push(Int(^v.Data))
}

func opNot(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	return p.stack.Push(Int(boolWord(v.Data == 0)))
}

func opNegate(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	return p.stack.Push(Int(-v.Data))
}

// opFloor truncates a FLOAT toward zero. Static strings are rejected.
func opFloor(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	switch v.Tag {
	case image.TagString:
		return fmt.Errorf("%w: floor of string", ErrTypeMismatch)
	case image.TagFloat:
		v = Int(int32(v.Float32()))
	}
	return p.stack.Push(v)
}

// truthy evaluates a value as a logical operand: strings are true, floats
// ignore the sign bit.
func truthy(v Value) (bool, error) {
	switch {
	case v.IsString():
		return true, nil
	case v.Tag == image.TagFloat:
		return floatTruthy(v.Data), nil
	case v.Tag == image.TagInt:
		return v.Data != 0, nil
	}
	return false, fmt.Errorf("%w: %v has no truth value", ErrTypeMismatch, v)
}

// opAnd is true when both sides are true. A string with a string is true;
// a string with a number is decided by the number.
func opAnd(c *Context, p *Program) error {
	a, b, err := binaryOperands(p)
	if err != nil {
		return err
	}
	ta, err := truthy(a)
	if err != nil {
		return err
	}
	tb, err := truthy(b)
	if err != nil {
		return err
	}
	return p.stack.Push(Int(boolWord(ta && tb)))
}

// opOr is true when either side is true; any string operand makes it true.
func opOr(c *Context, p *Program) error {
	a, b, err := binaryOperands(p)
	if err != nil {
		return err
	}
	ta, err := truthy(a)
	if err != nil {
		return err
	}
	tb, err := truthy(b)
	if err != nil {
		return err
	}
	return p.stack.Push(Int(boolWord(ta || tb)))
}
