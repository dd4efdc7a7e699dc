package vm

import (
	"encoding/binary"
	"fmt"
)

// StackSize is the byte capacity of each operand and return stack.
const StackSize = 0x800

// SlotSize is the width of one tagged value on a stack: payload then tag.
const SlotSize = 6

// Stack is a fixed-capacity byte stack of big-endian tagged values. A value
// is pushed payload first and tag second, so the tag is popped first.
type Stack struct {
	data [StackSize]byte
	sp   int
}

// Len returns the stack pointer in bytes.
func (s *Stack) Len() int { return s.sp }

// Bytes returns the live portion of the stack.
func (s *Stack) Bytes() []byte { return s.data[:s.sp] }

// Reset restores the stack from a saved image.
func (s *Stack) Reset(b []byte) error {
	if len(b) >= StackSize {
		return fmt.Errorf("%w: %d bytes", ErrStackOverflow, len(b))
	}
	s.data = [StackSize]byte{}
	copy(s.data[:], b)
	s.sp = len(b)
	return nil
}

func (s *Stack) pushShort(v uint16) error {
	if s.sp+2 >= StackSize {
		return fmt.Errorf("%w: push short at %d", ErrStackOverflow, s.sp)
	}
	binary.BigEndian.PutUint16(s.data[s.sp:], v)
	s.sp += 2
	return nil
}

func (s *Stack) pushLong(v int32) error {
	if s.sp+4 >= StackSize {
		return fmt.Errorf("%w: push long at %d", ErrStackOverflow, s.sp)
	}
	binary.BigEndian.PutUint32(s.data[s.sp:], uint32(v))
	s.sp += 4
	return nil
}

func (s *Stack) popShort() (uint16, error) {
	if s.sp < 2 {
		return 0, fmt.Errorf("%w: short", ErrStackUnderflow)
	}
	s.sp -= 2
	return binary.BigEndian.Uint16(s.data[s.sp:]), nil
}

func (s *Stack) popLong() (int32, error) {
	if s.sp < 4 {
		return 0, fmt.Errorf("%w: long", ErrStackUnderflow)
	}
	s.sp -= 4
	return int32(binary.BigEndian.Uint32(s.data[s.sp:])), nil
}

// Push pushes one tagged value.
func (s *Stack) Push(v Value) error {
	if err := s.pushLong(v.Data); err != nil {
		return err
	}
	return s.pushShort(uint16(v.Tag))
}

// Pop pops one tagged value.
func (s *Stack) Pop() (Value, error) {
	tag, err := s.popShort()
	if err != nil {
		return Value{}, err
	}
	data, err := s.popLong()
	if err != nil {
		return Value{}, err
	}
	return Value{Tag: tagOf(tag), Data: data}, nil
}

// Load reads the slot at byte address addr.
func (s *Stack) Load(addr int) (Value, error) {
	if addr < 0 || addr+SlotSize > StackSize {
		return Value{}, fmt.Errorf("%w: slot address %d", ErrMalformedInstruction, addr)
	}
	return Value{
		Tag:  tagOf(binary.BigEndian.Uint16(s.data[addr+4:])),
		Data: int32(binary.BigEndian.Uint32(s.data[addr:])),
	}, nil
}

// Store writes v into the slot at byte address addr.
func (s *Stack) Store(addr int, v Value) error {
	if addr < 0 || addr+SlotSize > StackSize {
		return fmt.Errorf("%w: slot address %d", ErrMalformedInstruction, addr)
	}
	binary.BigEndian.PutUint32(s.data[addr:], uint32(v.Data))
	binary.BigEndian.PutUint16(s.data[addr+4:], uint16(v.Tag))
	return nil
}

// Values decodes the live stack bottom to top. Frames that are not slot
// aligned are decoded from the top down and the remainder is skipped.
func (s *Stack) Values() []Value {
	n := s.sp / SlotSize
	out := make([]Value, n)
	for i := 0; i < n; i++ {
		addr := s.sp - (n-i)*SlotSize
		out[i], _ = s.Load(addr)
	}
	return out
}
