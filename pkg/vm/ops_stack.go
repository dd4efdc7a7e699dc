package vm

import (
	"fmt"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

func opNoop(c *Context, p *Program) error { return nil }

// opPush pushes a 4-byte immediate tagged with the instruction word.
func opPush(c *Context, p *Program) error {
	data, err := p.fetchLong()
	if err != nil {
		return err
	}
	return p.stack.Push(Value{Tag: image.Tag(p.flags >> 16), Data: data})
}

func popInt(p *Program, what string) (int32, error) {
	v, err := p.stack.Pop()
	if err != nil {
		return 0, err
	}
	if !v.IsInt() {
		return 0, fmt.Errorf("%w: %s wants int, got %v", ErrTypeMismatch, what, v)
	}
	return v.Data, nil
}

// popExactInt rejects a dynamic-flagged INT as well.
func popExactInt(p *Program, what string) (int32, error) {
	v, err := p.stack.Pop()
	if err != nil {
		return 0, err
	}
	if v.Tag != image.TagInt {
		return 0, fmt.Errorf("%w: %s wants int, got %v", ErrTypeMismatch, what, v)
	}
	return v.Data, nil
}

func opPop(c *Context, p *Program) error {
	_, err := p.stack.Pop()
	return err
}

func opDup(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if err := p.stack.Push(v); err != nil {
		return err
	}
	return p.stack.Push(v)
}

func opSwap(c *Context, p *Program) error {
	return swap(&p.stack)
}

func opSwapA(c *Context, p *Program) error {
	return swap(&p.rstack)
}

func swap(s *Stack) error {
	a, err := s.Pop()
	if err != nil {
		return err
	}
	b, err := s.Pop()
	if err != nil {
		return err
	}
	if err := s.Push(a); err != nil {
		return err
	}
	return s.Push(b)
}

// opAToD moves the top of the return stack to the operand stack.
func opAToD(c *Context, p *Program) error {
	v, err := p.rstack.Pop()
	if err != nil {
		return err
	}
	return p.stack.Push(v)
}

// opDToA moves the top of the operand stack to the return stack.
func opDToA(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	return p.rstack.Push(v)
}

func opPopAddress(c *Context, p *Program) error {
	_, err := p.rstack.Pop()
	return err
}

// opDump pops a count and discards that many values.
func opDump(c *Context, p *Program) error {
	n, err := popExactInt(p, "dump")
	if err != nil {
		return err
	}
	for ; n > 0; n-- {
		if _, err := p.stack.Pop(); err != nil {
			return err
		}
	}
	return nil
}

// opPushBase opens a frame over the top n values.
func opPushBase(c *Context, p *Program) error {
	n, err := popInt(p, "push_base")
	if err != nil {
		return err
	}
	if err := p.rstack.Push(Int(p.fp)); err != nil {
		return err
	}
	p.fp = int32(p.stack.Len()) - SlotSize*n
	return nil
}

func opPopBase(c *Context, p *Program) error {
	v, err := p.rstack.Pop()
	if err != nil {
		return err
	}
	if v.Tag != image.TagInt {
		return fmt.Errorf("%w: pop_base got %v", ErrTypeMismatch, v)
	}
	p.fp = v.Data
	return nil
}

// opPopToBase discards everything above the frame base.
func opPopToBase(c *Context, p *Program) error {
	for int32(p.stack.Len()) != p.fp {
		if _, err := p.stack.Pop(); err != nil {
			return err
		}
	}
	return nil
}

func opSetGlobal(c *Context, p *Program) error {
	p.bp = int32(p.stack.Len())
	return nil
}

func opFetch(c *Context, p *Program) error {
	i, err := popExactInt(p, "fetch")
	if err != nil {
		return err
	}
	v, err := p.stack.Load(int(p.fp + SlotSize*i))
	if err != nil {
		return err
	}
	return p.stack.Push(v)
}

// opStore pops a slot index then the value to store.
func opStore(c *Context, p *Program) error {
	i, err := p.stack.Pop()
	if err != nil {
		return err
	}
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	return p.stack.Store(int(p.fp+SlotSize*i.Data), v)
}

func opFetchGlobal(c *Context, p *Program) error {
	i, err := p.stack.Pop()
	if err != nil {
		return err
	}
	v, err := p.stack.Load(int(p.bp + SlotSize*i.Data))
	if err != nil {
		return err
	}
	return p.stack.Push(v)
}

func opStoreGlobal(c *Context, p *Program) error {
	i, err := p.stack.Pop()
	if err != nil {
		return err
	}
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	return p.stack.Store(int(p.bp+SlotSize*i.Data), v)
}

// opPopFlags restores window, wait state and flags saved by a call setup.
func opPopFlags(c *Context, p *Program) error {
	return popFlags(p)
}

func popFlags(p *Program) error {
	window, err := p.stack.Pop()
	if err != nil {
		return err
	}
	wait, err := p.stack.Pop()
	if err != nil {
		return err
	}
	flags, err := p.stack.Pop()
	if err != nil {
		return err
	}
	p.windowID = window.Data
	p.waitArmed = wait.Data != 0
	p.setFlags(uint32(flags.Data))
	return nil
}

func opPopReturn(c *Context, p *Program) error {
	return popReturn(p)
}

func popReturn(p *Program) error {
	v, err := p.rstack.Pop()
	if err != nil {
		return err
	}
	p.ip = v.Data
	return nil
}

// opPopExit returns and ends the current nested run.
func opPopExit(c *Context, p *Program) error {
	return popExit(p)
}

func popExit(p *Program) error {
	if err := popReturn(p); err != nil {
		return err
	}
	p.flags |= image.FlagNestedReturn
	return nil
}

func opPopFlagsReturn(c *Context, p *Program) error {
	if err := popFlags(p); err != nil {
		return err
	}
	return popReturn(p)
}

func opPopFlagsExit(c *Context, p *Program) error {
	if err := popFlags(p); err != nil {
		return err
	}
	return popExit(p)
}

// opPopFlagsReturnValExit keeps the procedure result on top.
func opPopFlagsReturnValExit(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if err := popFlags(p); err != nil {
		return err
	}
	if err := popExit(p); err != nil {
		return err
	}
	return p.stack.Push(v)
}

// restoreCaller pops the caller frame pushed by an external call setup and
// unblocks the caller. The caller may already be gone.
func (c *Context) restoreCaller(p *Program) (*Program, error) {
	ref, err := p.rstack.Pop()
	if err != nil {
		return nil, err
	}
	wait, err := p.rstack.Pop()
	if err != nil {
		return nil, err
	}
	flags, err := p.rstack.Pop()
	if err != nil {
		return nil, err
	}
	p.caller = 0
	p.callPending = false
	caller := c.programs[Handle(ref.Data)]
	if caller == nil {
		return nil, nil
	}
	caller.waitArmed = wait.Data != 0
	caller.flags = uint32(flags.Data)
	return caller, nil
}

func opPopFlagsReturnExtern(c *Context, p *Program) error {
	if err := popFlags(p); err != nil {
		return err
	}
	if _, err := c.restoreCaller(p); err != nil {
		return err
	}
	return popReturn(p)
}

func opPopFlagsExitExtern(c *Context, p *Program) error {
	if err := popFlags(p); err != nil {
		return err
	}
	if _, err := c.restoreCaller(p); err != nil {
		return err
	}
	return popExit(p)
}

// opPopFlagsReturnValExitExtern leaves the result with the callee.
func opPopFlagsReturnValExitExtern(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if err := popFlags(p); err != nil {
		return err
	}
	if _, err := c.restoreCaller(p); err != nil {
		return err
	}
	if err := popExit(p); err != nil {
		return err
	}
	return p.stack.Push(v)
}

// opPopFlagsReturnValExtern hands the result of an external call back to
// the caller and resumes both programs.
func opPopFlagsReturnValExtern(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if err := popFlags(p); err != nil {
		return err
	}
	caller, err := c.restoreCaller(p)
	if err != nil {
		return err
	}
	if caller == nil {
		return popReturn(p)
	}

	if v.IsString() {
		s, err := p.StringOf(v)
		if err != nil {
			return err
		}
		if err := caller.PushString(s); err != nil {
			c.fault(caller, err)
		}
	} else if err := caller.stack.Push(v); err != nil {
		c.fault(caller, err)
	}
	if caller.flags&image.FlagCritical != 0 {
		p.flags &^= image.FlagCritical
	}

	if err := popReturn(p); err != nil {
		return err
	}
	if !caller.dead() {
		if err := popReturn(caller); err != nil {
			c.fault(caller, err)
		}
	}
	return nil
}
