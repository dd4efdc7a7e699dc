package vm

import (
	"fmt"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

func opJump(c *Context, p *Program) error {
	addr, err := popInt(p, "jmp")
	if err != nil {
		return err
	}
	p.ip = addr
	return nil
}

// opIf pops a condition then a target. A false condition jumps; a true one
// discards the target.
func opIf(c *Context, p *Program) error {
	cond, err := p.stack.Pop()
	if err != nil {
		return err
	}
	target, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if cond.Data == 0 {
		p.ip = target.Data
	}
	return nil
}

// opWhile jumps to the loop exit once the condition is false. While true,
// the exit target stays on the stack for the loop body to drop.
func opWhile(c *Context, p *Program) error {
	cond, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if cond.Data != 0 {
		return nil
	}
	target, err := p.stack.Pop()
	if err != nil {
		return err
	}
	p.ip = target.Data
	return nil
}

func opExitProgram(c *Context, p *Program) error {
	p.flags |= image.FlagExited
	return nil
}

func opStopProgram(c *Context, p *Program) error {
	p.flags |= image.FlagStopped
	return nil
}

func opStartCritical(c *Context, p *Program) error {
	p.flags |= image.FlagCritical
	return nil
}

func opEndCritical(c *Context, p *Program) error {
	p.flags &^= image.FlagCritical
	return nil
}

// popProc pops a procedure index and checks it against the table.
func popProc(p *Program, what string) (int, error) {
	i, err := popInt(p, what)
	if err != nil {
		return 0, err
	}
	if err := p.procs.check(i); err != nil {
		return 0, err
	}
	return int(i), nil
}

// opCall enters a procedure. Local procedures run in place. Imported ones
// run in their exporting program while the caller blocks.
func opCall(c *Context, p *Program) error {
	i, err := popProc(p, "call")
	if err != nil {
		return err
	}
	flags := p.procs.Flags(i)
	if flags&image.ProcImported == 0 {
		p.ip = p.procs.Body(i)
		if flags&image.ProcCritical != 0 {
			p.flags |= image.FlagCritical
		}
		return nil
	}

	name := p.ProcName(i)
	exp, ok := c.exports.Procedure(name)
	callee := c.programs[exp.Program]
	if !ok || callee == nil || callee.dead() {
		return fmt.Errorf("%w: %s", ErrUnresolvedExternalProcedure, name)
	}
	argc, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if !argc.IsInt() || argc.Data != exp.Args {
		return fmt.Errorf("%w: %s expects %d, got %d", ErrArgumentCountMismatch, name, exp.Args, argc.Data)
	}
	args := make([]Value, argc.Data)
	for k := len(args) - 1; k >= 0; k-- {
		if args[k], err = p.stack.Pop(); err != nil {
			return err
		}
	}

	if err := pushCallerFrame(p, callee, callee.ip, image.PadExternCallReturn); err != nil {
		c.fault(callee, err)
		return err
	}
	if err := pushState(callee, callee); err != nil {
		c.fault(callee, err)
		return err
	}
	for _, v := range args {
		if v.IsString() {
			s, err := p.StringOf(v)
			if err != nil {
				return err
			}
			if err := callee.PushString(s); err != nil {
				c.fault(callee, err)
				return err
			}
			continue
		}
		if err := callee.stack.Push(v); err != nil {
			c.fault(callee, err)
			return err
		}
	}
	if err := callee.stack.Push(Int(argc.Data)); err != nil {
		c.fault(callee, err)
		return err
	}

	callee.windowID = p.windowID
	callee.caller = p.Handle
	callee.callPending = true
	p.flags |= image.FlagBlockedCall
	callee.flags &= 0xFFFF0000
	callee.ip = exp.Address
	if flags&image.ProcCritical != 0 || p.flags&image.FlagCritical != 0 {
		callee.flags |= image.FlagCritical
	}
	return nil
}

// opCallAt arms a TIMED trigger delay seconds from now.
func opCallAt(c *Context, p *Program) error {
	i, err := popProc(p, "call_at")
	if err != nil {
		return err
	}
	delay, err := popInt(p, "call_at")
	if err != nil {
		return err
	}
	at := uint32(int64(delay)*1000 + int64(c.Now()))
	p.procs.ArmTimed(i, int32(at))
	return nil
}

// opCallWhen arms a CONDITIONAL trigger on the predicate at addr.
func opCallWhen(c *Context, p *Program) error {
	proc, err := p.stack.Pop()
	if err != nil {
		return err
	}
	addr, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if !proc.IsInt() || !addr.IsInt() {
		return fmt.Errorf("%w: call_when wants int operands", ErrTypeMismatch)
	}
	if err := p.procs.check(proc.Data); err != nil {
		return err
	}
	p.procs.ArmConditional(int(proc.Data), addr.Data)
	return nil
}

// opWait suspends the program for n milliseconds.
func opWait(c *Context, p *Program) error {
	n, err := popInt(p, "wait")
	if err != nil {
		return err
	}
	p.waitStart = c.Now()
	p.waitEnd = p.waitStart + uint32(n)
	p.waitArmed = true
	p.flags |= image.FlagWaiting
	return nil
}

func opCancel(c *Context, p *Program) error {
	i, err := popProc(p, "cancel")
	if err != nil {
		return err
	}
	p.procs.Cancel(i)
	return nil
}

func opCancelAll(c *Context, p *Program) error {
	for i := 0; i < p.procs.Count(); i++ {
		p.procs.Cancel(i)
	}
	return nil
}

// opCheckArgCount pops an expected count then a procedure index.
func opCheckArgCount(c *Context, p *Program) error {
	want, err := p.stack.Pop()
	if err != nil {
		return err
	}
	i, err := popProc(p, "check_arg_count")
	if err != nil {
		return err
	}
	if got := p.procs.Args(i); got != want.Data {
		return fmt.Errorf("%w: %s declares %d, expected %d", ErrArgumentCountMismatch, p.ProcName(i), got, want.Data)
	}
	return nil
}

// opLookupProc resolves a procedure name, skipping the entry procedure.
func opLookupProc(c *Context, p *Program) error {
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	if !v.IsString() {
		return fmt.Errorf("%w: lookup_proc wants string, got %v", ErrTypeMismatch, v)
	}
	name, err := p.StringOf(v)
	if err != nil {
		return err
	}
	i := p.findProc(name, 1)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrProcNotFound, name)
	}
	return p.stack.Push(Int(int32(i)))
}

func opFetchProcAddress(c *Context, p *Program) error {
	i, err := popExactInt(p, "fetch_proc_address")
	if err != nil {
		return err
	}
	if err := p.procs.check(i); err != nil {
		return err
	}
	return p.stack.Push(Int(p.procs.Body(int(i))))
}
