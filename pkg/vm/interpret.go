package vm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// interrupting flags end a burst.
const interrupting = image.FlagExited | image.FlagFault | image.FlagStopped |
	image.FlagBlockedCall | image.FlagNestedReturn | image.FlagBlockedChild

// interpret runs p for up to burst opcodes. A negative burst runs until an
// interrupting flag is raised. Critical sections ignore the budget.
func (c *Context) interpret(p *Program, burst int) {
	if !c.enabled || c.busy || p.purged {
		return
	}
	if p.flags&(image.FlagBlockedCall|image.FlagBlockedChild) != 0 {
		return
	}
	if p.flags&image.FlagCritical != 0 && burst < 3 {
		burst = 3
	}

	prev := c.current
	c.current = p
	defer func() { c.current = prev }()

	for {
		if p.flags&image.FlagCritical == 0 {
			burst--
			if burst == -1 {
				break
			}
		}
		if p.flags&interrupting != 0 {
			break
		}

		if p.flags&image.FlagWaiting != 0 {
			c.busy = true
			done := c.cfg.Wait(c, p)
			c.busy = false
			if !done {
				if p.flags&image.FlagCritical == 0 {
					break
				}
				continue
			}
			p.waitArmed = false
			p.flags &^= image.FlagWaiting
		}

		if err := c.step(p); err != nil {
			c.fault(p, err)
			return
		}
	}

	if p.flags&image.FlagExited != 0 {
		if parent := c.programs[p.parent]; parent != nil && parent.flags&image.FlagBlockedCall != 0 {
			parent.flags &^= image.FlagBlockedCall
			parent.child = 0
			p.parent = 0
		}
	}
	p.flags &^= image.FlagNestedReturn
}

// step decodes and dispatches one opcode.
func (c *Context) step(p *Program) error {
	ip := p.ip
	w, err := p.fetchWord()
	if err != nil {
		return err
	}
	p.flags = p.flags&0xFFFF | uint32(w)<<16

	op := image.Opcode(w)
	if !op.Valid() {
		return fmt.Errorf("%w: %#04x at %#x", ErrMalformedInstruction, w, ip)
	}
	h := c.handlers[op.Index()]
	if h == nil {
		return fmt.Errorf("%w: %#04x at %#x", ErrUndefinedOpcode, w, ip)
	}
	if e := c.log.Trace(); e.Enabled() {
		e.Str("program", p.Name).Int32("ip", ip).Str("op", op.String()).Msg("dispatch")
	}
	return h(c, p)
}

// fault ends p with a fatal error and reports it.
func (c *Context) fault(p *Program, err error) {
	f := &Fault{
		Program:   p.Name,
		Procedure: p.CurrentProc(),
		IP:        p.ip,
		Opcode:    uint16(p.flags >> 16),
		Err:       err,
	}
	p.flags |= image.FlagExited | image.FlagFault
	p.fault = f
	c.log.Error().
		Err(err).
		Str("program", f.Program).
		Str("procedure", f.Procedure).
		Int32("ip", f.IP).
		Str("op", image.Opcode(f.Opcode).String()).
		Msg("program fault")
	c.Emit(p, FaultPrefix+f.Error())
}

// Update runs one scheduler tick: a burst for every program, removal of
// finished programs, then the trigger scan.
func (c *Context) Update() {
	if !c.enabled {
		return
	}
	for e := c.registry.Front(); e != nil; {
		next := e.Next()
		p := e.Value.(*Program)
		c.interpret(p, c.cfg.BurstSize)
		if p.dead() {
			c.removeProgram(p)
		} else if c.cfg.HeapSweepThreshold > 0 && p.heap.Used() >= c.cfg.HeapSweepThreshold {
			c.sweep(p)
		}
		e = next
	}
	c.doEvents()
}

// RunScript loads name through the resolver and loader, registers it and
// runs its first burst.
func (c *Context) RunScript(name string) (*Program, error) {
	p, err := c.Load(name)
	if err != nil {
		return nil, err
	}
	c.RunProgram(p)
	c.interpret(p, RunScriptBurst)
	return p, nil
}

// Load parses a script into a new program without registering it.
func (c *Context) Load(name string) (*Program, error) {
	if c.cfg.Loader == nil {
		return nil, fmt.Errorf("%w: %s: no loader", ErrScriptNotFound, name)
	}
	resolved := c.cfg.Resolver.Resolve(name)
	data, err := c.cfg.Loader.Load(resolved)
	if err != nil {
		if errors.Is(err, ErrScriptNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, resolved, err)
	}
	img, err := image.Parse(name, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, resolved, err)
	}
	c.nextHandle++
	return newProgram(c.nextHandle, name, img), nil
}

// RunProgram marks p running and inserts it at the head of the registry.
func (c *Context) RunProgram(p *Program) {
	p.flags |= image.FlagRunning
	c.insert(p)
}

func (c *Context) insert(p *Program) {
	if p.Handle == 0 {
		c.nextHandle++
		p.Handle = c.nextHandle
	} else if p.Handle > c.nextHandle {
		c.nextHandle = p.Handle
	}
	c.programs[p.Handle] = p
	c.nodes[p.Handle] = c.registry.PushFront(p)
}

// Program returns the program with handle h.
func (c *Context) Program(h Handle) (*Program, bool) {
	p, ok := c.programs[h]
	return p, ok
}

// Programs returns registered programs, most recently started first.
func (c *Context) Programs() []*Program {
	out := make([]*Program, 0, c.registry.Len())
	for e := c.registry.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Program))
	}
	return out
}

// ProgramNames returns the names of registered programs in registry order.
func (c *Context) ProgramNames() []string {
	out := make([]string, 0, c.registry.Len())
	for e := c.registry.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Program).Name)
	}
	return out
}

// Remove terminates and unregisters program h.
func (c *Context) Remove(h Handle) error {
	p, ok := c.programs[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoProgram, h)
	}
	c.removeProgram(p)
	return nil
}

// ClearPrograms unregisters every program and empties the export table.
func (c *Context) ClearPrograms() {
	for e := c.registry.Front(); e != nil; {
		next := e.Next()
		c.removeProgram(e.Value.(*Program))
		e = next
	}
	c.exports.Reset()
}

func (c *Context) removeProgram(p *Program) {
	c.detach(p)
	if p.caller != 0 {
		c.abandonCall(p)
	}
	for h := p.child; h != 0; {
		child := c.programs[h]
		if child == nil {
			break
		}
		c.purge(child)
		child.parent = 0
		h = child.child
		child.child = 0
	}
	p.child = 0
	c.purge(p)
	p.flags |= image.FlagExited

	if e, ok := c.nodes[p.Handle]; ok {
		c.registry.Remove(e)
		delete(c.nodes, p.Handle)
	}
	delete(c.programs, p.Handle)
	c.log.Debug().Str("program", p.Name).Int32("handle", int32(p.Handle)).Msg("program removed")
}

func (c *Context) purge(p *Program) {
	if !p.purged {
		c.exports.RemoveProgram(p.Handle)
		p.purged = true
	}
}

// detach unlinks p from its parent and wakes the parent.
func (c *Context) detach(p *Program) {
	parent := c.programs[p.parent]
	if parent == nil {
		return
	}
	if parent.child == p.Handle {
		parent.flags &^= image.FlagBlockedCall | image.FlagBlockedChild
		parent.child = 0
	}
	p.parent = 0
}

// abandonCall resumes a caller whose external callee died before
// returning. A caller blocked in a call instruction sees INT 0 as the
// result.
func (c *Context) abandonCall(callee *Program) {
	caller := c.programs[callee.caller]
	callee.caller = 0
	if caller == nil || caller.flags&image.FlagBlockedCall == 0 {
		return
	}
	caller.flags &^= image.FlagBlockedCall
	if !callee.callPending {
		return
	}
	callee.callPending = false
	if err := caller.stack.Push(Int(0)); err != nil {
		c.fault(caller, err)
		return
	}
	if err := popReturn(caller); err != nil {
		c.fault(caller, err)
	}
}

// FindProcedure returns the index of a procedure in program h.
func (c *Context) FindProcedure(h Handle, name string) (int, error) {
	p, ok := c.programs[h]
	if !ok {
		return -1, fmt.Errorf("%w: %d", ErrNoProgram, h)
	}
	i := p.FindProcedure(name)
	if i < 0 {
		return -1, fmt.Errorf("%w: %s in %s", ErrProcNotFound, name, p.Name)
	}
	return i, nil
}

// ExecuteProcedure runs procedure i of program h to completion before
// returning. Imported procedures run in their exporting program.
func (c *Context) ExecuteProcedure(h Handle, i int) error {
	p, ok := c.programs[h]
	if !ok || p.dead() {
		return fmt.Errorf("%w: %d", ErrNoProgram, h)
	}
	if err := p.procs.check(int32(i)); err != nil {
		return err
	}

	if p.procs.Flags(i)&image.ProcImported == 0 {
		if err := c.setupCall(p, p.procs.Body(i), image.PadExecuteReturn); err != nil {
			c.fault(p, err)
			return err
		}
		c.interpret(p, -1)
		return c.faultOf(p)
	}

	callee, addr, err := c.resolveInterrupt(p, i)
	if err != nil {
		return err
	}
	saved := p.flags
	if err := c.setupExternalCall(p, callee, addr, image.PadExternExecuteReturn); err != nil {
		c.fault(callee, err)
		return err
	}
	c.interpret(callee, -1)
	if callee.Faulted() {
		// The callee never reached its return pad.
		p.flags = saved
		callee.caller = 0
		return c.faultOf(callee)
	}
	return nil
}

// ExecuteProc diverts program h into procedure i the way a fired trigger
// does: it runs with the program's next burst unless it is critical.
func (c *Context) ExecuteProc(h Handle, i int) error {
	p, ok := c.programs[h]
	if !ok || p.dead() {
		return fmt.Errorf("%w: %d", ErrNoProgram, h)
	}
	if err := p.procs.check(int32(i)); err != nil {
		return err
	}
	return c.executeProc(p, i)
}

func (c *Context) executeProc(p *Program, i int) error {
	flags := p.procs.Flags(i)
	if flags&image.ProcImported == 0 {
		if err := c.setupCall(p, p.procs.Body(i), image.PadTriggerReturn); err != nil {
			c.fault(p, err)
			return err
		}
		if flags&image.ProcCritical != 0 {
			p.flags |= image.FlagCritical
			c.interpret(p, 0)
		}
		return nil
	}

	callee, addr, err := c.resolveInterrupt(p, i)
	if err != nil {
		c.Emit(p, err.Error())
		return err
	}
	if err := c.setupExternalCall(p, callee, addr, image.PadExternTriggerReturn); err != nil {
		c.fault(callee, err)
		return err
	}
	if j := callee.FindProcedure(p.ProcName(i)); j >= 0 && callee.procs.Flags(j)&image.ProcCritical != 0 {
		callee.flags |= image.FlagCritical
		c.interpret(callee, 0)
	}
	return nil
}

// resolveInterrupt finds the exporter of imported procedure i. Procedures
// entered outside a call instruction cannot take arguments.
func (c *Context) resolveInterrupt(p *Program, i int) (*Program, int32, error) {
	name := p.ProcName(i)
	exp, ok := c.exports.Procedure(name)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnresolvedExternalProcedure, name)
	}
	callee := c.programs[exp.Program]
	if callee == nil || callee.dead() {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnresolvedExternalProcedure, name)
	}
	if exp.Args != 0 {
		return nil, 0, fmt.Errorf("%w: %s takes %d", ErrInterruptArgs, name, exp.Args)
	}
	return callee, exp.Address, nil
}

func (c *Context) faultOf(p *Program) error {
	if p.fault != nil {
		return p.fault
	}
	return nil
}

func boolWord(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// setupCallWithReturnVal saves p's resume state and enters addr. The
// procedure returns through the pad at ret.
func (c *Context) setupCallWithReturnVal(p *Program, addr, ret int32) error {
	if err := p.rstack.Push(Int(p.ip)); err != nil {
		return err
	}
	if err := p.rstack.Push(Int(ret)); err != nil {
		return err
	}
	if err := pushState(p, p); err != nil {
		return err
	}
	p.flags &= 0xFFFF0000
	p.ip = addr
	return nil
}

func (c *Context) setupCall(p *Program, addr, ret int32) error {
	if err := c.setupCallWithReturnVal(p, addr, ret); err != nil {
		return err
	}
	return p.stack.Push(Int(0))
}

// setupExternalCall enters addr in callee on behalf of caller, which
// blocks until the callee returns through the pad at ret.
func (c *Context) setupExternalCall(caller, callee *Program, addr, ret int32) error {
	if err := pushCallerFrame(caller, callee, callee.ip, ret); err != nil {
		return err
	}
	if err := pushState(callee, callee); err != nil {
		return err
	}
	callee.flags &= 0xFFFF0000
	callee.ip = addr
	callee.windowID = caller.windowID
	callee.caller = caller.Handle
	caller.flags |= image.FlagBlockedCall
	return callee.stack.Push(Int(0))
}

// pushState saves src's flags, wait state and window on dst's operand
// stack in the order pop_flags restores them.
func pushState(dst, src *Program) error {
	if err := dst.stack.Push(Int(int32(src.flags & 0xFFFF))); err != nil {
		return err
	}
	if err := dst.stack.Push(Int(boolWord(src.waitArmed))); err != nil {
		return err
	}
	return dst.stack.Push(Int(src.windowID))
}

// pushCallerFrame records on callee's return stack where callee resumes
// and how to restore caller.
func pushCallerFrame(caller, callee *Program, resume, ret int32) error {
	for _, v := range []Value{
		Int(resume),
		Int(int32(caller.flags & 0xFFFF)),
		Int(boolWord(caller.waitArmed)),
		Int(int32(caller.Handle)),
		Int(ret),
	} {
		if err := callee.rstack.Push(v); err != nil {
			return err
		}
	}
	return nil
}

// doEvents scans every procedure table and fires due triggers.
func (c *Context) doEvents() {
	if c.suspend > 0 {
		return
	}
	now := c.Now()
	for e := c.registry.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Program)
		for i := 0; i < p.procs.Count() && !p.dead(); i++ {
			flags := p.procs.Flags(i)
			switch {
			case flags&image.ProcConditional != 0:
				fire, ok := c.evalCondition(p, p.procs.Condition(i))
				if ok && fire {
					p.procs.Cancel(i)
					_ = c.executeProc(p, i)
				}
			case flags&image.ProcTimed != 0:
				if uint32(p.procs.Time(i)) <= now {
					p.procs.Cancel(i)
					c.log.Debug().Str("program", p.Name).Str("procedure", p.ProcName(i)).Msg("timed trigger")
					_ = c.executeProc(p, i)
				}
			}
		}
	}
}

// evalCondition runs the predicate at addr inside p and reports whether it
// produced a truthy value. The program's flags and ip are restored.
func (c *Context) evalCondition(p *Program, addr int32) (fire, ok bool) {
	flags, ip := p.flags, p.ip
	p.flags = 0
	p.ip = addr
	c.interpret(p, -1)
	if p.Faulted() {
		return false, false
	}
	v, err := p.stack.Pop()
	p.flags, p.ip = flags, ip
	if err != nil {
		c.fault(p, err)
		return false, false
	}
	return v.Data != 0, true
}

// SuspendEvents stops trigger scanning. Calls nest.
func (c *Context) SuspendEvents() {
	c.suspend++
	if c.suspend == 1 {
		c.suspendTime = c.cfg.Timer.Now()
	}
}

// ResumeEvents undoes one SuspendEvents. When the last suspension lifts,
// every TIMED deadline moves forward by the suspended duration.
func (c *Context) ResumeEvents() {
	if c.suspend == 0 {
		return
	}
	c.suspend--
	if c.suspend > 0 {
		return
	}
	delta := uint32(uint64(c.cfg.Timer.Now()-c.suspendTime) * 1000 / uint64(c.cfg.TicksPerSecond))
	for e := c.registry.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Program)
		for i := 0; i < p.procs.Count(); i++ {
			if p.procs.Flags(i)&image.ProcTimed != 0 {
				p.procs.SetTime(i, int32(uint32(p.procs.Time(i))+delta))
			}
		}
	}
}

// Suspended reports whether trigger scanning is suspended.
func (c *Context) Suspended() bool { return c.suspend > 0 }
