package vm

import (
	"fmt"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// opExportProc pops a procedure index then its argument count and
// publishes the procedure.
func opExportProc(c *Context, p *Program) error {
	i, err := popProc(p, "export_proc")
	if err != nil {
		return err
	}
	argc, err := p.stack.Pop()
	if err != nil {
		return err
	}
	return c.exports.ExportProcedure(p.Handle, p.ProcName(i), p.procs.Body(i), argc.Data)
}

// popIdentifier pops an identifier offset and resolves it.
func popIdentifier(p *Program) (string, error) {
	v, err := p.stack.Pop()
	if err != nil {
		return "", err
	}
	return p.identifier(v.Data)
}

func opExportVar(c *Context, p *Program) error {
	name, err := popIdentifier(p)
	if err != nil {
		return err
	}
	return c.exports.ExportVariable(p.Name, name)
}

// opFetchExternal pushes an exported variable. Strings are copied into
// this program's heap.
func opFetchExternal(c *Context, p *Program) error {
	name, err := popIdentifier(p)
	if err != nil {
		return err
	}
	v, err := c.exports.Variable(name)
	if err != nil {
		return err
	}
	if v.Value.IsString() {
		return p.PushString(v.Text)
	}
	return p.stack.Push(v.Value)
}

// opStoreExternal pops the variable name then the value.
func opStoreExternal(c *Context, p *Program) error {
	name, err := popIdentifier(p)
	if err != nil {
		return err
	}
	v, err := p.stack.Pop()
	if err != nil {
		return err
	}
	text := ""
	if v.IsString() {
		if text, err = p.StringOf(v); err != nil {
			return err
		}
	}
	return c.exports.StoreVariable(name, v, text)
}

// opExit terminates the program and wakes a parent waiting on it.
func opExit(c *Context, p *Program) error {
	p.flags |= image.FlagExited
	if parent := c.programs[p.parent]; parent != nil {
		parent.flags &^= image.FlagBlockedChild
	}
	c.purge(p)
	return nil
}

func opDetach(c *Context, p *Program) error {
	c.detach(p)
	return nil
}

func popScriptName(p *Program, what string) (string, error) {
	v, err := p.stack.Pop()
	if err != nil {
		return "", err
	}
	if !v.IsString() {
		return "", fmt.Errorf("%w: %s wants string, got %v", ErrTypeMismatch, what, v)
	}
	return p.StringOf(v)
}

// startChild runs the named script as p's child with the given blocking
// flag set on p.
func (c *Context) startChild(p *Program, what string, block uint32) (*Program, error) {
	if p.child != 0 {
		return nil, fmt.Errorf("%w: %s", ErrChildExists, what)
	}
	name, err := popScriptName(p, what)
	if err != nil {
		return nil, err
	}
	p.flags |= block
	child, err := c.RunScript(name)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", what, name, err)
	}
	child.parent = p.Handle
	child.windowID = p.windowID
	p.child = child.Handle
	if child.dead() {
		c.detach(child)
	}
	return child, nil
}

// opCallStart starts a child script and blocks until it exits or detaches.
func opCallStart(c *Context, p *Program) error {
	_, err := c.startChild(p, "callstart", image.FlagBlockedCall)
	return err
}

// opSpawn starts a child script. A critical parent runs the child to a
// stop before continuing.
func opSpawn(c *Context, p *Program) error {
	child, err := c.startChild(p, "spawn", image.FlagBlockedChild)
	if err != nil {
		return err
	}
	if p.flags&image.FlagCritical != 0 && !child.dead() {
		child.flags |= image.FlagCritical
		c.interpret(child, -1)
	}
	return nil
}

func (c *Context) fork(p *Program) (*Program, error) {
	name, err := popScriptName(p, "fork")
	if err != nil {
		return nil, err
	}
	child, err := c.RunScript(name)
	if err != nil {
		return nil, fmt.Errorf("fork %s: %w", name, err)
	}
	child.windowID = p.windowID
	return child, nil
}

// opFork starts an independent script.
func opFork(c *Context, p *Program) error {
	_, err := c.fork(p)
	return err
}

// opExec replaces p with a new script that inherits p's parent.
func opExec(c *Context, p *Program) error {
	parent := c.programs[p.parent]
	forked, err := c.fork(p)
	if err != nil {
		return err
	}
	if parent != nil {
		forked.parent = parent.Handle
		parent.child = forked.Handle
	}
	forked.child = 0
	p.parent = 0
	return opExit(c, p)
}
