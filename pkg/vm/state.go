package vm

import (
	"fmt"

	"github.com/fortiblox/X1-Cadence/pkg/image"
)

// sweep frees heap strings no longer referenced from either stack of p.
// Globals and locals live on the operand stack, so the stacks are the
// complete root set between bursts.
func (c *Context) sweep(p *Program) int {
	keep := make(map[int32]bool)
	for _, s := range []*Stack{&p.stack, &p.rstack} {
		for _, v := range s.Values() {
			if v.Tag == image.TagDynamicString {
				keep[v.Data] = true
			}
		}
	}
	freed := p.heap.Sweep(keep)
	if freed > 0 {
		c.log.Debug().Str("program", p.Name).Int("freed", freed).Int("used", p.heap.Used()).Msg("string heap swept")
	}
	return freed
}

// CompactStrings sweeps the string heap of program h and returns the
// bytes released.
func (c *Context) CompactStrings(h Handle) (int, error) {
	p, ok := c.programs[h]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoProgram, h)
	}
	return c.sweep(p), nil
}

// ProgramState is the resumable state of one program. The image itself is
// not included; it is reloaded by name.
type ProgramState struct {
	Handle      Handle `cbor:"1,keyasint" json:"handle"`
	Name        string `cbor:"2,keyasint" json:"name"`
	IP          int32  `cbor:"3,keyasint" json:"ip"`
	FP          int32  `cbor:"4,keyasint" json:"fp"`
	BP          int32  `cbor:"5,keyasint" json:"bp"`
	Flags       uint32 `cbor:"6,keyasint" json:"flags"`
	WindowID    int32  `cbor:"7,keyasint" json:"window_id"`
	WaitStart   uint32 `cbor:"8,keyasint" json:"wait_start"`
	WaitEnd     uint32 `cbor:"9,keyasint" json:"wait_end"`
	WaitArmed   bool   `cbor:"10,keyasint" json:"wait_armed"`
	Parent      Handle `cbor:"11,keyasint" json:"parent"`
	Child       Handle `cbor:"12,keyasint" json:"child"`
	Caller      Handle `cbor:"13,keyasint" json:"caller"`
	CallPending bool   `cbor:"14,keyasint" json:"call_pending"`
	Stack       []byte `cbor:"15,keyasint" json:"stack"`
	ReturnStack []byte `cbor:"16,keyasint" json:"return_stack"`
	Heap        []byte `cbor:"17,keyasint" json:"heap"`
	Procs       []byte `cbor:"18,keyasint" json:"procs"`
}

// State is a resumable image of a whole Context.
type State struct {
	Programs    []ProgramState `cbor:"1,keyasint" json:"programs"`
	Procedures  []ExportedProc `cbor:"2,keyasint" json:"procedures"`
	Variables   []ExportedVar  `cbor:"3,keyasint" json:"variables"`
	NextHandle  Handle         `cbor:"4,keyasint" json:"next_handle"`
	BurstSize   int            `cbor:"5,keyasint" json:"burst_size"`
	Suspend     int            `cbor:"6,keyasint" json:"suspend"`
	SuspendTime uint32         `cbor:"7,keyasint" json:"suspend_time"`
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// SaveState captures every registered program in registry order.
func (c *Context) SaveState() *State {
	st := &State{
		Procedures:  c.exports.Procedures(),
		Variables:   c.exports.Variables(),
		NextHandle:  c.nextHandle,
		BurstSize:   c.cfg.BurstSize,
		Suspend:     c.suspend,
		SuspendTime: c.suspendTime,
	}
	for e := c.registry.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Program)
		st.Programs = append(st.Programs, ProgramState{
			Handle:      p.Handle,
			Name:        p.Name,
			IP:          p.ip,
			FP:          p.fp,
			BP:          p.bp,
			Flags:       p.flags,
			WindowID:    p.windowID,
			WaitStart:   p.waitStart,
			WaitEnd:     p.waitEnd,
			WaitArmed:   p.waitArmed,
			Parent:      p.parent,
			Child:       p.child,
			Caller:      p.caller,
			CallPending: p.callPending,
			Stack:       clone(p.stack.Bytes()),
			ReturnStack: clone(p.rstack.Bytes()),
			Heap:        clone(p.heap.Bytes()),
			Procs:       clone(p.procs.Bytes()),
		})
	}
	return st
}

// LoadState replaces every program with those in st. Images are reloaded
// through the loader; a table that no longer matches its image is an
// error and leaves the Context empty.
func (c *Context) LoadState(st *State) error {
	c.ClearPrograms()
	restored := make([]*Program, 0, len(st.Programs))
	for i := len(st.Programs) - 1; i >= 0; i-- {
		ps := st.Programs[i]
		p, err := c.restoreProgram(ps)
		if err != nil {
			for _, q := range restored {
				c.removeProgram(q)
			}
			return err
		}
		c.insert(p)
		restored = append(restored, p)
	}
	c.exports.restore(st.Procedures, st.Variables)
	if st.NextHandle > c.nextHandle {
		c.nextHandle = st.NextHandle
	}
	if st.BurstSize > 0 {
		c.SetBurstSize(st.BurstSize)
	}
	c.suspend = st.Suspend
	c.suspendTime = st.SuspendTime
	c.log.Info().Int("programs", len(restored)).Msg("state restored")
	return nil
}

func (c *Context) restoreProgram(ps ProgramState) (*Program, error) {
	p, err := c.Load(ps.Name)
	if err != nil {
		return nil, err
	}
	if len(ps.Procs) != len(p.procs.Bytes()) {
		return nil, fmt.Errorf("%w: %s procedure table is %d bytes, image has %d",
			ErrStateMismatch, ps.Name, len(ps.Procs), len(p.procs.Bytes()))
	}
	p.Handle = ps.Handle
	p.ip, p.fp, p.bp = ps.IP, ps.FP, ps.BP
	p.flags = ps.Flags
	p.windowID = ps.WindowID
	p.waitStart, p.waitEnd, p.waitArmed = ps.WaitStart, ps.WaitEnd, ps.WaitArmed
	p.parent, p.child = ps.Parent, ps.Child
	p.caller, p.callPending = ps.Caller, ps.CallPending
	copy(p.procs.Bytes(), ps.Procs)
	if err := p.stack.Reset(ps.Stack); err != nil {
		return nil, err
	}
	if err := p.rstack.Reset(ps.ReturnStack); err != nil {
		return nil, err
	}
	p.heap.Restore(ps.Heap)
	return p, nil
}
