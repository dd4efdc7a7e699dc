package rpc

import (
	"context"
	"encoding/json"

	"github.com/fortiblox/X1-Cadence/pkg/archive"
	"github.com/fortiblox/X1-Cadence/pkg/snapshot"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// parseArgs splits positional params and checks that at least min are present.
func parseArgs(params json.RawMessage, min int) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("params must be an array")
		}
	}
	if len(args) < min {
		return nil, InvalidParamsErrorf("expected at least %d params, got %d", min, len(args))
	}
	return args, nil
}

func argString(args []json.RawMessage, i int, what string) (string, *RPCError) {
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil || s == "" {
		return "", InvalidParamsErrorf("invalid %s", what)
	}
	return s, nil
}

func argHandle(args []json.RawMessage, i int) (vm.Handle, *RPCError) {
	var h int32
	if err := json.Unmarshal(args[i], &h); err != nil || h <= 0 {
		return 0, InvalidParamsError("invalid program handle")
	}
	return vm.Handle(h), nil
}

func argEncoding(args []json.RawMessage, i int) Encoding {
	if len(args) <= i {
		return EncodingBase64
	}
	var e string
	if err := json.Unmarshal(args[i], &e); err != nil {
		return EncodingBase64
	}
	return Encoding(e)
}

// do runs fn against the VM and maps any error.
func (s *Server) do(ctx context.Context, fn func(c *vm.Context) error) *RPCError {
	if s.backend == nil {
		return ErrNodeUnhealthy
	}
	return fromError(s.backend.Do(ctx, fn))
}

// getHealth returns "ok" while the host loop is running.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return map[string]string{"cadence-core": Version}, nil
}

// setBurstSize changes the opcode budget per program per tick.
func (s *Server) setBurstSize(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var n int
	if err := json.Unmarshal(args[0], &n); err != nil {
		return nil, InvalidParamsError("invalid burst size")
	}

	var state SchedulerState
	rpcErr = s.do(ctx, func(c *vm.Context) error {
		c.SetBurstSize(n)
		state = SchedulerState{Suspended: c.Suspended(), BurstSize: c.BurstSize()}
		return nil
	})
	return state, rpcErr
}

func (s *Server) suspendEvents(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var state SchedulerState
	rpcErr := s.do(ctx, func(c *vm.Context) error {
		c.SuspendEvents()
		state = SchedulerState{Suspended: c.Suspended(), BurstSize: c.BurstSize()}
		return nil
	})
	return state, rpcErr
}

func (s *Server) resumeEvents(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var state SchedulerState
	rpcErr := s.do(ctx, func(c *vm.Context) error {
		c.ResumeEvents()
		state = SchedulerState{Suspended: c.Suspended(), BurstSize: c.BurstSize()}
		return nil
	})
	return state, rpcErr
}

// listPrograms returns every registered program in scheduling order.
func (s *Server) listPrograms(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	out := []ProgramSummary{}
	rpcErr := s.do(ctx, func(c *vm.Context) error {
		for _, p := range c.Programs() {
			out = append(out, summarize(p))
		}
		return nil
	})
	return out, rpcErr
}

// getProgram returns one program with its procedure table and stack.
func (s *Server) getProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	h, rpcErr := argHandle(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var d ProgramDetail
	rpcErr = s.do(ctx, func(c *vm.Context) error {
		p, ok := c.Program(h)
		if !ok {
			return vm.ErrNoProgram
		}
		d = detail(p)
		return nil
	})
	return d, rpcErr
}

// runScript loads and starts a script by name.
func (s *Server) runScript(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := argString(args, 0, "script name")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var sum ProgramSummary
	rpcErr = s.do(ctx, func(c *vm.Context) error {
		p, err := c.RunScript(name)
		if err != nil {
			return err
		}
		sum = summarize(p)
		return nil
	})
	return sum, rpcErr
}

func (s *Server) removeProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	h, rpcErr := argHandle(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	rpcErr = s.do(ctx, func(c *vm.Context) error {
		return c.Remove(h)
	})
	return rpcErr == nil, rpcErr
}

// findProcedure returns the table index of a named procedure.
func (s *Server) findProcedure(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	h, rpcErr := argHandle(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := argString(args, 1, "procedure name")
	if rpcErr != nil {
		return nil, rpcErr
	}

	index := -1
	rpcErr = s.do(ctx, func(c *vm.Context) error {
		var err error
		index, err = c.FindProcedure(h, name)
		return err
	})
	return index, rpcErr
}

// executeProcedure runs a procedure synchronously. The procedure is given
// as a table index or a name.
func (s *Server) executeProcedure(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	h, rpcErr := argHandle(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}

	index := -1
	var name string
	if err := json.Unmarshal(args[1], &index); err != nil {
		if name, rpcErr = argString(args, 1, "procedure"); rpcErr != nil {
			return nil, rpcErr
		}
	}

	var sum ProgramSummary
	rpcErr = s.do(ctx, func(c *vm.Context) error {
		if name != "" {
			var err error
			if index, err = c.FindProcedure(h, name); err != nil {
				return err
			}
		}
		if err := c.ExecuteProcedure(h, index); err != nil {
			return err
		}
		if p, ok := c.Program(h); ok {
			sum = summarize(p)
		}
		return nil
	})
	return sum, rpcErr
}

func (s *Server) listExports(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var out Exports
	rpcErr := s.do(ctx, func(c *vm.Context) error {
		out.Procedures = c.Exports().Procedures()
		out.Variables = c.Exports().Variables()
		return nil
	})
	return out, rpcErr
}

// putScript archives an image: [name, data, encoding?].
func (s *Server) putScript(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.scripts == nil {
		return nil, ErrNoArchive
	}
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := argString(args, 0, "script name")
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoded, rpcErr := argString(args, 1, "script data")
	if rpcErr != nil {
		return nil, rpcErr
	}

	data, err := DecodeData(encoded, argEncoding(args, 2))
	if err != nil {
		return nil, InvalidParamsErrorf("decode script data: %v", err)
	}
	entry, err := s.scripts.Put(name, data)
	if err != nil {
		return nil, NewRPCError(ScriptRejected, err.Error())
	}
	return entry, nil
}

// getScript returns an archived image: [name, encoding?].
func (s *Server) getScript(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.scripts == nil {
		return nil, ErrNoArchive
	}
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	name, rpcErr := argString(args, 0, "script name")
	if rpcErr != nil {
		return nil, rpcErr
	}

	entry, err := s.scripts.Stat(name)
	if err != nil {
		return nil, fromError(err)
	}
	data, err := s.scripts.Get(name)
	if err != nil {
		return nil, fromError(err)
	}
	text, enc, err := EncodeData(data, argEncoding(args, 1))
	if err != nil {
		return nil, InternalServerError(err.Error())
	}
	return ScriptData{Name: entry.Name, Digest: entry.Digest.String(), Data: text, Encoding: enc}, nil
}

func (s *Server) listScripts(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.scripts == nil {
		return nil, ErrNoArchive
	}
	entries, err := s.scripts.List()
	if err != nil {
		return nil, fromError(err)
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	return entries, nil
}

// saveSnapshot stores the whole VM state under a label.
func (s *Server) saveSnapshot(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.snapshots == nil {
		return nil, ErrNoSnapshotStore
	}
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	label, rpcErr := argString(args, 0, "snapshot label")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var st *vm.State
	if rpcErr := s.do(ctx, func(c *vm.Context) error {
		st = c.SaveState()
		return nil
	}); rpcErr != nil {
		return nil, rpcErr
	}
	info, err := s.snapshots.Save(label, st)
	if err != nil {
		return nil, fromError(err)
	}
	return info, nil
}

// loadSnapshot replaces every program with the state stored under a label.
func (s *Server) loadSnapshot(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.snapshots == nil {
		return nil, ErrNoSnapshotStore
	}
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	label, rpcErr := argString(args, 0, "snapshot label")
	if rpcErr != nil {
		return nil, rpcErr
	}

	st, err := s.snapshots.Load(label)
	if err != nil {
		return nil, fromError(err)
	}
	var names []string
	rpcErr = s.do(ctx, func(c *vm.Context) error {
		if err := c.LoadState(st); err != nil {
			return err
		}
		names = c.ProgramNames()
		return nil
	})
	return names, rpcErr
}

func (s *Server) listSnapshots(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.snapshots == nil {
		return nil, ErrNoSnapshotStore
	}
	infos, err := s.snapshots.List()
	if err != nil {
		return nil, fromError(err)
	}
	if infos == nil {
		infos = []snapshot.Info{}
	}
	return infos, nil
}
