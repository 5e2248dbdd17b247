package link

import (
	"errors"
	"fmt"
	"io"

	"github.com/ii64/elflink/conf"
	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/link/elf"
	"github.com/ii64/elflink/lib/obj"
)

type LinkState struct {
	elf *elf.LinkState
}

func (s *LinkState) ELF() *elf.LinkState {
	return s.elf
}

// ReadInputs decodes every input path. Truncated files are kept with a
// warning; unreadable ones are reported and skipped.
func ReadInputs(rep *diag.Reporter, paths []string) (objs []*obj.Object) {
	for _, path := range paths {
		o, err := obj.ReadFile(path)
		var trunc *obj.TruncatedError
		switch {
		case errors.As(err, &trunc):
			rep.Warnf(diag.MalformedInput, path, "%s", trunc)
		case err != nil:
			rep.Errorf(diag.MalformedInput, path, "%s", err)
			continue
		}
		objs = append(objs, o)
	}
	return
}

// Link links objs into cfg.Output. The target is taken from the first
// object; trace receives relocation and dynamic section traces when
// cfg.TraceRelocs is set.
func Link(cfg *conf.Config, rep *diag.Reporter, objs []*obj.Object, trace io.Writer) (state *LinkState, err error) {
	if err = rep.Checkpoint("read inputs"); err != nil {
		return
	}
	if len(objs) < 1 {
		err = fmt.Errorf("no input objects")
		return
	}
	var be elf.Backend
	if be, err = elf.BackendFor(objs[0].Machine, objs[0].Class); err != nil {
		return
	}
	state = &LinkState{elf: elf.New(cfg, be, rep)}
	if cfg.TraceRelocs && trace != nil {
		state.elf.SetTrace(trace)
	}
	for _, o := range objs {
		// reported through rep, surfaced at the next checkpoint
		_ = state.elf.AddObject(o)
	}
	if err = state.elf.Link(); err != nil {
		return
	}
	if cfg.DumpSymtab && trace != nil {
		state.elf.DumpSymtab(trace)
	}
	return
}
