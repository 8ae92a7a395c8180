package vm

import "github.com/chazu/hybrid/metadata"

// ---------------------------------------------------------------------------
// Exception flow
// ---------------------------------------------------------------------------

// A frame keeps a stack of flow records describing the handlers it is
// currently running. Finally and fault handlers need to know what to do
// when they end: resume a leave, or keep unwinding an exception. Catch
// handlers remember their exception for rethrow. Filters remember where
// the search stopped so a rejecting filter resumes it.

// FlowKind says why a handler is running.
type FlowKind uint8

const (
	FlowException FlowKind = iota // a finally, fault or filter run while unwinding
	FlowCatch                     // a catch handler (or accepted filter) is running
	FlowLeave                     // a finally run by leave
)

func (k FlowKind) String() string {
	switch k {
	case FlowException:
		return "exception"
	case FlowCatch:
		return "catch"
	case FlowLeave:
		return "leave"
	}
	return "unknown"
}

// ExceptionFlowInfo is one flow record of a frame.
type ExceptionFlowInfo struct {
	Kind        FlowKind
	Exception   *Object
	ClauseIndex int // clause whose handler or filter is running
	NextClause  int // clause to continue the search or leave from
	ThrowPC     int // instruction that raised Exception
	LeaveTarget int // destination of the pending leave
}

// Flow returns the flow records of the innermost frame.
func (th *Thread) Flow() []ExceptionFlowInfo {
	if th.depth == 0 {
		return nil
	}
	return th.frame().flow
}

// throwAt raises exc at instruction throwPC of the innermost frame. It
// positions the thread at the first matching handler, running filters,
// faults and finallys on the way. When no frame above stop handles exc it
// unwinds to stop and returns exc as a *ManagedException.
func (th *Thread) throwAt(exc *Object, throwPC, stop int) error {
	f := th.frame()
	// An exception escaping a filter is swallowed and the filter rejects.
	if n := len(f.flow); n > 0 {
		top := f.flow[n-1]
		if top.Kind == FlowException && f.info.Clauses[top.ClauseIndex].FilterContains(throwPC) {
			f.flow = f.flow[:n-1]
			return th.search(top.Exception, top.ThrowPC, top.ClauseIndex+1, stop)
		}
	}
	return th.search(exc, throwPC, 0, stop)
}

// search looks for a handler of exc, starting with clause from of the
// innermost frame. Clauses are ordered innermost first, so the first
// clause covering throwPC that applies wins.
func (th *Thread) search(exc *Object, throwPC, from, stop int) error {
	for {
		f := th.frame()
		clauses := f.info.Clauses
		sb := f.info.StackBase()
		for i := from; i < len(clauses); i++ {
			c := &clauses[i]
			if !c.TryContains(throwPC) {
				continue
			}
			switch c.Kind {
			case metadata.ClauseException:
				if c.Class != nil && !th.isInst(exc, c.Class) {
					continue
				}
				th.pruneFlow(f, c.HandlerStart)
				f.flow = append(f.flow, ExceptionFlowInfo{Kind: FlowCatch, Exception: exc, ClauseIndex: i, ThrowPC: throwPC})
				th.stack[f.base+sb].SetObj(exc)
				f.pc = c.HandlerStart
				return nil
			case metadata.ClauseFilter:
				th.pruneFlow(f, c.FilterStart)
				f.flow = append(f.flow, ExceptionFlowInfo{Kind: FlowException, Exception: exc, ClauseIndex: i, NextClause: i + 1, ThrowPC: throwPC})
				th.stack[f.base+sb].SetObj(exc)
				f.pc = c.FilterStart
				return nil
			default: // finally, fault
				th.pruneFlow(f, c.HandlerStart)
				f.flow = append(f.flow, ExceptionFlowInfo{Kind: FlowException, Exception: exc, ClauseIndex: i, NextClause: i + 1, ThrowPC: throwPC})
				f.pc = c.HandlerStart
				return nil
			}
		}
		th.popFrame()
		if th.depth <= stop {
			return &ManagedException{Object: exc}
		}
		throwPC, from = th.frame().pc-1, 0
	}
}

// pruneFlow drops the flow records of handlers that control has left for
// pc: everything not enclosing pc.
func (th *Thread) pruneFlow(f *InterpFrame, pc int) {
	for n := len(f.flow); n > 0; n-- {
		r := f.flow[n-1]
		c := &f.info.Clauses[r.ClauseIndex]
		if c.HandlerContains(pc) || r.Kind == FlowException && c.FilterContains(pc) {
			break
		}
		f.flow = f.flow[:n-1]
	}
}

// leave exits protected regions from leavePC to target, running each
// finally on the way out.
func (th *Thread) leave(f *InterpFrame, leavePC, target int) {
	for n := len(f.flow); n > 0; n-- {
		r := f.flow[n-1]
		c := &f.info.Clauses[r.ClauseIndex]
		if r.Kind != FlowCatch || !c.HandlerContains(leavePC) || c.HandlerContains(target) {
			break
		}
		f.flow = f.flow[:n-1]
	}
	th.nextFinally(f, leavePC, target, 0)
}

// nextFinally enters the first finally from clause from on that the leave
// from leavePC to target exits, or jumps to target when none remains.
func (th *Thread) nextFinally(f *InterpFrame, leavePC, target, from int) {
	clauses := f.info.Clauses
	for i := from; i < len(clauses); i++ {
		c := &clauses[i]
		if c.Kind != metadata.ClauseFinally || !c.TryContains(leavePC) || c.TryContains(target) {
			continue
		}
		f.flow = append(f.flow, ExceptionFlowInfo{Kind: FlowLeave, ClauseIndex: i, NextClause: i + 1, ThrowPC: leavePC, LeaveTarget: target})
		f.pc = c.HandlerStart
		return
	}
	f.pc = target
}

// endfinally resumes whatever ran the finishing finally or fault handler.
// It returns only fatal errors; an exception that unwinds past stop is
// returned as *ManagedException.
func (th *Thread) endfinally(f *InterpFrame, stop int) error {
	n := len(f.flow)
	if n == 0 || f.flow[n-1].Kind == FlowCatch {
		return th.fault(th.raise(ExInvalidProgram, "endfinally outside a finally handler"), stop)
	}
	r := f.flow[n-1]
	f.flow = f.flow[:n-1]
	if r.Kind == FlowLeave {
		th.nextFinally(f, r.ThrowPC, r.LeaveTarget, r.NextClause)
		return nil
	}
	return th.search(r.Exception, r.ThrowPC, r.NextClause, stop)
}

// endfilter acts on a filter's verdict: enter its handler, or continue the
// search with the next clause.
func (th *Thread) endfilter(f *InterpFrame, accept bool, stop int) error {
	n := len(f.flow)
	if n == 0 || f.flow[n-1].Kind != FlowException {
		return th.fault(th.raise(ExInvalidProgram, "endfilter outside a filter"), stop)
	}
	r := f.flow[n-1]
	f.flow = f.flow[:n-1]
	c := &f.info.Clauses[r.ClauseIndex]
	if !accept {
		return th.search(r.Exception, r.ThrowPC, r.ClauseIndex+1, stop)
	}
	th.pruneFlow(f, c.HandlerStart)
	f.flow = append(f.flow, ExceptionFlowInfo{Kind: FlowCatch, Exception: r.Exception, ClauseIndex: r.ClauseIndex, ThrowPC: r.ThrowPC})
	th.stack[f.base+f.info.StackBase()].SetObj(r.Exception)
	f.pc = c.HandlerStart
	return nil
}

// fault throws err at the innermost frame's current instruction when it is
// a managed exception, or unwinds to stop and returns it.
func (th *Thread) fault(err error, stop int) error {
	me, ok := err.(*ManagedException)
	if !ok {
		th.unwind(stop)
		return err
	}
	f := th.frame()
	return th.throwAt(me.Object, f.pc-1, stop)
}

// currentException returns the exception of the innermost running catch
// handler of f, or nil.
func (th *Thread) currentException(f *InterpFrame) *Object {
	for i := len(f.flow) - 1; i >= 0; i-- {
		if f.flow[i].Kind == FlowCatch {
			return f.flow[i].Exception
		}
	}
	return nil
}
