package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts method invocations. A method becomes hot once its
// count reaches HotThreshold; OnHot fires once per method at that point.
// Attach one with Options.Profiler.
type Profiler struct {
	profiles sync.Map // *MethodInfo -> *MethodProfile

	HotThreshold uint64

	// OnHot runs on the invoking thread when m becomes hot.
	OnHot func(m *MethodInfo, p *MethodProfile)

	hotCount atomic.Uint64
}

// MethodProfile holds the counters of one method.
type MethodProfile struct {
	Method      *MethodInfo
	Native      bool // implemented by a NativeFunc or array accessor
	invocations atomic.Uint64
	hot         atomic.Bool
}

// Invocations returns how often the method was called.
func (p *MethodProfile) Invocations() uint64 { return p.invocations.Load() }

// IsHot reports whether the method reached the hot threshold.
func (p *MethodProfile) IsHot() bool { return p.hot.Load() }

// DefaultHotThreshold is the invocation count at which a method is hot.
const DefaultHotThreshold = 100

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: DefaultHotThreshold}
}

// RecordInvocation counts one call of m. It reports whether this call
// made m hot.
func (p *Profiler) RecordInvocation(m *MethodInfo) bool {
	if m == nil {
		return false
	}
	v, ok := p.profiles.Load(m)
	if !ok {
		v, _ = p.profiles.LoadOrStore(m, &MethodProfile{
			Method: m,
			Native: m.Body == nil,
		})
	}
	prof := v.(*MethodProfile)
	n := prof.invocations.Add(1)
	if n < p.HotThreshold || !prof.hot.CompareAndSwap(false, true) {
		return false
	}
	p.hotCount.Add(1)
	if p.OnHot != nil {
		p.OnHot(m, prof)
	}
	return true
}

// Profile returns the counters of m, or nil if m was never called.
func (p *Profiler) Profile(m *MethodInfo) *MethodProfile {
	if v, ok := p.profiles.Load(m); ok {
		return v.(*MethodProfile)
	}
	return nil
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Methods           int    // distinct methods called
	NativeMethods     int    // of which native
	HotMethods        int
	Invocations       uint64 // all calls
	NativeInvocations uint64
}

// Stats returns aggregate statistics.
func (p *Profiler) Stats() ProfilerStats {
	var s ProfilerStats
	p.profiles.Range(func(_, v any) bool {
		prof := v.(*MethodProfile)
		n := prof.Invocations()
		s.Methods++
		s.Invocations += n
		if prof.Native {
			s.NativeMethods++
			s.NativeInvocations += n
		}
		return true
	})
	s.HotMethods = int(p.hotCount.Load())
	return s
}

// Top returns the n most called methods, most called first. Ties are
// broken by name so the order is stable.
func (p *Profiler) Top(n int) []*MethodProfile {
	var all []*MethodProfile
	p.profiles.Range(func(_, v any) bool {
		all = append(all, v.(*MethodProfile))
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].Invocations(), all[j].Invocations()
		if a != b {
			return a > b
		}
		return all[i].Method.FullName() < all[j].Method.FullName()
	})
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// Reset clears all counters.
func (p *Profiler) Reset() {
	p.profiles.Range(func(k, _ any) bool {
		p.profiles.Delete(k)
		return true
	})
	p.hotCount.Store(0)
}
