package vm

import (
	"sync"
	"testing"

	"github.com/chazu/hybrid/metadata"
)

func TestProfilerRecordInvocation(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 5
	c := &Class{Namespace: "Test", Name: "P"}
	m := &MethodInfo{Name: "Run", Class: c}

	var hot []*MethodInfo
	p.OnHot = func(m *MethodInfo, _ *MethodProfile) { hot = append(hot, m) }

	if p.RecordInvocation(m) {
		t.Error("hot after one call")
	}
	prof := p.Profile(m)
	if prof == nil || prof.Invocations() != 1 {
		t.Fatalf("profile = %+v, want one invocation", prof)
	}
	became := false
	for i := 0; i < 4; i++ {
		became = p.RecordInvocation(m)
	}
	if !became || !prof.IsHot() {
		t.Error("not hot at the threshold")
	}
	if p.RecordInvocation(m) {
		t.Error("became hot twice")
	}
	if len(hot) != 1 || hot[0] != m {
		t.Errorf("OnHot calls = %v", hot)
	}
	if p.RecordInvocation(nil) {
		t.Error("nil method recorded")
	}
	if p.Profile(&MethodInfo{Name: "Other", Class: c}) != nil {
		t.Error("profile for an uncalled method")
	}
}

func TestProfilerConcurrent(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 50
	m := &MethodInfo{Name: "Run", Class: &Class{Name: "P"}}
	hot := 0
	var mu sync.Mutex
	p.OnHot = func(*MethodInfo, *MethodProfile) {
		mu.Lock()
		hot++
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.RecordInvocation(m)
			}
		}()
	}
	wg.Wait()
	if got := p.Profile(m).Invocations(); got != 800 {
		t.Errorf("invocations = %d, want 800", got)
	}
	if hot != 1 {
		t.Errorf("OnHot fired %d times", hot)
	}
}

func TestProfilerTopAndStats(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 3
	c := &Class{Name: "P"}
	a := &MethodInfo{Name: "A", Class: c, Body: &metadata.MethodBody{}}
	b := &MethodInfo{Name: "B", Class: c}
	d := &MethodInfo{Name: "D", Class: c, Body: &metadata.MethodBody{}}
	for _, call := range []struct {
		m *MethodInfo
		n int
	}{{a, 2}, {b, 4}, {d, 2}} {
		for i := 0; i < call.n; i++ {
			p.RecordInvocation(call.m)
		}
	}

	top := p.Top(2)
	if len(top) != 2 || top[0].Method != b || top[1].Method != a {
		t.Errorf("Top(2) = %v, %v", top[0].Method, top[1].Method)
	}
	if all := p.Top(-1); len(all) != 3 {
		t.Errorf("Top(-1) returned %d profiles", len(all))
	}

	s := p.Stats()
	want := ProfilerStats{Methods: 3, NativeMethods: 1, HotMethods: 1, Invocations: 8, NativeInvocations: 4}
	if s != want {
		t.Errorf("Stats = %+v, want %+v", s, want)
	}

	p.Reset()
	if s := p.Stats(); s.Methods != 0 || s.HotMethods != 0 {
		t.Errorf("Stats after Reset = %+v", s)
	}
}

func TestProfilerCountsInterpretedCalls(t *testing.T) {
	a := newTestAssembly(t)
	a.class("Program", 0)
	helper := a.static("Helper", tInt32, nil, nil, func(il *metadata.ILBuilder) {
		il.LdcI4(1).Emit(metadata.OpRet)
	})
	a.static("Loop", tInt32, nil, []metadata.SigType{tInt32}, func(il *metadata.ILBuilder) {
		top, done := il.NewLabel(), il.NewLabel()
		il.LdcI4(0).Stloc(0)
		il.Mark(top)
		il.Ldloc(0).LdcI4(5).Branch(metadata.OpBge, done)
		il.EmitToken(metadata.OpCall, helper).Emit(metadata.OpPop)
		il.Ldloc(0).LdcI4(1).Emit(metadata.OpAdd).Stloc(0)
		il.Branch(metadata.OpBr, top)
		il.Mark(done)
		il.Ldloc(0).Emit(metadata.OpRet)
	})

	p := NewProfiler()
	env := a.load(Options{Profiler: p})
	if got := env.mustCall("Program", "Loop").I32(); got != 5 {
		t.Fatalf("Loop = %d", got)
	}
	if prof := p.Profile(env.method("Program", "Helper")); prof == nil || prof.Invocations() != 5 {
		t.Errorf("Helper profile = %+v, want 5 invocations", prof)
	}
	if prof := p.Profile(env.method("Program", "Loop")); prof == nil || prof.Invocations() != 1 {
		t.Errorf("Loop profile = %+v, want 1 invocation", prof)
	}
}
