package vm

import (
	"sync"
	"testing"
)

func TestInlineCacheEmpty(t *testing.T) {
	var ic InlineCache

	class := &Class{Name: "Test"}
	method := ic.Lookup(class)

	if method != nil {
		t.Error("Expected nil from empty cache")
	}
	if ic.Misses() != 1 {
		t.Errorf("Expected 1 miss, got %d", ic.Misses())
	}
	if ic.State() != CacheEmpty {
		t.Errorf("Expected empty state, got %v", ic.State())
	}
}

func TestInlineCacheMonomorphic(t *testing.T) {
	var ic InlineCache

	class := &Class{Name: "Test"}
	testMethod := &MethodInfo{Name: "test"}

	ic.Update(class, testMethod)

	if ic.State() != CacheMonomorphic {
		t.Errorf("Expected monomorphic state, got %v", ic.State())
	}
	if ic.Count() != 1 {
		t.Errorf("Expected count 1, got %d", ic.Count())
	}

	if got := ic.Lookup(class); got != testMethod {
		t.Error("Expected cache hit")
	}
	if ic.Hits() != 1 {
		t.Errorf("Expected 1 hit, got %d", ic.Hits())
	}

	if got := ic.Lookup(&Class{Name: "Other"}); got != nil {
		t.Error("Expected cache miss for different class")
	}
	if ic.Misses() != 1 {
		t.Errorf("Expected 1 miss, got %d", ic.Misses())
	}
}

func TestInlineCacheUpdateIgnoresDuplicatesAndNil(t *testing.T) {
	var ic InlineCache
	class := &Class{Name: "Test"}
	m := &MethodInfo{Name: "m"}

	ic.Update(class, nil)
	if ic.State() != CacheEmpty {
		t.Fatalf("nil method was cached")
	}
	ic.Update(class, m)
	ic.Update(class, &MethodInfo{Name: "other"})
	if ic.Count() != 1 {
		t.Errorf("Expected count 1, got %d", ic.Count())
	}
	if got := ic.Lookup(class); got != m {
		t.Errorf("first entry was replaced")
	}
}

func TestInlineCacheStateProgression(t *testing.T) {
	tests := []struct {
		classes int
		state   CacheState
		count   int
	}{
		{0, CacheEmpty, 0},
		{1, CacheMonomorphic, 1},
		{2, CachePolymorphic, 2},
		{MaxPICEntries, CachePolymorphic, MaxPICEntries},
		{MaxPICEntries + 1, CacheMegamorphic, 0},
		{MaxPICEntries + 5, CacheMegamorphic, 0},
	}
	for _, tt := range tests {
		var ic InlineCache
		m := &MethodInfo{Name: "m"}
		for i := 0; i < tt.classes; i++ {
			ic.Update(&Class{Name: "C"}, m)
		}
		if ic.State() != tt.state {
			t.Errorf("%d classes: state = %v, want %v", tt.classes, ic.State(), tt.state)
		}
		if ic.Count() != tt.count {
			t.Errorf("%d classes: count = %d, want %d", tt.classes, ic.Count(), tt.count)
		}
	}
}

func TestInlineCacheMegamorphicAlwaysMisses(t *testing.T) {
	var ic InlineCache
	m := &MethodInfo{Name: "m"}
	classes := make([]*Class, MaxPICEntries+1)
	for i := range classes {
		classes[i] = &Class{Name: "C"}
		ic.Update(classes[i], m)
	}
	for _, c := range classes {
		if ic.Lookup(c) != nil {
			t.Fatal("megamorphic cache returned an entry")
		}
	}
}

func TestInlineCacheHitRate(t *testing.T) {
	var ic InlineCache
	class := &Class{Name: "Test"}
	ic.Update(class, &MethodInfo{Name: "m"})

	for i := 0; i < 10; i++ {
		ic.Lookup(class)
	}
	ic.Lookup(&Class{Name: "A"})
	ic.Lookup(&Class{Name: "B"})

	// 10 hits / 12 total = 83.33%
	if hitRate := ic.HitRate(); hitRate < 83.0 || hitRate > 84.0 {
		t.Errorf("Expected ~83%% hit rate, got %.2f%%", hitRate)
	}

	ic.Reset()
	if ic.State() != CacheEmpty || ic.Hits() != 0 || ic.Misses() != 0 || ic.HitRate() != 0 {
		t.Errorf("Reset left state %v hits %d misses %d", ic.State(), ic.Hits(), ic.Misses())
	}
}

func TestInlineCacheConcurrentUse(t *testing.T) {
	var ic InlineCache
	classes := make([]*Class, 4)
	methods := make([]*MethodInfo, 4)
	for i := range classes {
		classes[i] = &Class{Name: "C"}
		methods[i] = &MethodInfo{Name: "m"}
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				k := (g + i) % len(classes)
				if got := ic.Lookup(classes[k]); got != nil && got != methods[k] {
					t.Errorf("class %d resolved to the wrong method", k)
					return
				}
				ic.Update(classes[k], methods[k])
			}
		}(g)
	}
	wg.Wait()
	if ic.Hits()+ic.Misses() != 8000 {
		t.Errorf("lookups = %d, want 8000", ic.Hits()+ic.Misses())
	}
}

func TestICStatsAdd(t *testing.T) {
	mono, poly, empty := &callSite{}, &callSite{}, &callSite{}
	m := &MethodInfo{Name: "m"}
	mono.Cache.Update(&Class{Name: "A"}, m)
	mono.Cache.Lookup(&Class{Name: "Z"})
	a := &Class{Name: "A"}
	poly.Cache.Update(a, m)
	poly.Cache.Update(&Class{Name: "B"}, m)
	poly.Cache.Lookup(a)

	info := &InterpMethodInfo{
		Data: []any{mono, poly, empty},
		Code: []Instruction{
			{Op: opCallvirt, Aux: 0},
			{Op: opCall, Aux: 2},
			{Op: opCallvirt, Aux: 1},
			{Op: opCallvirt, Aux: 2},
		},
	}
	var stats ICStats
	stats.Add(info)

	if stats.TotalCallSites != 3 {
		t.Errorf("TotalCallSites = %d, want 3", stats.TotalCallSites)
	}
	if stats.Monomorphic != 1 || stats.Polymorphic != 1 || stats.Empty != 1 || stats.Megamorphic != 0 {
		t.Errorf("states = %d/%d/%d/%d", stats.Monomorphic, stats.Polymorphic, stats.Megamorphic, stats.Empty)
	}
	if stats.TotalHits != 1 || stats.TotalMisses != 1 {
		t.Errorf("hits %d misses %d", stats.TotalHits, stats.TotalMisses)
	}
	if stats.HitRate != 50 || stats.MonomorphicRate != 50 {
		t.Errorf("rates %.1f %.1f", stats.HitRate, stats.MonomorphicRate)
	}
}

func BenchmarkInlineCacheLookup(b *testing.B) {
	var ic InlineCache
	class := &Class{Name: "Test"}
	ic.Update(class, &MethodInfo{Name: "test"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ic.Lookup(class)
	}
}

func BenchmarkInlineCachePolymorphicLookup(b *testing.B) {
	var ic InlineCache
	classes := make([]*Class, MaxPICEntries)
	for i := range classes {
		classes[i] = &Class{Name: "C"}
		ic.Update(classes[i], &MethodInfo{Name: "m"})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ic.Lookup(classes[i%len(classes)])
	}
}
