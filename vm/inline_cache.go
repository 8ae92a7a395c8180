package vm

import "sync/atomic"

// Inline caching for virtual dispatch
//
// Most callvirt sites see a single receiver class, a few see a handful,
// and very few see many. Each call site carries its own cache mapping the
// receiver's class to the resolved implementation, so the vtable walk in
// resolveVirtual runs once per (site, class).
//
// Transformed methods are shared by every thread, so a cache is published
// as an immutable snapshot and replaced wholesale on update.

// CacheState represents the current state of an inline cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single (class, method) cached
	CachePolymorphic                   // 2-6 entries
	CacheMegamorphic                   // Too many classes, always resolve
)

func (s CacheState) String() string {
	switch s {
	case CacheMonomorphic:
		return "mono"
	case CachePolymorphic:
		return "poly"
	case CacheMegamorphic:
		return "mega"
	}
	return "empty"
}

// MaxPICEntries is the maximum number of entries in a polymorphic inline cache.
const MaxPICEntries = 6

// InlineCacheEntry holds a single cached dispatch result.
type InlineCacheEntry struct {
	Class  *Class      // Receiver class
	Method *MethodInfo // Implementation for Class
}

type icSnapshot struct {
	state   CacheState
	count   int
	entries [MaxPICEntries]InlineCacheEntry
}

var emptySnapshot = &icSnapshot{}

// InlineCache is the dispatch cache of one call site. The zero value is an
// empty cache. It is safe for concurrent use.
type InlineCache struct {
	snap atomic.Pointer[icSnapshot]

	hits   atomic.Uint64
	misses atomic.Uint64
}

func (ic *InlineCache) load() *icSnapshot {
	if s := ic.snap.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// State returns the current cache state.
func (ic *InlineCache) State() CacheState { return ic.load().state }

// Count returns the number of cached entries.
func (ic *InlineCache) Count() int { return ic.load().count }

// Hits returns the number of successful lookups.
func (ic *InlineCache) Hits() uint64 { return ic.hits.Load() }

// Misses returns the number of failed lookups.
func (ic *InlineCache) Misses() uint64 { return ic.misses.Load() }

// Lookup returns the cached implementation for class, or nil on a miss.
func (ic *InlineCache) Lookup(class *Class) *MethodInfo {
	s := ic.load()
	for i := 0; i < s.count; i++ {
		if s.entries[i].Class == class {
			ic.hits.Add(1)
			return s.entries[i].Method
		}
	}
	ic.misses.Add(1)
	return nil
}

// Update records a (class, method) pair, upgrading the cache state as the
// site sees more classes. Concurrent updates may drop one another's entry,
// which only costs a later miss.
func (ic *InlineCache) Update(class *Class, method *MethodInfo) {
	if method == nil {
		return
	}
	old := ic.snap.Load()
	cur := old
	if cur == nil {
		cur = emptySnapshot
	}
	if cur.state == CacheMegamorphic {
		return
	}
	for i := 0; i < cur.count; i++ {
		if cur.entries[i].Class == class {
			return
		}
	}
	next := *cur
	switch {
	case next.count == MaxPICEntries:
		next = icSnapshot{state: CacheMegamorphic}
	default:
		next.entries[next.count] = InlineCacheEntry{Class: class, Method: method}
		next.count++
		next.state = CacheMonomorphic
		if next.count > 1 {
			next.state = CachePolymorphic
		}
	}
	ic.snap.CompareAndSwap(old, &next)
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (ic *InlineCache) HitRate() float64 {
	hits, misses := ic.Hits(), ic.Misses()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) * 100 / float64(total)
}

// Reset clears the cache back to empty state.
func (ic *InlineCache) Reset() {
	ic.snap.Store(nil)
	ic.hits.Store(0)
	ic.misses.Store(0)
}

// ICStats holds aggregate inline cache statistics.
type ICStats struct {
	TotalCallSites  int     // Virtual call sites seen
	Monomorphic     int     // Call sites in monomorphic state
	Polymorphic     int     // Call sites in polymorphic state
	Megamorphic     int     // Call sites in megamorphic state
	Empty           int     // Call sites never used
	TotalHits       uint64  // Total cache hits
	TotalMisses     uint64  // Total cache misses
	HitRate         float64 // Overall hit rate percentage
	MonomorphicRate float64 // Percentage of used call sites that are monomorphic
}

// Add accumulates the callvirt sites of a transformed method.
func (stats *ICStats) Add(info *InterpMethodInfo) {
	for _, in := range info.Code {
		if in.Op != opCallvirt {
			continue
		}
		ic := &info.Data[in.Aux].(*callSite).Cache
		stats.TotalCallSites++
		switch ic.State() {
		case CacheMonomorphic:
			stats.Monomorphic++
		case CachePolymorphic:
			stats.Polymorphic++
		case CacheMegamorphic:
			stats.Megamorphic++
		default:
			stats.Empty++
		}
		stats.TotalHits += ic.Hits()
		stats.TotalMisses += ic.Misses()
	}
	stats.finish()
}

func (stats *ICStats) finish() {
	stats.HitRate, stats.MonomorphicRate = 0, 0
	if total := stats.TotalHits + stats.TotalMisses; total > 0 {
		stats.HitRate = float64(stats.TotalHits) * 100 / float64(total)
	}
	if used := stats.TotalCallSites - stats.Empty; used > 0 {
		stats.MonomorphicRate = float64(stats.Monomorphic) * 100 / float64(used)
	}
}

// CollectICStats gathers inline cache statistics over every method
// definition of the runtime's images that has been transformed.
func (rt *Runtime) CollectICStats() ICStats {
	var stats ICStats
	for _, img := range rt.Images() {
		for _, m := range img.Methods() {
			if info := m.interp.Load(); info != nil {
				stats.Add(info)
			}
		}
	}
	return stats
}
