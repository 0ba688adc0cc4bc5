package vtable

import "github.com/blacktop/vproxy/pkg/memory"

// Resolver memoizes Resolve against one table. Only successful lookups are
// kept; a table never changes size once measured, so entries never expire.
type Resolver struct {
	mem    memory.Memory
	table  uint64
	size   int
	cache  map[Ref]Member
	hits   int
	misses int
}

// NewResolver returns a Resolver over the size entries of table.
func NewResolver(mem memory.Memory, table uint64, size int) *Resolver {
	return &Resolver{
		mem:   mem,
		table: table,
		size:  size,
		cache: make(map[Ref]Member),
	}
}

// Resolve returns the slot ref designates. A nil Resolver finds nothing.
func (r *Resolver) Resolve(ref Ref) Member {
	if r == nil {
		return NotFound(0)
	}
	if m, ok := r.cache[ref]; ok {
		r.hits++
		return m
	}
	r.misses++
	m := Resolve(r.mem, r.table, r.size, ref)
	if m.Found(r.size) {
		r.cache[ref] = m
	}
	return m
}

func (r *Resolver) Table() uint64 {
	if r == nil {
		return 0
	}
	return r.table
}

func (r *Resolver) Size() int {
	if r == nil {
		return 0
	}
	return r.size
}

// Cached reports how many references are memoized.
func (r *Resolver) Cached() int {
	if r == nil {
		return 0
	}
	return len(r.cache)
}

// Stats returns the cache hit and miss counts.
func (r *Resolver) Stats() (hits, misses int) {
	if r == nil {
		return 0, 0
	}
	return r.hits, r.misses
}
