package jit

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/mkarjala/soundmesh/internal/exprgraph"
	"github.com/mkarjala/soundmesh/internal/ids"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// Cache shares compiled artifacts between identical compilations. The key is
// a content hash of (expression graph structure, parameter mapping, mode);
// two structurally equal expressions share one artifact.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]*Artifact

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache returns an empty artifact cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[uint64]*Artifact)}
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: n}
}

// CompileExpression returns the artifact for the given expression and mode,
// reusing a cached one when the fingerprint matches. The returned artifact
// carries a reference for the caller; create instances with NewInstance and
// release with Release.
func (c *Cache) CompileExpression(g *soundgraph.Graph, exprID ids.ExpressionID, mode Mode) *Artifact {
	expr := g.Expression(exprID)
	if expr == nil {
		abortCompile("expression %d does not exist", exprID)
	}
	fp := Fingerprint(expr, mode)

	c.mu.Lock()
	if a, ok := c.entries[fp]; ok {
		a.acquire()
		c.mu.Unlock()
		c.hits.Add(1)
		return a
	}
	c.mu.Unlock()

	a := compileExpression(g, expr, mode, fp)
	a.cache = c

	c.mu.Lock()
	if existing, ok := c.entries[fp]; ok {
		// Lost a race with a concurrent compile of the same expression.
		existing.acquire()
		c.mu.Unlock()
		c.hits.Add(1)
		return existing
	}
	a.refs.Store(1)
	c.entries[fp] = a
	c.mu.Unlock()
	c.misses.Add(1)
	return a
}

// Release drops the caller's reference on an artifact. Resources released
// on the audio thread must instead be handed to the garbage channel, which
// calls this off-thread.
func (c *Cache) Release(a *Artifact) {
	a.release()
}

// evict removes an artifact whose last reference was dropped.
func (c *Cache) evict(a *Artifact) {
	c.mu.Lock()
	if cur, ok := c.entries[a.fingerprint]; ok && cur == a {
		delete(c.entries, a.fingerprint)
	}
	c.mu.Unlock()
}

// KernelFingerprinter lets a kernel contribute its configuration to the
// cache key. Kernels whose emission depends on more than their name and
// shape (a constant's value, a variable's captured scalar) must implement
// it, or structurally different compilations would collide in the cache.
type KernelFingerprinter interface {
	FingerprintConfig() []byte
}

// Fingerprint computes the content hash of an expression's structure, its
// parameter mapping and the compilation mode. Structurally equal expressions
// hash equal, which is what makes compilation deterministic and the cache
// idempotent.
func Fingerprint(expr *soundgraph.Expression, mode Mode) uint64 {
	h := xxhash.New()
	var buf [8]byte

	writeU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[:4], v)
		_, _ = h.Write(buf[:4])
	}
	writeF32 := func(v float32) {
		writeU32(math.Float32bits(v))
	}
	writeTarget := func(t exprgraph.Target) {
		writeU32(uint32(t.Kind))
		writeU32(uint32(t.Node))
		writeU32(uint32(t.Parameter))
	}

	// Mode
	if mode.Test {
		writeU32(1)
		if mode.WRT != nil {
			writeU32(uint32(mode.WRT.Argument))
			writeF32(mode.WRT.From)
			writeF32(mode.WRT.To)
		} else {
			writeU32(0)
		}
	} else {
		writeU32(0)
	}

	// Graph structure
	g := expr.Graph
	result := g.Result()
	writeTarget(result.Target)
	writeF32(result.Default)

	nodeIDs := g.NodeIDs()
	writeU32(uint32(len(nodeIDs)))
	for _, nid := range nodeIDs {
		n := g.Node(nid)
		writeU32(uint32(nid))
		_, _ = h.WriteString(n.Kernel.Name())
		writeU32(uint32(n.Kernel.Layout()))
		writeU32(uint32(n.Kernel.StateSize()))
		if kf, ok := n.Kernel.(KernelFingerprinter); ok {
			_, _ = h.Write(kf.FingerprintConfig())
		}
		writeU32(uint32(len(n.Inputs)))
		for _, in := range n.Inputs {
			writeF32(in.Default)
			writeTarget(in.Target)
		}
	}

	// Parameter mapping
	paramIDs := g.ParameterIDs()
	writeU32(uint32(len(paramIDs)))
	for _, pid := range paramIDs {
		t := expr.Mapping[pid]
		writeU32(uint32(pid))
		writeU32(uint32(t.Kind))
		writeU32(uint32(t.Argument))
		writeU32(uint32(t.Processor))
		writeU32(uint32(t.Input))
	}

	return h.Sum64()
}
