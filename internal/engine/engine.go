// Package engine drives compiled sound graphs from a realtime loop. It owns
// the sound-graph compiler, the audio thread and its scratch arena, the
// pending-release hand-off, and the garbage channel for off-thread
// destruction of resources dropped under the audio lock.
package engine

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/errors"
	"github.com/mkarjala/soundmesh/internal/jit"
	"github.com/mkarjala/soundmesh/internal/logging"
	"github.com/mkarjala/soundmesh/internal/observability"
	"github.com/mkarjala/soundmesh/internal/soundgraph"
)

// Component identifier for engine errors
const Component = "engine"

// ReportSink receives the per-block telemetry reports, delivered after each
// block outside the processor walk. Best effort: sinks must not block.
type ReportSink interface {
	ProcessorFired(report FiredReport)
}

// Config carries explicit engine settings; the zero value is usable.
type Config struct {
	// GarbageCapacity bounds the audio-to-worker hand-off buffer.
	GarbageCapacity int
	// Metrics receives best-effort telemetry when non-nil.
	Metrics *observability.Metrics
	// Reports receives per-processor firing reports when non-nil.
	Reports ReportSink
	// Realtime paces the audio loop against the wall clock. Tests leave it
	// false and drive blocks with ProcessBlock.
	Realtime bool
}

// Engine owns one sound graph and the machinery that plays it.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	graph   *soundgraph.Graph
	cache   *jit.Cache
	garbage *GarbageChannel

	// pending holds the next snapshot produced by a committed edit; the audio
	// thread swaps it into current at block boundaries.
	pending atomic.Pointer[CompiledGraph]

	// current is only touched by the audio thread.
	current *CompiledGraph

	// pendingRelease holds offset+1; zero means none.
	pendingRelease atomic.Int64

	startOverFlag atomic.Bool
	stopFlag      atomic.Bool
	running       atomic.Bool

	group  *errgroup.Group
	cancel context.CancelFunc

	lastCacheHits   uint64
	lastCacheMisses uint64
	lastDisposed    uint64

	// offlineCtx serves ProcessBlock when the realtime loop is not running.
	offlineCtx *Context
}

// New creates an engine around an empty sound graph.
func New(cfg Config) *Engine {
	if cfg.GarbageCapacity <= 0 {
		cfg.GarbageCapacity = 1024
	}
	logger := logging.ForService("engine")
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		graph:   soundgraph.New(),
		cache:   jit.NewCache(),
		garbage: NewGarbageChannel(cfg.GarbageCapacity),
	}
}

// Graph returns the committed control-side graph. Reads only; mutate through
// Edit.
func (e *Engine) Graph() *soundgraph.Graph {
	return e.graph
}

// Cache returns the expression artifact cache.
func (e *Engine) Cache() *jit.Cache {
	return e.cache
}

// Edit applies a transactional mutation to the sound graph. On success the
// changed graph is recompiled and the new snapshot becomes visible to the
// audio thread no later than two blocks after commit.
func (e *Engine) Edit(fn func(tx *soundgraph.Transaction) error) error {
	if err := e.graph.Edit(fn); err != nil {
		return err
	}
	e.install()
	return nil
}

// install recompiles the committed graph and publishes the snapshot. The
// compiled tree reads only from a frozen snapshot so later edits never race
// the audio thread.
func (e *Engine) install() {
	compiled := NewGraphCompiler(e.graph.Snapshot(), e.cache).Compile()
	if old := e.pending.Swap(compiled); old != nil {
		// Replaced before the audio thread picked it up.
		e.garbage.Toss(old)
	}
	e.cfg.Metrics.RecordRevision(e.graph.Revision())
	e.logger.Debug("compiled graph installed",
		"revision", compiled.Revision(),
		"roots", len(compiled.roots))
}

// PendingRelease forwards a sample-accurate release event to the static root
// on its next block.
func (e *Engine) PendingRelease(sampleOffset int) {
	if sampleOffset < 0 || sampleOffset >= audio.ChunkSize {
		sampleOffset = 0
	}
	e.pendingRelease.Store(int64(sampleOffset) + 1)
}

// StartOver asks the audio thread to restart every compiled entity at the
// next block boundary.
func (e *Engine) StartOver() {
	e.startOverFlag.Store(true)
}

// Start launches the audio loop and the garbage worker.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.Newf("engine is already running").
			Component(Component).
			Category(errors.CategoryState).
			Build()
	}
	e.stopFlag.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, runCtx := errgroup.WithContext(runCtx)
	e.group = group

	group.Go(func() error {
		return e.garbage.Run(runCtx)
	})
	group.Go(func() error {
		e.runAudioLoop()
		return nil
	})

	e.logger.Info("engine started")
	return nil
}

// Stop signals the audio thread, joins both workers and drains the garbage
// channel before returning.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return errors.Newf("engine is not running").
			Component(Component).
			Category(errors.CategoryState).
			Build()
	}
	e.stopFlag.Store(true)
	e.cancel()
	err := e.group.Wait()
	// The audio thread may have dropped its snapshot after the worker
	// already drained; finish whatever is left.
	e.garbage.drain()
	e.running.Store(false)
	e.logger.Info("engine stopped")
	return err
}

// runAudioLoop is the fixed-tempo realtime loop: one iteration processes one
// block by stepping every static root.
func (e *Engine) runAudioLoop() {
	// The audio goroutine keeps its OS thread so scheduling stays tight.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	chunkSize := float64(audio.ChunkSize)
	sampleRate := float64(audio.SampleRate)
	blockDuration := time.Duration(float64(time.Second) * chunkSize / sampleRate)

	scratch := NewScratchArena()
	ctx := newContext(nil, scratch)
	var chunk audio.Chunk

	deadline := time.Now().Add(blockDuration)
	for !e.stopFlag.Load() {
		missed := false
		e.processBlock(ctx, &chunk)

		if e.cfg.Realtime {
			now := time.Now()
			if now.After(deadline) {
				missed = true
			} else {
				time.Sleep(deadline.Sub(now))
			}
			deadline = deadline.Add(blockDuration)
		}
		e.cfg.Metrics.RecordBlock(missed)
		e.publishCounters()
	}

	// The audio thread drops its snapshot on the way out; destruction
	// happens on the garbage worker.
	if e.current != nil {
		e.garbage.Toss(e.current)
		e.current = nil
	}
}

// processBlock runs one block against the freshest compiled snapshot.
func (e *Engine) processBlock(ctx *Context, chunk *audio.Chunk) {
	if next := e.pending.Swap(nil); next != nil {
		if e.current != nil {
			e.garbage.Toss(e.current)
		}
		e.current = next
		ctx.graph = next.graph
	}
	if e.current == nil {
		return
	}
	if e.startOverFlag.Swap(false) {
		e.current.startOver()
	}

	release := int(e.pendingRelease.Swap(0)) - 1
	ctx.startBlock(release)
	e.current.process(chunk, ctx)

	if e.cfg.Reports != nil {
		for _, r := range ctx.reports {
			e.cfg.Reports.ProcessorFired(r)
		}
	}
}

// ProcessBlock drives one block synchronously. Only for tests and offline
// rendering; the realtime loop calls the same path.
func (e *Engine) ProcessBlock(chunk *audio.Chunk) {
	if e.running.Load() {
		return
	}
	if e.offlineCtx == nil {
		e.offlineCtx = newContext(nil, NewScratchArena())
	}
	e.processBlock(e.offlineCtx, chunk)
}

// DrainGarbage disposes everything queued on the garbage channel. Only for
// tests and shutdown paths that run without the worker.
func (e *Engine) DrainGarbage() {
	e.garbage.drain()
}

// publishCounters forwards cumulative counters to the metrics sink as
// deltas.
func (e *Engine) publishCounters() {
	if e.cfg.Metrics == nil {
		return
	}
	stats := e.cache.Stats()
	e.cfg.Metrics.RecordCacheDelta(stats.Hits-e.lastCacheHits, stats.Misses-e.lastCacheMisses)
	e.cfg.Metrics.RecordCache(stats.Hits, stats.Misses, stats.Entries)
	e.lastCacheHits = stats.Hits
	e.lastCacheMisses = stats.Misses

	disposed := e.garbage.Disposed()
	e.cfg.Metrics.RecordGarbage(disposed - e.lastDisposed)
	e.lastDisposed = disposed
}
