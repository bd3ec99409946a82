package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mkarjala/soundmesh/internal/logging"
)

// Disposable is anything whose destruction must happen off the audio thread.
type Disposable interface {
	Dispose()
}

// GarbageChannel receives resources released by the audio thread and
// destroys them on a dedicated worker. The audio-side hand-off never blocks.
type GarbageChannel struct {
	ch       chan Disposable
	dropped  atomic.Uint64
	disposed atomic.Uint64
	logger   *slog.Logger
}

// NewGarbageChannel returns a channel with the given hand-off capacity.
func NewGarbageChannel(capacity int) *GarbageChannel {
	logger := logging.ForService("engine")
	if logger == nil {
		logger = slog.Default()
	}
	return &GarbageChannel{
		ch:     make(chan Disposable, capacity),
		logger: logger.With("component", "garbage"),
	}
}

// Toss hands a resource to the worker. Called from the audio thread; when
// the buffer is full the resource is disposed inline as a last resort, which
// is counted so the capacity can be tuned.
func (gc *GarbageChannel) Toss(d Disposable) {
	if d == nil {
		return
	}
	select {
	case gc.ch <- d:
	default:
		gc.dropped.Add(1)
		d.Dispose()
	}
}

// Run drains the channel until ctx is cancelled, then finishes whatever is
// still queued before returning.
func (gc *GarbageChannel) Run(ctx context.Context) error {
	for {
		select {
		case d := <-gc.ch:
			d.Dispose()
			gc.disposed.Add(1)
		case <-ctx.Done():
			gc.drain()
			return nil
		}
	}
}

// drain disposes everything currently queued.
func (gc *GarbageChannel) drain() {
	for {
		select {
		case d := <-gc.ch:
			d.Dispose()
			gc.disposed.Add(1)
		default:
			return
		}
	}
}

// Disposed returns how many resources the worker has destroyed.
func (gc *GarbageChannel) Disposed() uint64 {
	return gc.disposed.Load()
}

// Overflowed returns how many resources missed the hand-off buffer.
func (gc *GarbageChannel) Overflowed() uint64 {
	return gc.dropped.Load()
}

// disposeFunc adapts a closure to Disposable.
type disposeFunc func()

func (f disposeFunc) Dispose() { f() }
