// Package device adapts the engine's output to the host audio device
// through malgo (miniaudio). Finished blocks are pushed into a lock-free
// ring buffer on the audio-engine side and drained by the device's own
// callback, decoupling the two clocks.
package device

import (
	"encoding/binary"
	"log/slog"
	"math"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/mkarjala/soundmesh/internal/audio"
	"github.com/mkarjala/soundmesh/internal/errors"
	"github.com/mkarjala/soundmesh/internal/logging"
)

// Component identifier for device errors
const Component = "device"

const (
	channels  = 2
	bytesPer  = 4
	frameSize = channels * bytesPer
	// ringBlocks is how many engine blocks the ring can hold before pushes
	// start overwriting nothing and get dropped.
	ringBlocks = 8
)

// Playback is a malgo-backed output device implementing processors.Sink.
type Playback struct {
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	ring   *ringbuffer.RingBuffer
	frame  []byte
	logger *slog.Logger
}

// NewPlayback opens the default playback device at the engine's sample rate
// and stereo float32 format.
func NewPlayback() (*Playback, error) {
	logger := logging.ForService("device")
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "playback")

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component(Component).
			Category(errors.CategoryResource).
			Context("operation", "init_context").
			Build()
	}

	p := &Playback{
		mctx:   mctx,
		ring:   ringbuffer.New(ringBlocks * audio.ChunkSize * frameSize),
		frame:  make([]byte, audio.ChunkSize*frameSize),
		logger: logger,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = channels
	cfg.SampleRate = audio.SampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: p.onData,
	}
	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return nil, errors.New(err).
			Component(Component).
			Category(errors.CategoryResource).
			Context("operation", "init_device").
			Build()
	}
	p.dev = dev
	logger.Info("playback device opened",
		"sample_rate", audio.SampleRate,
		"channels", channels)
	return p, nil
}

// onData feeds the device from the ring; underruns play silence.
func (p *Playback) onData(out, _ []byte, frames uint32) {
	n, _ := p.ring.Read(out)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// PushChunk implements processors.Sink. Called once per block by the output
// processor on the engine's audio thread; never blocks.
func (p *Playback) PushChunk(c *audio.Chunk) {
	buf := p.frame
	for i := 0; i < audio.ChunkSize; i++ {
		binary.LittleEndian.PutUint32(buf[i*frameSize:], math.Float32bits(c.L[i]))
		binary.LittleEndian.PutUint32(buf[i*frameSize+bytesPer:], math.Float32bits(c.R[i]))
	}
	// Drops are preferable to blocking the engine when the device stalls.
	_, _ = p.ring.TryWrite(buf)
}

// Start begins playback.
func (p *Playback) Start() error {
	if err := p.dev.Start(); err != nil {
		return errors.New(err).
			Component(Component).
			Category(errors.CategoryState).
			Context("operation", "start").
			Build()
	}
	return nil
}

// Stop halts playback.
func (p *Playback) Stop() error {
	if err := p.dev.Stop(); err != nil {
		return errors.New(err).
			Component(Component).
			Category(errors.CategoryState).
			Context("operation", "stop").
			Build()
	}
	return nil
}

// Close releases the device and context.
func (p *Playback) Close() {
	if p.dev != nil {
		p.dev.Uninit()
		p.dev = nil
	}
	if p.mctx != nil {
		_ = p.mctx.Uninit()
		p.mctx = nil
	}
	p.logger.Info("playback device closed")
}
