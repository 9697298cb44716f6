package voicesession

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bt-bridge/voice-session/shared"
)

// ChunkHandler receives every captured audio chunk that should be forwarded.
type ChunkHandler func(chunk []byte)

// CaptureSource is the device half of audio capture. Open acquires the
// microphone at the given sample rate, Chunks yields captured data until the
// source is closed, Close releases the OS media handle. A source is
// single-use: a new capture run opens a fresh source.
type CaptureSource interface {
	Open(sampleRate int) error
	Chunks() <-chan []byte
	Close() error
}

// muteFrame is the zero-length placeholder forwarded while muted. The server
// side expects a steady chunk cadence, so mute substitutes rather than
// suppresses.
var muteFrame = []byte{}

// Capture owns the microphone source and produces the outbound chunk stream.
// Mute is a pure local toggle: the device keeps running, only the forwarded
// payload changes.
type Capture struct {
	logger shared.LoggerAdapter
	source CaptureSource

	mu        sync.Mutex
	handler   ChunkHandler
	recording bool
	muted     bool
	stop      chan struct{}
	done      chan struct{}
}

func NewCapture(logger shared.LoggerAdapter, source CaptureSource) (*Capture, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if source == nil {
		return nil, fmt.Errorf("no capture source provided")
	}
	return &Capture{
		logger: logger,
		source: source,
	}, nil
}

// RegisterChunkHandler registers the single consumer of forwarded chunks.
// It must be called before Start and exactly once.
func (c *Capture) RegisterChunkHandler(handler ChunkHandler) error {
	if handler == nil {
		return shared.ErrNoHandler
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return shared.ErrHandlerAlreadySet
	}
	c.handler = handler
	return nil
}

// Start acquires the microphone and begins forwarding chunks until Stop.
// Fails with shared.ErrDeviceUnavailable when the device cannot be opened.
func (c *Capture) Start(ctx context.Context, sampleRate int) error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return shared.ErrAlreadyRecording
	}
	if c.handler == nil {
		c.mu.Unlock()
		return shared.ErrNoHandler
	}
	if err := c.source.Open(sampleRate); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", shared.ErrDeviceUnavailable, err)
	}
	c.recording = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	handler := c.handler
	stop := c.stop
	done := c.done
	c.mu.Unlock()

	c.logger.Info("capture started", zap.Int("sample_rate", sampleRate))
	go c.forward(ctx, handler, stop, done)
	return nil
}

// forward pumps device chunks to the handler, substituting the zero-length
// placeholder while muted.
func (c *Capture) forward(ctx context.Context, handler ChunkHandler, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case chunk, ok := <-c.source.Chunks():
			if !ok {
				return
			}
			if c.Muted() {
				handler(muteFrame)
				continue
			}
			handler(chunk)
		}
	}
}

// Stop flushes and terminates the chunk stream and releases the device.
// Idempotent: stopping a stopped capture is a no-op.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	// The device handle is released even when the forward loop already died
	// on an error path.
	err := c.source.Close()
	<-done
	if err != nil {
		c.logger.Warn("closing capture source failed", zap.Error(err))
		return fmt.Errorf("closing capture source: %w", err)
	}
	c.logger.Info("capture stopped")
	return nil
}

// SetMuted toggles what gets forwarded without touching the device.
func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	c.logger.Debug("capture mute changed", zap.Bool("muted", muted))
}

func (c *Capture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// IsRecording mirrors device-active state.
func (c *Capture) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}
