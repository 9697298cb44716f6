package voicesession

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/bt-bridge/voice-session/shared"
)

// SegmentDecoder turns one opaque inbound audio chunk into playable
// PCM16LE bytes.
type SegmentDecoder interface {
	Decode(chunk []byte) ([]byte, error)
}

// PlaybackSink is the device half of playback. Play blocks until the segment
// has been handed to the device, Reset halts whatever is currently sounding
// and drops buffered data, Close releases the device.
type PlaybackSink interface {
	Play(pcm []byte) error
	Reset()
	Close() error
}

// Playback owns the ordered queue of agent speech segments and plays them
// strictly serially. The head of the queue is the currently-playing segment
// and is popped on segment end, so the queue drains in arrival order with at
// most one segment sounding at a time.
type Playback struct {
	logger  shared.LoggerAdapter
	decoder SegmentDecoder
	sink    PlaybackSink

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	gen    uint64 // bumped by Stop to invalidate the in-flight segment
	closed bool
	done   chan struct{}

	levelMu sync.Mutex
	level   float64
}

func NewPlayback(logger shared.LoggerAdapter, decoder SegmentDecoder, sink PlaybackSink) (*Playback, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if decoder == nil {
		return nil, fmt.Errorf("no segment decoder provided")
	}
	if sink == nil {
		return nil, fmt.Errorf("no playback sink provided")
	}
	p := &Playback{
		logger:  logger,
		decoder: decoder,
		sink:    sink,
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p, nil
}

// Queue appends a segment. If nothing is currently playing the worker picks
// it up immediately.
func (p *Playback) Queue(chunk []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, chunk)
	p.mu.Unlock()
	p.cond.Signal()
}

// run is the serial playback worker. A segment that fails to decode or play
// is logged and skipped rather than halting the whole queue.
func (p *Playback) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		chunk := p.queue[0]
		gen := p.gen
		p.mu.Unlock()

		pcm, err := p.decoder.Decode(chunk)
		if err != nil {
			p.logger.Warn("skipping undecodable segment", zap.Error(err))
			p.popCurrent(gen)
			continue
		}
		p.setLevel(pcmLevel(pcm))
		if err := p.sink.Play(pcm); err != nil {
			p.logger.Warn("segment playback failed", zap.Error(err))
		}
		p.setLevel(0)
		p.popCurrent(gen)
	}
}

// popCurrent drops the head on segment end, unless Stop already cleared the
// queue out from under the worker.
func (p *Playback) popCurrent(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen && len(p.queue) > 0 {
		p.queue = p.queue[1:]
	}
}

// Stop halts current playback and discards the entire remaining queue.
// Safe to call from any state, any number of times.
func (p *Playback) Stop() {
	p.mu.Lock()
	p.queue = nil
	p.gen++
	p.mu.Unlock()
	p.sink.Reset()
	p.setLevel(0)
}

// Close stops the worker and releases the device. The Playback is unusable
// afterwards.
func (p *Playback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.gen++
	p.mu.Unlock()
	p.cond.Broadcast()
	p.sink.Reset()
	<-p.done
	return p.sink.Close()
}

// IsPlaying reports whether any segment is queued or sounding.
func (p *Playback) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) > 0
}

// Level is an amplitude proxy of the segment currently sounding, in [0, 1].
// Consumed by the host UI for animation.
func (p *Playback) Level() float64 {
	p.levelMu.Lock()
	defer p.levelMu.Unlock()
	return p.level
}

func (p *Playback) setLevel(v float64) {
	p.levelMu.Lock()
	p.level = v
	p.levelMu.Unlock()
}

// pcmLevel computes the RMS amplitude of PCM16LE samples, normalized to
// [0, 1].
func pcmLevel(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(samples))
}
