package tools

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/mediadevices"
	mdopus "github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-session/shared"
)

const opusMimeType = "audio/opus"

// Buffer is a bounded byte ring shared between the playback worker and the
// audio device. Writes past capacity drop the oldest data; reads block until
// data arrives.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buffer []byte
	size   int
	cap    int
}

func NewBuffer(fixedCap int) *Buffer {
	b := &Buffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Buffer) Write(data []byte) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size+len(data) > b.cap {
		drop := b.size + len(data) - b.cap
		b.buffer = b.buffer[drop:]
		b.size -= drop
		dropped = drop
	}
	b.buffer = append(b.buffer, data...)
	b.size += len(data)
	b.cond.Broadcast()
	return dropped
}

func (b *Buffer) Read(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.size == 0 {
		b.cond.Wait()
	}
	n = copy(p, b.buffer)
	b.buffer = b.buffer[n:]
	b.size -= n
	if b.size == 0 {
		b.cond.Broadcast()
	}
	return n, nil
}

// Reset discards everything buffered and releases drain waiters.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = b.buffer[:0]
	b.size = 0
	b.cond.Broadcast()
}

// WaitDrained blocks until the device has consumed everything written.
func (b *Buffer) WaitDrained() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.size > 0 {
		b.cond.Wait()
	}
}

func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// encodedReader is the slice of mediadevices.EncodedReadCloser the pump
// consumes.
type encodedReader interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
	Close() error
}

// MicSource captures microphone audio as opus-encoded chunks. It satisfies
// the session's CaptureSource contract: Open acquires the device, Chunks
// yields encoded frames until Close releases the device handle.
type MicSource struct {
	logger shared.LoggerAdapter

	mu     sync.Mutex
	track  mediadevices.Track
	reader mediadevices.EncodedReadCloser
	chunks chan []byte
	quit   chan struct{}
	opened bool
}

func NewMicSource(logger shared.LoggerAdapter) (*MicSource, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &MicSource{logger: logger}, nil
}

func (m *MicSource) Open(sampleRate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return errors.New("mic source already open")
	}

	opusParams, err := mdopus.NewParams()
	if err != nil {
		return fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(sampleRate)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return fmt.Errorf("getting microphone stream: %w", err)
	}
	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		return errors.New("no audio track in microphone stream")
	}
	m.track = audioTracks[0]

	m.reader, err = m.track.NewEncodedReader(opusMimeType)
	if err != nil {
		m.track.Close()
		m.track = nil
		return fmt.Errorf("creating encoded reader: %w", err)
	}

	m.chunks = make(chan []byte, 8)
	m.quit = make(chan struct{})
	m.opened = true
	go m.pump(m.reader, m.chunks, m.quit)
	m.logger.Info("microphone opened", zap.Int("sample_rate", sampleRate))
	return nil
}

// pump reads encoded frames off the device until the reader dies or Close
// quits it. The quit path matters when the consumer is gone and the chunk
// buffer is full: closing the reader only fails future reads, it cannot
// unblock an in-flight send.
func (m *MicSource) pump(reader encodedReader, chunks chan []byte, quit chan struct{}) {
	defer close(chunks)
	for {
		buf, release, err := reader.Read()
		if err != nil {
			if err != io.EOF {
				m.logger.Warn("reading from microphone failed", zap.Error(err))
			}
			return
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		release()
		select {
		case chunks <- data:
		case <-quit:
			return
		}
	}
}

func (m *MicSource) Chunks() <-chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks
}

func (m *MicSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil
	}
	m.opened = false
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.reader != nil {
		m.reader.Close()
		m.reader = nil
	}
	if m.track != nil {
		if err := m.track.Close(); err != nil {
			return fmt.Errorf("closing microphone track: %w", err)
		}
		m.track = nil
	}
	m.logger.Info("microphone released")
	return nil
}

// OpusDecoder turns inbound opus segments into PCM16LE for the speaker.
// It satisfies the session's SegmentDecoder contract.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	// Opus frames top out at 120ms.
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]int16, FrameSamples(120*time.Millisecond, sampleRate, channels)),
	}, nil
}

func (d *OpusDecoder) Decode(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, errors.New("empty audio segment")
	}
	n, err := d.dec.Decode(chunk, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("decoding opus segment: %w", err)
	}
	samples := d.pcm[:n*d.channels]
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}

// SpeakerSink plays PCM16LE through the default output device: an oto
// player pulling from a ring buffer. It satisfies the session's
// PlaybackSink contract.
type SpeakerSink struct {
	logger     shared.LoggerAdapter
	sampleRate int
	channels   int
	buffer     *Buffer
	player     *oto.Player
}

func NewSpeakerSink(logger shared.LoggerAdapter, sampleRate, channels, bufferMs, ringSeconds int) (*SpeakerSink, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(bufferMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("creating audio output context: %w", err)
	}
	<-ready

	buffer := NewBuffer(ringSeconds * sampleRate * channels * 2)
	player := otoCtx.NewPlayer(buffer)
	player.Play()
	return &SpeakerSink{
		logger:     logger,
		sampleRate: sampleRate,
		channels:   channels,
		buffer:     buffer,
		player:     player,
	}, nil
}

// Play hands one decoded segment to the device and blocks until it has been
// consumed, which keeps segments strictly sequential.
func (s *SpeakerSink) Play(pcm []byte) error {
	if dropped := s.buffer.Write(pcm); dropped > 0 {
		s.logger.Warn("speaker buffer dropped data", zap.Int("dropped_bytes", dropped))
	}
	s.logger.Trace("segment queued on device",
		zap.Duration("duration", PCMDuration(len(pcm), s.sampleRate, s.channels)),
	)
	s.buffer.WaitDrained()
	return nil
}

func (s *SpeakerSink) Reset() {
	s.buffer.Reset()
}

func (s *SpeakerSink) Close() error {
	s.buffer.Reset()
	return s.player.Close()
}
