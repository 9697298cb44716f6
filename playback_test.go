package voicesession

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/voice-session/shared"
)

// passthroughDecoder returns the chunk as-is, failing on a scripted payload.
type passthroughDecoder struct {
	failOn []byte
}

func (d *passthroughDecoder) Decode(chunk []byte) ([]byte, error) {
	if d.failOn != nil && string(chunk) == string(d.failOn) {
		return nil, errors.New("bad segment")
	}
	return chunk, nil
}

// recordingSink records played segments. An optional gate makes Play block so
// tests can observe the queue mid-segment.
type recordingSink struct {
	mu     sync.Mutex
	played [][]byte
	resets int
	closed int
	gate   chan struct{}
}

func (s *recordingSink) Play(pcm []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, pcm)
	return nil
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.played))
	copy(out, s.played)
	return out
}

func (s *recordingSink) waitFor(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d played segments, have %d", n, len(s.snapshot()))
	return nil
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewPlaybackValidation(t *testing.T) {
	_, err := NewPlayback(nil, &passthroughDecoder{}, &recordingSink{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewPlayback(shared.NewNopLogger(), nil, &recordingSink{})
	assert.Error(t, err)

	_, err = NewPlayback(shared.NewNopLogger(), &passthroughDecoder{}, nil)
	assert.Error(t, err)
}

func TestPlaybackSerialOrder(t *testing.T) {
	sink := &recordingSink{}
	playback, err := NewPlayback(shared.NewNopLogger(), &passthroughDecoder{}, sink)
	require.NoError(t, err)
	defer playback.Close()

	playback.Queue([]byte("first"))
	playback.Queue([]byte("second"))
	playback.Queue([]byte("third"))

	got := sink.waitFor(t, 3)
	assert.Equal(t, []byte("first"), got[0])
	assert.Equal(t, []byte("second"), got[1])
	assert.Equal(t, []byte("third"), got[2])

	waitUntil(t, func() bool { return !playback.IsPlaying() }, "queue never drained")
}

func TestPlaybackIsPlayingWhileSounding(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	playback, err := NewPlayback(shared.NewNopLogger(), &passthroughDecoder{}, sink)
	require.NoError(t, err)
	defer func() {
		close(sink.gate)
		playback.Close()
	}()

	assert.False(t, playback.IsPlaying())
	playback.Queue([]byte("held"))

	// The head stays queued while the sink is still sounding it.
	waitUntil(t, func() bool { return playback.IsPlaying() }, "segment never started")

	sink.gate <- struct{}{}
	waitUntil(t, func() bool { return !playback.IsPlaying() }, "segment never finished")
}

func TestPlaybackSkipsUndecodableSegment(t *testing.T) {
	sink := &recordingSink{}
	decoder := &passthroughDecoder{failOn: []byte("garbled")}
	playback, err := NewPlayback(shared.NewNopLogger(), decoder, sink)
	require.NoError(t, err)
	defer playback.Close()

	playback.Queue([]byte("garbled"))
	playback.Queue([]byte("clean"))

	got := sink.waitFor(t, 1)
	assert.Equal(t, []byte("clean"), got[0])
	waitUntil(t, func() bool { return !playback.IsPlaying() }, "queue never drained")
}

func TestPlaybackStopDiscardsQueue(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	playback, err := NewPlayback(shared.NewNopLogger(), &passthroughDecoder{}, sink)
	require.NoError(t, err)

	playback.Queue([]byte("current"))
	playback.Queue([]byte("pending"))
	waitUntil(t, func() bool { return playback.IsPlaying() }, "segment never started")

	playback.Stop()
	assert.False(t, playback.IsPlaying())

	// Release the in-flight Play; the stale worker must not pop or start
	// anything queued after the stop.
	playback.Queue([]byte("after"))
	sink.gate <- struct{}{}
	sink.gate <- struct{}{}

	got := sink.waitFor(t, 2)
	assert.Equal(t, []byte("current"), got[0])
	assert.Equal(t, []byte("after"), got[1])
	waitUntil(t, func() bool { return !playback.IsPlaying() }, "queue never drained")

	close(sink.gate)
	playback.Close()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.GreaterOrEqual(t, sink.resets, 1)
	assert.Equal(t, 1, sink.closed)
}

func TestPlaybackCloseIdempotent(t *testing.T) {
	sink := &recordingSink{}
	playback, err := NewPlayback(shared.NewNopLogger(), &passthroughDecoder{}, sink)
	require.NoError(t, err)

	require.NoError(t, playback.Close())
	require.NoError(t, playback.Close())
	assert.Equal(t, 1, sink.closed)

	// Queue after close is a no-op.
	playback.Queue([]byte("late"))
	assert.False(t, playback.IsPlaying())
}

func TestPCMLevel(t *testing.T) {
	assert.Zero(t, pcmLevel(nil))
	assert.Zero(t, pcmLevel([]byte{0x01}))

	silence := make([]byte, 8)
	assert.Zero(t, pcmLevel(silence))

	full := make([]byte, 4)
	binary.LittleEndian.PutUint16(full[0:], uint16(math.MaxInt16))
	binary.LittleEndian.PutUint16(full[2:], uint16(math.MaxInt16))
	assert.InDelta(t, 1.0, pcmLevel(full), 1e-4)
}
