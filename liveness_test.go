package voicesession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/bt-bridge/voice-session/shared"
)

// fakeDirectory scripts session-service responses for liveness tests.
type fakeDirectory struct {
	mu         sync.Mutex
	duration   time.Duration
	durErr     error
	status     int
	hbErr      error
	durations  atomic.Int32
	heartbeats atomic.Int32
	beacons    atomic.Int32
}

func (d *fakeDirectory) Duration(ctx context.Context) (time.Duration, error) {
	d.durations.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration, d.durErr
}

func (d *fakeDirectory) Heartbeat(ctx context.Context) (int, error) {
	d.heartbeats.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.hbErr
}

func (d *fakeDirectory) Beacon() {
	d.beacons.Add(1)
}

func (d *fakeDirectory) setStatus(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func TestNewLivenessValidation(t *testing.T) {
	_, err := NewLiveness(nil, &fakeDirectory{}, time.Second)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewLiveness(shared.NewNopLogger(), nil, time.Second)
	assert.ErrorIs(t, err, shared.ErrNoDirectory)

	liveness, err := NewLiveness(shared.NewNopLogger(), &fakeDirectory{}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHeartbeatInterval, liveness.interval)
}

func TestLivenessRegisterInvalidHandlerOnce(t *testing.T) {
	liveness, err := NewLiveness(shared.NewNopLogger(), &fakeDirectory{}, time.Second)
	require.NoError(t, err)
	require.NoError(t, liveness.RegisterInvalidHandler(func(string) {}))
	assert.ErrorIs(t, liveness.RegisterInvalidHandler(func(string) {}), shared.ErrHandlerAlreadySet)
	assert.ErrorIs(t, liveness.RegisterInvalidHandler(nil), shared.ErrNoHandler)
}

func TestLivenessHeartbeatLoop(t *testing.T) {
	dir := &fakeDirectory{status: fasthttp.StatusOK}
	liveness, err := NewLiveness(shared.NewNopLogger(), dir, 10*time.Millisecond)
	require.NoError(t, err)

	liveness.Start(context.Background())
	waitUntil(t, func() bool { return dir.heartbeats.Load() >= 3 }, "heartbeats never ticked")
	liveness.Stop()

	// No further heartbeats after Stop, allowing for one in flight.
	time.Sleep(20 * time.Millisecond)
	settled := dir.heartbeats.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, dir.heartbeats.Load())
}

func TestLivenessStopIdempotent(t *testing.T) {
	dir := &fakeDirectory{status: fasthttp.StatusOK}
	liveness, err := NewLiveness(shared.NewNopLogger(), dir, 10*time.Millisecond)
	require.NoError(t, err)

	liveness.Stop() // before Start: no-op
	liveness.Start(context.Background())
	liveness.Stop()
	liveness.Stop()
}

func TestLivenessSessionLost(t *testing.T) {
	for _, status := range []int{fasthttp.StatusUnauthorized, fasthttp.StatusNotFound} {
		dir := &fakeDirectory{status: status}
		liveness, err := NewLiveness(shared.NewNopLogger(), dir, 10*time.Millisecond)
		require.NoError(t, err)

		var invalidCalls atomic.Int32
		var gotReason string
		require.NoError(t, liveness.RegisterInvalidHandler(func(reason string) {
			gotReason = reason
			invalidCalls.Add(1)
		}))

		liveness.Start(context.Background())
		waitUntil(t, func() bool { return invalidCalls.Load() == 1 }, "invalid handler never fired")
		assert.Equal(t, "session lost", gotReason)

		// The loop stops itself: one signal, no more heartbeats.
		time.Sleep(20 * time.Millisecond)
		settled := dir.heartbeats.Load()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, settled, dir.heartbeats.Load())
		assert.Equal(t, int32(1), invalidCalls.Load())
	}
}

func TestLivenessTransientFailureKeepsTicking(t *testing.T) {
	dir := &fakeDirectory{status: fasthttp.StatusOK, hbErr: assert.AnError}
	liveness, err := NewLiveness(shared.NewNopLogger(), dir, 10*time.Millisecond)
	require.NoError(t, err)

	liveness.Start(context.Background())
	defer liveness.Stop()
	waitUntil(t, func() bool { return dir.heartbeats.Load() >= 3 }, "loop died on transient failure")
}

func TestLivenessBeat(t *testing.T) {
	dir := &fakeDirectory{status: fasthttp.StatusOK}
	liveness, err := NewLiveness(shared.NewNopLogger(), dir, time.Hour)
	require.NoError(t, err)

	// Beat works standalone, without a running loop.
	liveness.Beat(context.Background())
	assert.Equal(t, int32(1), dir.heartbeats.Load())
}

func TestLivenessBeatAfterStopDiscardsResult(t *testing.T) {
	dir := &fakeDirectory{status: fasthttp.StatusNotFound}
	liveness, err := NewLiveness(shared.NewNopLogger(), dir, time.Hour)
	require.NoError(t, err)

	var invalidCalls atomic.Int32
	require.NoError(t, liveness.RegisterInvalidHandler(func(string) {
		invalidCalls.Add(1)
	}))

	liveness.Start(context.Background())
	liveness.Stop()
	liveness.Beat(context.Background())

	// The result landed after Stop, so it is dropped.
	assert.Equal(t, int32(0), invalidCalls.Load())
}

func TestLivenessInvalidHandlerFiresOnce(t *testing.T) {
	dir := &fakeDirectory{status: fasthttp.StatusNotFound}
	liveness, err := NewLiveness(shared.NewNopLogger(), dir, time.Hour)
	require.NoError(t, err)

	var invalidCalls atomic.Int32
	require.NoError(t, liveness.RegisterInvalidHandler(func(string) {
		invalidCalls.Add(1)
	}))

	// Multiple beats observing the lost session, concurrently and again
	// afterwards, collapse into one signal.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			liveness.Beat(context.Background())
		}()
	}
	wg.Wait()
	liveness.Beat(context.Background())
	assert.Equal(t, int32(1), invalidCalls.Load())
}

func TestLivenessRestartClearsPreviousLoop(t *testing.T) {
	dir := &fakeDirectory{status: fasthttp.StatusOK}
	liveness, err := NewLiveness(shared.NewNopLogger(), dir, 10*time.Millisecond)
	require.NoError(t, err)

	liveness.Start(context.Background())
	liveness.Start(context.Background())
	waitUntil(t, func() bool { return dir.heartbeats.Load() >= 2 }, "heartbeats never ticked")
	liveness.Stop()

	time.Sleep(20 * time.Millisecond)
	settled := dir.heartbeats.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, dir.heartbeats.Load())
}

func TestLivenessBeaconOnce(t *testing.T) {
	dir := &fakeDirectory{}
	liveness, err := NewLiveness(shared.NewNopLogger(), dir, time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			liveness.Beacon()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), dir.beacons.Load())
}
