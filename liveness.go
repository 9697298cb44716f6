package voicesession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-session/shared"
)

// InvalidHandler is told once when a heartbeat reveals the session is gone
// server-side.
type InvalidHandler func(reason string)

const DefaultHeartbeatInterval = 12 * time.Second

// Liveness keeps the session alive server-side with a periodic heartbeat
// while the channel is open, and fires the one-shot exit beacon on teardown.
// There is never more than one live heartbeat loop per session: starting a
// new one clears any existing one first.
type Liveness struct {
	logger   shared.LoggerAdapter
	dir      Directory
	interval time.Duration

	mu        sync.Mutex
	onInvalid InvalidHandler
	stop      chan struct{}
	running   bool

	invalidOnce sync.Once
	beaconOnce  sync.Once
}

func NewLiveness(logger shared.LoggerAdapter, dir Directory, interval time.Duration) (*Liveness, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dir == nil {
		return nil, shared.ErrNoDirectory
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Liveness{
		logger:   logger,
		dir:      dir,
		interval: interval,
	}, nil
}

// RegisterInvalidHandler registers the single listener for session-lost
// signals. Must be called before Start and exactly once.
func (l *Liveness) RegisterInvalidHandler(handler InvalidHandler) error {
	if handler == nil {
		return shared.ErrNoHandler
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onInvalid != nil {
		return shared.ErrHandlerAlreadySet
	}
	l.onInvalid = handler
	return nil
}

// Start begins the heartbeat loop. Any previous loop is cleared first so two
// can never tick for the same session.
func (l *Liveness) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		close(l.stop)
	}
	l.stop = make(chan struct{})
	l.running = true
	stop := l.stop
	l.mu.Unlock()

	l.logger.Info("heartbeat loop started", zap.Duration("interval", l.interval))
	go l.loop(ctx, stop)
}

// Stop halts the heartbeat loop. Idempotent; an in-flight heartbeat that
// completes afterwards is discarded, not acted upon.
func (l *Liveness) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	close(l.stop)
}

// Beat fires one immediate heartbeat outside the ticker cadence. Used when
// the server confirms the connection.
func (l *Liveness) Beat(ctx context.Context) {
	l.mu.Lock()
	stop := l.stop
	l.mu.Unlock()
	l.beat(ctx, stop)
}

func (l *Liveness) loop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !l.beat(ctx, stop) {
				return
			}
		}
	}
}

// beat sends one heartbeat and inspects the result. Returns false when the
// loop should stop because the session is gone. A result that lands after
// Stop is a no-op.
func (l *Liveness) beat(ctx context.Context, stop chan struct{}) bool {
	status, err := l.dir.Heartbeat(ctx)

	if stop != nil {
		select {
		case <-stop:
			return false
		default:
		}
	}
	if err != nil {
		l.logger.Warn("heartbeat failed", zap.Error(err))
		return true
	}
	if status == fasthttp.StatusUnauthorized || status == fasthttp.StatusNotFound {
		l.logger.Error("stopping heartbeat",
			fmt.Errorf("%w: heartbeat status %d", shared.ErrSessionInvalid, status),
		)
		l.Stop()
		l.mu.Lock()
		handler := l.onInvalid
		l.mu.Unlock()
		if handler != nil {
			// Exactly once, even when a ticker beat races an immediate Beat.
			l.invalidOnce.Do(func() { handler("session lost") })
		}
		return false
	}
	l.logger.Debug("heartbeat ok", zap.Int("status", status))
	return true
}

// Beacon sends the best-effort termination notice at most once, no matter
// how many teardown paths race into it.
func (l *Liveness) Beacon() {
	l.beaconOnce.Do(l.dir.Beacon)
}
