package voicesession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/voice-session/shared"
)

type SessionState int

const (
	StateValidating SessionState = iota
	StateConnecting
	StateActive
	StateEnding
	StateEnded
	StateErrored
)

func (s SessionState) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session instance is finished. Terminal states
// absorb every further external message.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateErrored
}

// StateHandler observes state machine transitions.
type StateHandler func(old, new SessionState)

// FeedbackHandler observes user-facing feedback messages, the session's
// surface to the host UI.
type FeedbackHandler func(message string)

// AgentChannel is what the session needs from the realtime channel.
// *Channel implements it.
type AgentChannel interface {
	RegisterMessageHandler(handler MessageHandler) error
	Connect(ctx context.Context) error
	Disconnect() error
	Send(chunk []byte)
	SendInterrupt() error
	State() ChannelState
	Done() <-chan struct{}
}

// drainPollInterval drives the fallback that clears the agent-speaking flag
// once playback runs dry without an explicit audio_end.
const drainPollInterval = 100 * time.Millisecond

// Session is the composition root of one voice-agent call: it wires the
// channel, the capture and playback components, and the liveness loop into
// the observable state machine
//
//	validating -> connecting -> active -> ending -> ended
//
// with an absorbing errored state reachable from anywhere. A Session drives
// exactly one channel instance and is never reused.
type Session struct {
	logger   shared.LoggerAdapter
	cfg      *Config
	id       string
	channel  AgentChannel
	capture  *Capture
	playback *Playback
	liveness *Liveness
	dir      Directory

	mu            sync.Mutex
	state         SessionState
	started       bool
	duration      time.Duration
	validated     bool
	agentSpeaking bool
	feedback      string
	onState       StateHandler
	onFeedback    FeedbackHandler
	timer         *time.Timer

	ctx         context.Context
	cancel      context.CancelFunc
	cleanupOnce sync.Once
}

func NewSession(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *Config,
	id string,
	channel AgentChannel,
	capture *Capture,
	playback *Playback,
	dir Directory,
) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if channel == nil {
		return nil, shared.ErrNoChannel
	}
	if capture == nil {
		return nil, fmt.Errorf("no capture provided")
	}
	if playback == nil {
		return nil, fmt.Errorf("no playback provided")
	}
	if dir == nil {
		return nil, shared.ErrNoDirectory
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		logger:   logger.With(zap.String("session_id", id)),
		cfg:      cfg,
		id:       id,
		channel:  channel,
		capture:  capture,
		playback: playback,
		dir:      dir,
		state:    StateValidating,
		duration: cfg.DefaultDuration,
		ctx:      ctx,
		cancel:   cancel,
	}

	liveness, err := NewLiveness(s.logger, dir, cfg.HeartbeatInterval)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating liveness: %w", err)
	}
	if err := liveness.RegisterInvalidHandler(func(reason string) {
		s.showFeedback("Session may be lost")
		s.terminate(reason)
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("registering invalid handler: %w", err)
	}
	s.liveness = liveness

	if err := channel.RegisterMessageHandler(s.handleMessage); err != nil {
		cancel()
		return nil, fmt.Errorf("registering message handler: %w", err)
	}
	if err := capture.RegisterChunkHandler(channel.Send); err != nil {
		cancel()
		return nil, fmt.Errorf("registering chunk handler: %w", err)
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Duration is the allotted session duration resolved during validation.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Session) Validated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validated
}

func (s *Session) AgentSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSpeaking
}

// LastFeedback is the most recent user-facing message.
func (s *Session) LastFeedback() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedback
}

// RegisterStateHandler registers the single transition observer. Must be
// called before Start.
func (s *Session) RegisterStateHandler(handler StateHandler) error {
	if handler == nil {
		return shared.ErrNoHandler
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onState != nil {
		return shared.ErrHandlerAlreadySet
	}
	s.onState = handler
	return nil
}

// RegisterFeedbackHandler registers the single feedback observer. Must be
// called before Start.
func (s *Session) RegisterFeedbackHandler(handler FeedbackHandler) error {
	if handler == nil {
		return shared.ErrNoHandler
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFeedback != nil {
		return shared.ErrHandlerAlreadySet
	}
	s.onFeedback = handler
	return nil
}

// Start runs validation and connects the channel. creditDuration carries an
// externally-supplied allotment; pass zero to resolve it through the
// duration lookup instead. A Session starts at most once: calling Start
// again, in any state, is rejected without touching the running session.
func (s *Session) Start(creditDuration time.Duration) error {
	s.mu.Lock()
	if s.started || s.state != StateValidating {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("start rejected", zap.String("state", state.String()))
		return shared.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.id == "" {
		s.showFeedback("No active session found. Please start a new session.")
		s.terminate("no session")
		return shared.ErrNoSession
	}

	if creditDuration > 0 {
		s.mu.Lock()
		s.duration = creditDuration
		s.mu.Unlock()
	} else {
		d, err := s.dir.Duration(s.ctx)
		if err != nil {
			s.showFeedback("Failed to validate session. Please try again.")
			s.terminate("validation failed")
			return err
		}
		s.mu.Lock()
		s.duration = d
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.validated = true
	s.mu.Unlock()
	s.setState(StateConnecting)

	if err := s.channel.Connect(s.ctx); err != nil {
		s.showFeedback("Failed to connect to the agent")
		s.terminate("connect failed")
		return err
	}
	s.setState(StateActive)
	s.liveness.Start(s.ctx)

	s.mu.Lock()
	s.timer = time.AfterFunc(s.duration, s.onTimeUp)
	s.mu.Unlock()

	go s.watchChannel()
	go s.watchPlaybackDrain()
	return nil
}

// watchChannel turns a transport death during the active phase into a
// session error.
func (s *Session) watchChannel() {
	select {
	case <-s.ctx.Done():
	case <-s.channel.Done():
		if s.State() == StateActive {
			s.showFeedback("Connection to agent lost")
			s.terminate("connection lost")
		}
	}
}

// watchPlaybackDrain clears the agent-speaking flag once the playback queue
// runs dry, covering servers that never send an explicit audio_end.
func (s *Session) watchPlaybackDrain() {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			speaking := s.agentSpeaking
			s.mu.Unlock()
			if speaking && !s.playback.IsPlaying() {
				s.setAgentSpeaking(false)
			}
		}
	}
}

// handleMessage dispatches one inbound control message. Messages arriving
// after the session reached a terminal state are ignored.
func (s *Session) handleMessage(msg *ControlMessage) {
	if s.State().Terminal() {
		return
	}

	switch msg.Type {
	case MessageTypeSessionTerminated:
		reason := msg.Reason
		if reason == "" {
			reason = "No reason provided"
		}
		s.logger.Info("session terminated by server", zap.String("reason", reason))
		s.showFeedback("Session ended: " + reason)
		s.terminate(reason)

	case MessageTypeStatus:
		if msg.Message != "" {
			s.showFeedback("Agent: " + msg.Message)
		}

	case MessageTypeTranscription:
		if msg.Transcript != "" {
			s.showFeedback("You said: " + msg.Transcript)
		}

	case MessageTypeInterrupted:
		s.logger.Debug("interruption acknowledged by server")

	case MessageTypeAudio, MessageTypeAudioBlob:
		raw, err := msg.AudioBytes()
		if err != nil {
			s.logger.Warn("dropping undecodable audio payload", zap.Error(err))
			return
		}
		s.setAgentSpeaking(true)
		s.playback.Queue(raw)
		s.showFeedback("Agent is speaking...")

	case MessageTypeAudioEnd, MessageTypeResponseEnd:
		s.setAgentSpeaking(false)
		s.showFeedback("Agent finished speaking")

	case MessageTypeConnected:
		s.logger.Info("agent confirmed connection")
		s.showFeedback("Connected to agent")
		// Off the read loop: a slow heartbeat must not stall inbound dispatch.
		go s.liveness.Beat(s.ctx)

	case MessageTypeTranscriptionStarted:
		s.showFeedback("Processing your speech...")

	case MessageTypeTranscriptionError:
		s.logger.Warn("transcription error reported by server")
		s.showFeedback("Speech processing error")

	case MessageTypeProcessing:
		s.showFeedback("Processing your request...")

	case MessageTypeResponseStart:
		s.showFeedback("Agent is responding...")

	case MessageTypeTTSPipelineStart:
		// Mute capture while the agent is speaking to avoid echo-triggered
		// interruptions.
		s.capture.SetMuted(true)
		s.setAgentSpeaking(true)
		s.showFeedback("Agent is speaking...")

	case MessageTypeAvatarTextChunk, MessageTypeAudioChunkReady, MessageTypeAudioPipelineComplete:
		s.logger.Debug("informational event", zap.String("type", string(msg.Type)))

	case MessageTypeError:
		if msg.Error == "" {
			return
		}
		s.logger.Warn("error reported by server", zap.String("error", msg.Error))
		s.showFeedback("Error: " + msg.Error)
		if msg.FatalError() {
			s.terminate(msg.Error)
		}

	default:
		// The channel already warned about the unknown tag on arrival.
		s.logger.Debug("ignoring unrecognized message", zap.String("type", string(msg.Type)))
	}
}

// ToggleMic starts capture on first use and toggles mute afterwards,
// mirroring the single mic button of the host UI.
func (s *Session) ToggleMic() error {
	if s.capture.IsRecording() {
		muted := !s.capture.Muted()
		s.capture.SetMuted(muted)
		if muted {
			s.showFeedback("Microphone muted")
		} else {
			s.showFeedback("Microphone unmuted")
		}
		return nil
	}

	if s.State() != StateActive {
		s.showFeedback("Agent not ready yet. Please wait...")
		return shared.ErrSessionNotActive
	}
	if err := s.capture.Start(s.ctx, s.cfg.SampleRate); err != nil {
		s.showFeedback("Error toggling microphone")
		return err
	}
	s.capture.SetMuted(false)
	s.showFeedback("Listening...")
	return nil
}

// EndCall is the user-initiated teardown: ending -> ended. Calling it on a
// session that is already winding down is a no-op.
func (s *Session) EndCall() error {
	s.mu.Lock()
	if s.state == StateEnding || s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.setState(StateEnding)
	s.cleanup()
	s.setState(StateEnded)
	s.showFeedback("Session ended")
	return nil
}

// onTimeUp fires when the allotted duration expires.
func (s *Session) onTimeUp() {
	s.logger.Info("session time up")
	s.showFeedback("Timer up! Session ended.")
	s.EndCall()
}

// terminate moves the session to the absorbing errored state. Cleanup is
// shared with EndCall and runs at most once, so a server-side termination
// racing a user end-call cannot double-send the beacon.
func (s *Session) terminate(reason string) {
	s.mu.Lock()
	if s.state == StateEnding || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Warn("session errored", zap.String("reason", reason))
	s.setState(StateErrored)
	s.cleanup()
}

// cleanup tears down every collaborator in a fixed order: capture, playback,
// interrupt, liveness, channel, beacon. Idempotent by construction.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()

		if err := s.capture.Stop(); err != nil {
			s.logger.Warn("stopping capture during cleanup failed", zap.Error(err))
		}
		s.playback.Stop()
		if err := s.playback.Close(); err != nil {
			s.logger.Warn("closing playback during cleanup failed", zap.Error(err))
		}
		s.setAgentSpeaking(false)

		if err := s.channel.SendInterrupt(); err != nil {
			s.logger.Warn("sending interrupt during cleanup failed", zap.Error(err))
		}
		s.liveness.Stop()
		if err := s.channel.Disconnect(); err != nil {
			s.logger.Warn("disconnecting channel during cleanup failed", zap.Error(err))
		}
		s.liveness.Beacon()
		s.cancel()
	})
}

// Close tears the session down from the host's exit path. Equivalent to
// EndCall for a live session, a no-op otherwise.
func (s *Session) Close() error {
	return s.EndCall()
}

func (s *Session) setState(next SessionState) {
	s.mu.Lock()
	old := s.state
	if old == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	handler := s.onState
	s.mu.Unlock()

	s.logger.Info("session state changed",
		zap.String("prev", old.String()),
		zap.String("new", next.String()),
	)
	if handler != nil {
		handler(old, next)
	}
}

func (s *Session) setAgentSpeaking(speaking bool) {
	s.mu.Lock()
	s.agentSpeaking = speaking
	s.mu.Unlock()
}

func (s *Session) showFeedback(message string) {
	s.mu.Lock()
	s.feedback = message
	handler := s.onFeedback
	s.mu.Unlock()
	if handler != nil {
		handler(message)
	}
}
