package agents

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	pkg "github.com/bt-bridge/voice-session"
	"github.com/bt-bridge/voice-session/shared"
	"github.com/bt-bridge/voice-session/tools"
)

const (
	speakerChannels    = 1
	speakerBufferMs    = 100
	speakerRingSeconds = 10
)

// CLIAgent drives one voice-agent session from a terminal: microphone up,
// agent speech down, feedback and state transitions printed as they happen.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session *pkg.Session

	mu sync.Mutex
}

// Spawn wires the devices, the channel, and the session, starts the call,
// and begins reading keyboard commands ("m" toggles the microphone, "q"
// ends the call). The returned channel closes when the session reaches a
// terminal state.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *pkg.Config,
	sessionID string,
	creditDuration int,
	printer *shared.Printer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.logger.Info("spawning CLI voice agent", zap.String("session_id", sessionID))
	if err := a.printer.Writeln("🤖 Spawning voice agent...\n", 0); err != nil {
		a.logger.Error("printing spawn message", err)
	}

	// Channel to the agent endpoint
	channel, err := pkg.NewChannel(ctx, a.logger, cfg.EndpointFor(sessionID), cfg.DialTimeout)
	if err != nil {
		a.logger.Error("creating channel", err)
		return nil, err
	}

	// HTTP collaborators
	dir, err := pkg.NewHTTPDirectory(a.logger, cfg.SessionBaseFor(sessionID), cfg.DurationURLFor(sessionID))
	if err != nil {
		a.logger.Error("creating directory", err)
		return nil, err
	}

	// Microphone
	if err := a.printer.Writeln("🎤 Preparing microphone...", 0); err != nil {
		a.logger.Error("printing microphone message", err)
	}
	mic, err := tools.NewMicSource(a.logger)
	if err != nil {
		a.logger.Error("creating mic source", err)
		return nil, err
	}
	capture, err := pkg.NewCapture(a.logger, mic)
	if err != nil {
		a.logger.Error("creating capture", err)
		return nil, err
	}

	// Speaker
	if err := a.printer.Writeln("🔈 Preparing speaker...", 0); err != nil {
		a.logger.Error("printing speaker message", err)
	}
	decoder, err := tools.NewOpusDecoder(cfg.SampleRate, speakerChannels)
	if err != nil {
		a.logger.Error("creating opus decoder", err)
		return nil, err
	}
	sink, err := tools.NewSpeakerSink(a.logger, cfg.SampleRate, speakerChannels, speakerBufferMs, speakerRingSeconds)
	if err != nil {
		a.logger.Error("creating speaker sink", err)
		if err := a.printer.Writeln("❌ Unable to open the audio output device.\n", 0); err != nil {
			a.logger.Error("printing speaker failure message", err)
		}
		return nil, err
	}
	playback, err := pkg.NewPlayback(a.logger, decoder, sink)
	if err != nil {
		a.logger.Error("creating playback", err)
		return nil, err
	}

	// Session
	session, err := pkg.NewSession(ctx, a.logger, cfg, sessionID, channel, capture, playback, dir)
	if err != nil {
		a.logger.Error("creating session", err)
		return nil, err
	}
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	done := make(chan struct{})
	doneOnce := sync.Once{}
	if err := session.RegisterStateHandler(func(old, new pkg.SessionState) {
		if err := a.printer.Writeln("⏩ "+old.String()+" → "+new.String(), 1); err != nil {
			a.logger.Error("printing state transition", err)
		}
		if new.Terminal() {
			doneOnce.Do(func() { close(done) })
		}
	}); err != nil {
		a.logger.Error("registering state handler", err)
		return nil, err
	}
	if err := session.RegisterFeedbackHandler(func(message string) {
		if err := a.printer.Writeln("💬 "+message, 1); err != nil {
			a.logger.Error("printing feedback", err)
		}
	}); err != nil {
		a.logger.Error("registering feedback handler", err)
		return nil, err
	}

	if err := session.Start(time.Duration(creditDuration) * time.Second); err != nil {
		a.logger.Error("starting session", err)
		return nil, err
	}
	if err := a.printer.Writeln("\n✅ Session started. Press m+Enter to toggle the mic, q+Enter to hang up.\n", 0); err != nil {
		a.logger.Error("printing start message", err)
	}

	go a.readCommands(ctx)
	return done, nil
}

// readCommands turns keyboard input into session actions until the session
// ends or stdin does.
func (a *CLIAgent) readCommands(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "m":
			if err := a.session.ToggleMic(); err != nil {
				a.logger.Error("toggling microphone", err)
			}
		case "q":
			if err := a.session.EndCall(); err != nil {
				a.logger.Error("ending call", err)
			}
			return
		}
	}
	// stdin closed: hang up cleanly.
	if err := a.session.EndCall(); err != nil {
		a.logger.Error("ending call on stdin close", err)
	}
}

// Close tears the session down, sending the exit beacon if it is still live.
func (a *CLIAgent) Close() error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}
