package shared

import "errors"

// Failure taxonomy for a voice session. Each kind ends the current session
// cleanly without crashing the host process.
var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrConnect           = errors.New("channel connect failed")
	ErrDecode            = errors.New("malformed inbound frame")
	ErrSessionInvalid    = errors.New("session no longer valid")
	ErrValidationFailed  = errors.New("session validation failed")
	ErrNoSession         = errors.New("no session")
)

// Lifecycle and wiring sentinels.
var (
	ErrNoLogger          = errors.New("no logger provided")
	ErrNoConfig          = errors.New("no config provided")
	ErrNoChannel         = errors.New("no channel provided")
	ErrNoDirectory       = errors.New("no directory provided")
	ErrNoHandler         = errors.New("no handler provided")
	ErrHandlerAlreadySet = errors.New("handler already set")
	ErrAlreadyConnecting = errors.New("connect attempt already in flight")
	ErrAlreadyConnected  = errors.New("channel already open")
	ErrChannelClosed     = errors.New("channel closed")
	ErrAlreadyRecording  = errors.New("capture already started")
	ErrAlreadyStarted    = errors.New("session already started")
	ErrSessionNotActive  = errors.New("session not active")
)
