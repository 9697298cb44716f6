package voicesession

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/bt-bridge/voice-session/shared"
)

type MessageType string

// Inbound control-message tags. The server sends one JSON object per text
// frame with a "type" field plus a tag-specific payload. Binary frames carry
// agent speech directly and are surfaced as MessageTypeAudioBlob.
const (
	MessageTypeSessionTerminated     MessageType = "session_terminated"
	MessageTypeStatus                MessageType = "status"
	MessageTypeTranscription         MessageType = "transcription"
	MessageTypeInterrupted           MessageType = "interrupted"
	MessageTypeAudio                 MessageType = "audio"
	MessageTypeAudioEnd              MessageType = "audio_end"
	MessageTypeConnected             MessageType = "connected"
	MessageTypeTranscriptionStarted  MessageType = "transcription_started"
	MessageTypeTranscriptionError    MessageType = "transcription_error"
	MessageTypeProcessing            MessageType = "processing"
	MessageTypeResponseStart         MessageType = "response_start"
	MessageTypeTTSPipelineStart      MessageType = "tts_pipeline_start"
	MessageTypeAvatarTextChunk       MessageType = "avatar_text_chunk"
	MessageTypeAudioBlob             MessageType = "audio_blob"
	MessageTypeAudioChunkReady       MessageType = "audio_chunk_ready"
	MessageTypeAudioPipelineComplete MessageType = "audio_pipeline_complete"
	MessageTypeResponseEnd           MessageType = "response_end"
	MessageTypeError                 MessageType = "error"
)

// Outbound control tags.
const (
	MessageTypeInterrupt MessageType = "interrupt"
)

// fatalErrorReasons are payloads of an "error" message that invalidate the
// whole session rather than a single exchange.
var fatalErrorReasons = map[string]struct{}{
	"Invalid or expired session ID": {},
}

// ControlMessage is one decoded inbound event. It is consumed immediately by
// the session and never stored. Binary is only set for MessageTypeAudioBlob
// frames; every other payload field mirrors the wire name it came from.
type ControlMessage struct {
	Type       MessageType `json:"type"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	AudioData  string      `json:"audio_data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Data       any         `json:"data,omitempty"`

	Binary []byte `json:"-"`
}

// DecodeControlMessage parses a JSON text frame into a ControlMessage.
// A frame without a type tag is malformed; unknown tags are NOT an error
// here, the session logs and ignores them.
func DecodeControlMessage(data []byte) (*ControlMessage, error) {
	msg := new(ControlMessage)
	if err := sonic.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrDecode, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type tag", shared.ErrDecode)
	}
	return msg, nil
}

// NewAudioBlobMessage wraps a binary transport frame as an audio_blob event
// so the session sees a single inbound message stream.
func NewAudioBlobMessage(data []byte) *ControlMessage {
	return &ControlMessage{
		Type:   MessageTypeAudioBlob,
		Binary: data,
	}
}

// AudioBytes returns the raw audio payload of the message: the binary frame
// for audio_blob, or the decoded base64 audio_data for audio.
func (m *ControlMessage) AudioBytes() ([]byte, error) {
	switch m.Type {
	case MessageTypeAudioBlob:
		return m.Binary, nil
	case MessageTypeAudio:
		if m.AudioData == "" {
			return nil, fmt.Errorf("%w: audio message without audio_data", shared.ErrDecode)
		}
		raw, err := base64.StdEncoding.DecodeString(m.AudioData)
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64 audio_data: %v", shared.ErrDecode, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: %q carries no audio", shared.ErrDecode, m.Type)
	}
}

// Known reports whether the tag belongs to the protocol. Unknown tags are
// logged and skipped, never fatal.
func (m *ControlMessage) Known() bool {
	switch m.Type {
	case MessageTypeSessionTerminated, MessageTypeStatus, MessageTypeTranscription,
		MessageTypeInterrupted, MessageTypeAudio, MessageTypeAudioEnd,
		MessageTypeConnected, MessageTypeTranscriptionStarted, MessageTypeTranscriptionError,
		MessageTypeProcessing, MessageTypeResponseStart, MessageTypeTTSPipelineStart,
		MessageTypeAvatarTextChunk, MessageTypeAudioBlob, MessageTypeAudioChunkReady,
		MessageTypeAudioPipelineComplete, MessageTypeResponseEnd, MessageTypeError:
		return true
	}
	return false
}

// FatalError reports whether an "error" message should end the session.
func (m *ControlMessage) FatalError() bool {
	if m.Type != MessageTypeError {
		return false
	}
	_, fatal := fatalErrorReasons[m.Error]
	return fatal
}

// controlFrame is the outbound JSON control envelope.
type controlFrame struct {
	Type MessageType `json:"type"`
}

// EncodeInterruptFrame builds the control frame telling the agent to stop
// speaking.
func EncodeInterruptFrame() ([]byte, error) {
	return sonic.Marshal(controlFrame{Type: MessageTypeInterrupt})
}
