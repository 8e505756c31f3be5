package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types. Every envelope carries one in its "type" field.
const (
	// Client to relay
	TypeStartSession = "start_session"
	TypeAudioData    = "audio_data"
	TypeInterrupt    = "interrupt"

	// Relay to client
	TypeSessionReady  = "session_ready"
	TypeAudioResponse = "audio_response"
	TypeTurnComplete  = "turn_complete"
	TypeError         = "error"
	TypeStatus        = "status"
	TypeUserMessage   = "user_message"
	TypeNoResponse    = "no_response"
)

// Status states carried by TypeStatus envelopes.
const (
	StatusSpeaking    = "speaking"
	StatusInterrupted = "interrupted"
)

var (
	// ErrUnknownType is returned for envelopes with an unrecognized type.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingAudio is returned for audio_data without a payload.
	ErrMissingAudio = errors.New("audio_data without audio")
)

var clientTypes = map[string]bool{
	TypeStartSession: true,
	TypeAudioData:    true,
	TypeInterrupt:    true,
}

// Message is the JSON envelope exchanged with the client. Only the fields
// relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	// Audio is base64: a canonical container from the client, raw PCM from
	// the relay.
	Audio      string `json:"audio,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Fragments  int    `json:"fragments,omitempty"`

	// Transcript is the client's best-effort local annotation for audio_data.
	Transcript string `json:"transcript,omitempty"`

	Text      string `json:"text,omitempty"`
	State     string `json:"state,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ParseClientMessage decodes and validates an envelope sent by the client.
func ParseClientMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	if !clientTypes[msg.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	if msg.Type == TypeAudioData && msg.Audio == "" {
		return nil, ErrMissingAudio
	}

	return &msg, nil
}

// ParseServerMessage decodes an envelope sent by the relay.
func ParseServerMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnknownType)
	}

	return &msg, nil
}

// AudioBytes decodes the base64 audio payload.
func (m *Message) AudioBytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}
	return data, nil
}

// EncodeAudio returns data as a base64 string for an envelope.
func EncodeAudio(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// StartSession builds a start_session envelope.
func StartSession() *Message {
	return &Message{Type: TypeStartSession}
}

// AudioData builds an audio_data envelope from a canonical container.
func AudioData(container []byte, transcript string) *Message {
	return &Message{Type: TypeAudioData, Audio: EncodeAudio(container), Transcript: transcript}
}

// Interrupt builds an interrupt envelope.
func Interrupt() *Message {
	return &Message{Type: TypeInterrupt}
}

// SessionReady builds a session_ready envelope.
func SessionReady(sessionID string) *Message {
	return &Message{Type: TypeSessionReady, SessionID: sessionID}
}

// AudioResponse builds an audio_response envelope for one PCM fragment.
func AudioResponse(pcm []byte, sampleRate int) *Message {
	return &Message{Type: TypeAudioResponse, Audio: EncodeAudio(pcm), SampleRate: sampleRate}
}

// TurnComplete builds a turn_complete envelope carrying the whole turn's
// audio. Audio is omitted for a turn without fragments.
func TurnComplete(pcm []byte, sampleRate, fragments int) *Message {
	msg := &Message{Type: TypeTurnComplete, Fragments: fragments}
	if len(pcm) > 0 {
		msg.Audio = EncodeAudio(pcm)
		msg.SampleRate = sampleRate
	}
	return msg
}

// Error builds an error envelope.
func Error(message string) *Message {
	return &Message{Type: TypeError, Message: message}
}

// Status builds a status envelope.
func Status(state string) *Message {
	return &Message{Type: TypeStatus, State: state}
}

// UserMessage builds a user_message envelope.
func UserMessage(text string) *Message {
	return &Message{Type: TypeUserMessage, Text: text}
}

// NoResponse builds a no_response envelope.
func NoResponse(message string) *Message {
	return &Message{Type: TypeNoResponse, Message: message}
}
