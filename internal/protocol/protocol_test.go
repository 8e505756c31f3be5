package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantType  string
		expectErr error
	}{
		{name: "start session", input: `{"type":"start_session"}`, wantType: TypeStartSession},
		{name: "interrupt", input: `{"type":"interrupt"}`, wantType: TypeInterrupt},
		{name: "audio data", input: `{"type":"audio_data","audio":"AAEC","transcript":"hi"}`, wantType: TypeAudioData},
		{name: "audio data without audio", input: `{"type":"audio_data"}`, expectErr: ErrMissingAudio},
		{name: "relay type from client", input: `{"type":"session_ready"}`, expectErr: ErrUnknownType},
		{name: "unknown type", input: `{"type":"subscribe"}`, expectErr: ErrUnknownType},
		{name: "missing type", input: `{}`, expectErr: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tt.input))
			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Fatalf("Expected %v, got %v", tt.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if msg.Type != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, msg.Type)
			}
		})
	}
}

func TestParseClientMessageInvalidJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte("{not json"))
	if err == nil || !strings.Contains(err.Error(), "failed to parse message") {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestAudioDataCarriesContainer(t *testing.T) {
	container := []byte{'R', 'I', 'F', 'F', 0, 1, 2, 3}

	raw, err := json.Marshal(AudioData(container, "hello"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage failed: %v", err)
	}

	got, err := msg.AudioBytes()
	if err != nil {
		t.Fatalf("AudioBytes failed: %v", err)
	}
	if !bytes.Equal(got, container) {
		t.Errorf("Expected %v, got %v", container, got)
	}
	if msg.Transcript != "hello" {
		t.Errorf("Expected transcript hello, got %q", msg.Transcript)
	}
}

func TestAudioBytesInvalidBase64(t *testing.T) {
	msg := &Message{Type: TypeAudioData, Audio: "***"}
	if _, err := msg.AudioBytes(); err == nil {
		t.Error("Expected base64 error")
	}
}

func TestServerEnvelopeShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want string
	}{
		{name: "session ready", msg: SessionReady("abc"), want: `{"type":"session_ready","sessionId":"abc"}`},
		{name: "audio response", msg: AudioResponse([]byte{1, 2}, 24000), want: `{"type":"audio_response","audio":"AQI=","sampleRate":24000}`},
		{name: "empty turn complete", msg: TurnComplete(nil, 24000, 0), want: `{"type":"turn_complete"}`},
		{name: "turn complete", msg: TurnComplete([]byte{1, 2}, 24000, 2), want: `{"type":"turn_complete","audio":"AQI=","sampleRate":24000,"fragments":2}`},
		{name: "error", msg: Error("API key not configured"), want: `{"type":"error","message":"API key not configured"}`},
		{name: "status", msg: Status(StatusSpeaking), want: `{"type":"status","state":"speaking"}`},
		{name: "user message", msg: UserMessage("[Voice message]"), want: `{"type":"user_message","text":"[Voice message]"}`},
		{name: "no response", msg: NoResponse("try again"), want: `{"type":"no_response","message":"try again"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(raw) != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, raw)
			}
		})
	}
}
