package model

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid mixed", "A-b_3", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"contains @", "user@name", ErrUsernameInvalidChars},
		{"unicode letter", "ñoño", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{"valid private", Message{ReceiverID: 2, Content: "hi"}, nil},
		{"valid group", Message{GroupID: 3, Content: "hi all"}, nil},
		{"empty content", Message{ReceiverID: 2, Content: ""}, ErrMessageContentEmpty},
		{"whitespace content", Message{ReceiverID: 2, Content: "  \t "}, ErrMessageContentEmpty},
		{"too long", Message{ReceiverID: 2, Content: strings.Repeat("x", MessageMaxContentLength+1)}, ErrMessageContentTooLong},
		{"max length ok", Message{ReceiverID: 2, Content: strings.Repeat("x", MessageMaxContentLength)}, nil},
		{"no target", Message{Content: "orphan"}, ErrMessageNoTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageContentLengthCountsRunes(t *testing.T) {
	// Multi-byte runes count once each, matching how chat clients count.
	m := Message{ReceiverID: 2, Content: strings.Repeat("é", MessageMaxContentLength)}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestVoiceNoteValidate(t *testing.T) {
	tests := []struct {
		name    string
		note    VoiceNote
		wantErr error
	}{
		{"valid private", VoiceNote{ReceiverID: 2, AudioData: "aGVsbG8="}, nil},
		{"valid group", VoiceNote{GroupID: 3, AudioData: "aGVsbG8="}, nil},
		{"empty audio", VoiceNote{ReceiverID: 2}, ErrVoiceNoteEmpty},
		{"no target", VoiceNote{AudioData: "aGVsbG8="}, ErrVoiceNoteNoTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.note.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVoiceNoteAudioBytes(t *testing.T) {
	v := VoiceNote{AudioData: "aGVsbG8="}
	b, err := v.AudioBytes()
	if err != nil {
		t.Fatalf("AudioBytes: %v", err)
	}
	if string(b) != "hello" {
		t.Errorf("AudioBytes = %q, want hello", b)
	}

	v.AudioData = "not base64!!"
	if _, err := v.AudioBytes(); err == nil {
		t.Error("AudioBytes accepted invalid base64")
	}
}

func TestCallCounterpart(t *testing.T) {
	c := Call{CallerID: 1, ReceiverID: 2}
	if got := c.Counterpart(1); got != 2 {
		t.Errorf("Counterpart(1) = %d, want 2", got)
	}
	if got := c.Counterpart(2); got != 1 {
		t.Errorf("Counterpart(2) = %d, want 1", got)
	}
	if got := c.Counterpart(9); got != 0 {
		t.Errorf("Counterpart(9) = %d, want 0", got)
	}
}
