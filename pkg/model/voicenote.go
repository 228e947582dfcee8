package model

import (
	"encoding/base64"
	"errors"
)

var ErrVoiceNoteEmpty = errors.New("voice note carries no audio data")
var ErrVoiceNoteNoTarget = errors.New("voice note needs a receiver or a group")

// VoiceNote is a recorded audio clip relayed over the control plane.
// The audio payload travels base64-encoded inside the JSON packet body; the
// relay never decodes or transcodes it.
type VoiceNote struct {
	SenderID        int64  `json:"sender_id"`
	SenderUsername  string `json:"sender_username"`
	ReceiverID      int64  `json:"receiver_id,omitempty"`
	GroupID         int64  `json:"group_id,omitempty"`
	AudioData       string `json:"audio_data"`
	DurationSeconds int    `json:"duration_seconds"`
}

// IsGroup reports whether the note targets a group.
func (v *VoiceNote) IsGroup() bool {
	return v.GroupID != 0
}

// AudioBytes decodes the base64 payload.
func (v *VoiceNote) AudioBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(v.AudioData)
}

func (v *VoiceNote) Validate() error {
	if v.AudioData == "" {
		return ErrVoiceNoteEmpty
	}
	if v.ReceiverID == 0 && v.GroupID == 0 {
		return ErrVoiceNoteNoTarget
	}
	return nil
}
