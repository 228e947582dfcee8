package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxContentLength = 2000

var ErrMessageContentEmpty = errors.New("message content cannot be empty")
var ErrMessageContentTooLong = fmt.Errorf("message content exceeds %d characters", MessageMaxContentLength)
var ErrMessageNoTarget = errors.New("message needs a receiver or a group")

// Message is a persisted text message, either private (ReceiverID set)
// or group (GroupID set). Exactly one of the two is non-zero.
type Message struct {
	ID             int64     `json:"id"`
	SenderID       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	ReceiverID     int64     `json:"receiver_id,omitempty"`
	GroupID        int64     `json:"group_id,omitempty"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
}

// IsGroup reports whether the message targets a group.
func (m *Message) IsGroup() bool {
	return m.GroupID != 0
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrMessageContentEmpty
	}
	if utf8.RuneCountInString(m.Content) > MessageMaxContentLength {
		return ErrMessageContentTooLong
	}
	if m.ReceiverID == 0 && m.GroupID == 0 {
		return ErrMessageNoTarget
	}
	return nil
}
