// Package protocol defines the control packet framing and the audio packet
// codec shared by the relay and its clients.
//
// Control packets are line-delimited JSON on a persistent TCP connection.
// Audio packets are fixed-header binary UDP datagrams (see audio.go).
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// MaxPacketSize is the maximum serialized control packet size (64KB).
const MaxPacketSize = 65536

// Command identifies what a control packet carries: a client request, a
// relay-initiated notification, or one of the two response kinds.
type Command string

const (
	// Requests (client -> relay).
	CmdRegister         Command = "REGISTER"
	CmdLogin            Command = "LOGIN"
	CmdLogout           Command = "LOGOUT"
	CmdSendMessage      Command = "SEND_MESSAGE"
	CmdSendGroupMessage Command = "SEND_GROUP_MESSAGE"
	CmdGetHistory       Command = "GET_HISTORY"
	CmdGetGroupMessages Command = "GET_GROUP_MESSAGES"
	CmdCreateGroup      Command = "CREATE_GROUP"
	CmdGetUserGroups    Command = "GET_USER_GROUPS"
	CmdAddToGroup       Command = "ADD_TO_GROUP"
	CmdGetUsers         Command = "GET_USERS"

	// Requests that double as notifications (relay -> affected party).
	CmdVoiceNoteData Command = "VOICE_NOTE_DATA"
	CmdCallRequest   Command = "CALL_REQUEST"
	CmdCallAccept    Command = "CALL_ACCEPT"
	CmdCallReject    Command = "CALL_REJECT"
	CmdCallEnd       Command = "CALL_END"

	// Notifications (relay -> client only).
	CmdReceiveMessage Command = "RECEIVE_MESSAGE"

	// Responses.
	CmdSuccess Command = "SUCCESS"
	CmdError   Command = "ERROR"
)

// Packet is one unit of control-plane communication: one JSON object per
// newline-terminated line. Data is a command-specific payload, usually
// JSON-encoded. Immutable once constructed.
type Packet struct {
	Command Command `json:"command"`
	Data    string  `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// NewPacket builds a packet with a raw string payload.
func NewPacket(cmd Command, data string) *Packet {
	return &Packet{Command: cmd, Data: data}
}

// NewJSONPacket builds a packet whose payload is v marshaled to JSON.
func NewJSONPacket(cmd Command, v any) (*Packet, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return &Packet{Command: cmd, Data: string(data)}, nil
}

// NewErrorPacket builds an ERROR response carrying a human-readable message.
func NewErrorPacket(msg string) *Packet {
	return &Packet{Command: CmdError, Error: msg}
}

// DecodePayload unmarshals the packet's Data into v.
func (p *Packet) DecodePayload(v any) error {
	if err := json.Unmarshal([]byte(p.Data), v); err != nil {
		return fmt.Errorf("protocol: unmarshal payload: %w", err)
	}
	return nil
}

// WritePacket serializes a control packet as a single JSON line.
func WritePacket(w *bufio.Writer, p *Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("protocol: packet too large: %d bytes", len(data))
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("protocol: write delimiter: %w", err)
	}
	return w.Flush()
}

// ReadPacket reads one newline-delimited control packet. The size cap is
// enforced while reading: a line that grows past MaxPacketSize fails without
// buffering the rest of it. On a size or parse failure the connection is
// unusable and should be closed by the caller.
func ReadPacket(r *bufio.Reader) (*Packet, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxPacketSize {
			return nil, fmt.Errorf("protocol: packet too large: exceeds %d bytes", MaxPacketSize)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	p := &Packet{}
	if err := json.Unmarshal(line, p); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return p, nil
}
