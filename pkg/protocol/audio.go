package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// AudioHeaderSize is the byte size of the audio packet header.
	// [senderID(4) | receiverID(4) | seq(4) | timestamp(8) | length(4)] = 24 bytes
	AudioHeaderSize = 24

	// MaxAudioDatagram is the receive buffer size for voice datagrams.
	MaxAudioDatagram = 4096

	// RegisterReceiver is the sentinel receiver id marking a datagram as a
	// pure address registration, never forwarded.
	RegisterReceiver uint32 = 0
)

// ErrMalformedPacket reports a datagram that cannot be decoded as an audio
// packet. Decoding fails fast; a partial result is never returned.
var ErrMalformedPacket = errors.New("protocol: malformed audio packet")

// AudioPacket is one UDP voice datagram. The payload is opaque to the relay;
// it is forwarded byte-for-byte without inspection.
type AudioPacket struct {
	SenderID   uint32
	ReceiverID uint32
	Sequence   uint32
	Timestamp  int64 // capture time, milliseconds since epoch
	Payload    []byte
}

// Marshal serializes the packet: fixed big-endian header, then the payload.
// Wire length is always AudioHeaderSize + len(Payload).
func (p *AudioPacket) Marshal() []byte {
	buf := make([]byte, AudioHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.SenderID)
	binary.BigEndian.PutUint32(buf[4:8], p.ReceiverID)
	binary.BigEndian.PutUint32(buf[8:12], p.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], uint64(p.Timestamp)) //nolint:gosec // two's-complement round-trip
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(p.Payload)))
	copy(buf[AudioHeaderSize:], p.Payload)
	return buf
}

// UnmarshalAudioPacket parses an audio packet from raw datagram bytes.
// Fails with ErrMalformedPacket when fewer than AudioHeaderSize bytes are
// supplied or the declared payload length overruns the buffer.
func UnmarshalAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) < AudioHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}
	length := binary.BigEndian.Uint32(data[20:24])
	if int(length) > len(data)-AudioHeaderSize {
		return nil, fmt.Errorf("%w: declared payload %d exceeds %d remaining bytes",
			ErrMalformedPacket, length, len(data)-AudioHeaderSize)
	}

	pkt := &AudioPacket{
		SenderID:   binary.BigEndian.Uint32(data[0:4]),
		ReceiverID: binary.BigEndian.Uint32(data[4:8]),
		Sequence:   binary.BigEndian.Uint32(data[8:12]),
		Timestamp:  int64(binary.BigEndian.Uint64(data[12:20])), //nolint:gosec // two's-complement round-trip
		Payload:    make([]byte, length),
	}
	copy(pkt.Payload, data[AudioHeaderSize:AudioHeaderSize+length])
	return pkt, nil
}
