package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

func startTestRelay(t *testing.T) (*Server, *net.UDPAddr) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.VoiceAddr = "127.0.0.1:0"
	srv := New(cfg, Dependencies{Store: datastore.NewMemory()})
	if err := srv.StartVoice(); err != nil {
		t.Fatalf("StartVoice: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv, srv.relay.conn.LocalAddr().(*net.UDPAddr)
}

func dialRelay(t *testing.T, relay *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, relay)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestVoiceRelayForwardsToLearnedAddress(t *testing.T) {
	_, relayAddr := startTestRelay(t)

	receiver := dialRelay(t, relayAddr)
	sender := dialRelay(t, relayAddr)

	// The receiver announces itself with a registration-only datagram.
	reg := protocol.AudioPacket{SenderID: 3, ReceiverID: protocol.RegisterReceiver}
	if _, err := receiver.Write(reg.Marshal()); err != nil {
		t.Fatalf("write registration: %v", err)
	}

	// The registration must be processed before the sender's datagram
	// arrives, so give the relay a moment.
	time.Sleep(50 * time.Millisecond)

	audio := protocol.AudioPacket{
		SenderID:   5,
		ReceiverID: 3,
		Sequence:   17,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    []byte{0xde, 0xad, 0xbe, 0xef},
	}
	wire := audio.Marshal()
	if _, err := sender.Write(wire); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	buf := make([]byte, protocol.MaxAudioDatagram)
	_ = receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := receiver.Read(buf)
	if err != nil {
		t.Fatalf("receiver read: %v", err)
	}
	if !bytes.Equal(buf[:n], wire) {
		t.Fatalf("forwarded datagram differs from original:\n got %x\nwant %x", buf[:n], wire)
	}
}

func TestVoiceRelayDropsUnknownReceiver(t *testing.T) {
	srv, relayAddr := startTestRelay(t)
	sender := dialRelay(t, relayAddr)

	pkt := protocol.AudioPacket{SenderID: 5, ReceiverID: 404, Payload: []byte{1}}
	if _, err := sender.Write(pkt.Marshal()); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.metrics.VoicePacketsDropped.Load() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("VoicePacketsDropped = %d, want 1", srv.metrics.VoicePacketsDropped.Load())
}

func TestVoiceRelayIgnoresMalformedDatagram(t *testing.T) {
	srv, relayAddr := startTestRelay(t)
	sender := dialRelay(t, relayAddr)

	if _, err := sender.Write([]byte("runt")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.metrics.VoicePacketsIn.Load() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.metrics.VoicePacketsIn.Load(); got != 1 {
		t.Fatalf("VoicePacketsIn = %d, want 1", got)
	}

	// A malformed datagram is dropped before any forwarding decision.
	if got := srv.metrics.VoicePacketsOut.Load(); got != 0 {
		t.Fatalf("VoicePacketsOut = %d, want 0", got)
	}
}

func TestVoiceRelayRelearnsAddressOnTraffic(t *testing.T) {
	srv, relayAddr := startTestRelay(t)

	first := dialRelay(t, relayAddr)
	pkt := protocol.AudioPacket{SenderID: 8, ReceiverID: protocol.RegisterReceiver}
	if _, err := first.Write(pkt.Marshal()); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitForPeer := func(want string) *net.UDPAddr {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if addr := srv.relay.peers.lookup(8); addr != nil && addr.String() == want {
				return addr
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("peer 8 never learned at %s (have %v)", want, srv.relay.peers.lookup(8))
		return nil
	}
	waitForPeer(first.LocalAddr().String())

	// The same sender id from a new socket overwrites the old address.
	second := dialRelay(t, relayAddr)
	if _, err := second.Write(pkt.Marshal()); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForPeer(second.LocalAddr().String())
}
