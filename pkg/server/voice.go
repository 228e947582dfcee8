package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// peerTable maps voice sender ids to their last observed UDP source address.
// Entries are overwritten on every datagram, so a client that rebinds its
// socket is reachable again after its next send. There is no eviction.
type peerTable struct {
	mu    sync.RWMutex
	addrs map[uint32]*net.UDPAddr
}

func newPeerTable() *peerTable {
	return &peerTable{addrs: make(map[uint32]*net.UDPAddr)}
}

func (t *peerTable) learn(id uint32, addr *net.UDPAddr) {
	t.mu.Lock()
	t.addrs[id] = addr
	t.mu.Unlock()
}

func (t *peerTable) lookup(id uint32) *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addrs[id]
}

// VoiceRelay forwards audio datagrams between peers. It never decodes or
// buffers audio payloads; each datagram is relayed verbatim to the receiver's
// learned address.
type VoiceRelay struct {
	metrics *Metrics
	peers   *peerTable
	conn    *net.UDPConn
}

func NewVoiceRelay(metrics *Metrics) *VoiceRelay {
	return &VoiceRelay{
		metrics: metrics,
		peers:   newPeerTable(),
	}
}

// StartVoice binds the UDP voice socket and starts the relay loop.
func (s *Server) StartVoice() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.VoiceAddr)
	if err != nil {
		return fmt.Errorf("server: resolve voice addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("server: listen voice: %w", err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		slog.Warn("could not grow voice read buffer", "err", err)
	}
	if err := conn.SetWriteBuffer(1 << 20); err != nil {
		slog.Warn("could not grow voice write buffer", "err", err)
	}
	s.relay.conn = conn
	slog.Info("voice relay listening", "addr", s.cfg.VoiceAddr)

	go s.relay.loop(s.ctx)
	return nil
}

func (v *VoiceRelay) loop(ctx context.Context) {
	buf := make([]byte, protocol.MaxAudioDatagram)
	for {
		n, remote, err := v.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			slog.Debug("voice read error", "err", err)
			continue
		}
		v.metrics.VoicePacketsIn.Add(1)
		v.metrics.VoiceBytesIn.Add(int64(n))

		// The read buffer is reused immediately, so the datagram is copied
		// before being handed off.
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go v.handleDatagram(datagram, remote)
	}
}

func (v *VoiceRelay) handleDatagram(datagram []byte, remote *net.UDPAddr) {
	pkt, err := protocol.UnmarshalAudioPacket(datagram)
	if err != nil {
		slog.Debug("dropping malformed audio datagram", "remote", remote.String(), "err", err)
		return
	}

	// Every datagram refreshes the sender's reachable address, so ordinary
	// traffic keeps the table current even without registration datagrams.
	v.peers.learn(pkt.SenderID, remote)

	if pkt.ReceiverID == protocol.RegisterReceiver {
		slog.Debug("voice peer registered", "sender", pkt.SenderID, "addr", remote.String())
		return
	}

	dst := v.peers.lookup(pkt.ReceiverID)
	if dst == nil {
		v.metrics.VoicePacketsDropped.Add(1)
		return
	}
	if _, err := v.conn.WriteToUDP(datagram, dst); err != nil {
		slog.Debug("voice forward failed", "receiver", pkt.ReceiverID, "err", err)
		return
	}
	v.metrics.VoicePacketsOut.Add(1)
	v.metrics.VoiceBytesOut.Add(int64(len(datagram)))
}
