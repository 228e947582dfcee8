package server

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

const (
	// clientSendBuffer bounds the per-connection outbound queue. A peer
	// that falls further behind starts losing notifications instead of
	// stalling senders.
	clientSendBuffer = 64

	clientWriteTimeout = 2 * time.Second
)

// Client is the session handle for one control-plane connection: the
// identity bound to it (after a successful REGISTER/LOGIN) and its outbound
// packet channel. All writes to the peer go through the single writer
// goroutine so packet lines never interleave.
type Client struct {
	connID string
	conn   net.Conn
	out    chan *protocol.Packet
	done   chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	userID   int64
	username string
}

func newClient(conn net.Conn) *Client {
	c := &Client{
		connID: uuid.NewString(),
		conn:   conn,
		out:    make(chan *protocol.Packet, clientSendBuffer),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// bind establishes the connection's identity.
func (c *Client) bind(u *model.User) {
	c.mu.Lock()
	c.userID = u.ID
	c.username = u.Username
	c.mu.Unlock()
}

// unbind clears the connection's identity (logout).
func (c *Client) unbind() {
	c.mu.Lock()
	c.userID = 0
	c.username = ""
	c.mu.Unlock()
}

// identity returns the bound user, if any.
func (c *Client) identity() (userID int64, username string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.username, c.userID != 0
}

// Send queues a packet for delivery. It never blocks: when the peer's queue
// is full or the connection is closed the packet is dropped and false is
// returned. One saturated recipient must not stall anyone else's path.
func (c *Client) Send(p *protocol.Packet) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- p:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Client) writeLoop() {
	w := bufio.NewWriter(c.conn)
	for {
		select {
		case <-c.done:
			return
		case p := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := protocol.WritePacket(w, p); err != nil {
				slog.Debug("client write failed", "conn", c.connID, "err", err)
				c.Close()
				return
			}
		}
	}
}

// Close tears the connection down. Safe to call more than once; the read
// loop's cleanup and a failed write may race here.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
