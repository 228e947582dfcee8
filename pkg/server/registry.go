package server

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// maxQueuedVoiceNotes caps the best-effort offline queue per recipient.
// Oldest notes are dropped first; the queue lives for the process lifetime.
const maxQueuedVoiceNotes = 16

// MembershipResolver resolves group membership for notification fan-out.
type MembershipResolver interface {
	GroupMembers(groupID int64) ([]int64, error)
}

// ClientRegistry is the concurrent directory from user id to its live
// control-plane handle. A registration replaces any prior binding for the
// same id (last writer wins); lookups of absent ids mean "recipient
// offline", which every caller treats as a soft condition.
type ClientRegistry struct {
	members MembershipResolver
	metrics *Metrics

	mu          sync.RWMutex
	clients     map[int64]*Client
	queuedNotes map[int64][]*model.VoiceNote
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(members MembershipResolver, metrics *Metrics) *ClientRegistry {
	return &ClientRegistry{
		members:     members,
		metrics:     metrics,
		clients:     make(map[int64]*Client),
		queuedNotes: make(map[int64][]*model.VoiceNote),
	}
}

// Register binds a user id to a handle, silently evicting any prior binding.
// The evicted session's socket is closed by its own read loop, not here.
func (r *ClientRegistry) Register(userID int64, c *Client) {
	r.mu.Lock()
	r.clients[userID] = c
	r.mu.Unlock()
}

// Unregister removes the binding, but only while it still points at c: a
// reconnect's fresh registration must survive the stale session's teardown.
// No-op when absent.
func (r *ClientRegistry) Unregister(userID int64, c *Client) {
	r.mu.Lock()
	if r.clients[userID] == c {
		delete(r.clients, userID)
	}
	r.mu.Unlock()
}

// Get returns the handle for a user id, or nil when the user is offline.
func (r *ClientRegistry) Get(userID int64) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[userID]
}

// Count returns the number of registered sessions.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every registered handle (shutdown path).
func (r *ClientRegistry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		c.Close()
	}
}

// notifyGroup fans a packet out to every registered group member except
// excludeUserID. Offline members are skipped; each delivery attempt is
// independent, so one saturated member never blocks the rest.
func (r *ClientRegistry) notifyGroup(groupID, excludeUserID int64, p *protocol.Packet) error {
	memberIDs, err := r.members.GroupMembers(groupID)
	if err != nil {
		return fmt.Errorf("registry: resolve group %d: %w", groupID, err)
	}
	for _, id := range memberIDs {
		if id == excludeUserID {
			continue
		}
		c := r.Get(id)
		if c == nil {
			continue
		}
		if !c.Send(p) {
			r.metrics.NotificationsDropped.Add(1)
			slog.Debug("group notification dropped", "group", groupID, "user", id, "command", p.Command)
		}
	}
	return nil
}

// NotifyGroupMessage delivers a group message to every connected member
// except the sender.
func (r *ClientRegistry) NotifyGroupMessage(m *model.Message, excludeUserID int64) error {
	p, err := protocol.NewJSONPacket(protocol.CmdReceiveMessage, m)
	if err != nil {
		return err
	}
	return r.notifyGroup(m.GroupID, excludeUserID, p)
}

// NotifyGroupVoiceNote delivers a group voice note to every connected member
// except the sender.
func (r *ClientRegistry) NotifyGroupVoiceNote(v *model.VoiceNote, excludeUserID int64) error {
	p, err := protocol.NewJSONPacket(protocol.CmdVoiceNoteData, v)
	if err != nil {
		return err
	}
	return r.notifyGroup(v.GroupID, excludeUserID, p)
}

// NotifyGroupCall delivers a group call request to every connected member
// except the caller. The call's receiver slot holds the group id.
func (r *ClientRegistry) NotifyGroupCall(call *model.Call, excludeUserID int64) error {
	p, err := protocol.NewJSONPacket(protocol.CmdCallRequest, call)
	if err != nil {
		return err
	}
	return r.notifyGroup(call.ReceiverID, excludeUserID, p)
}

// QueueVoiceNote stores a note for an offline recipient, best effort:
// when the cap is reached the oldest note is discarded.
func (r *ClientRegistry) QueueVoiceNote(userID int64, v *model.VoiceNote) {
	r.mu.Lock()
	q := r.queuedNotes[userID]
	if len(q) >= maxQueuedVoiceNotes {
		q = q[1:]
	}
	r.queuedNotes[userID] = append(q, v)
	r.mu.Unlock()
}

// FlushVoiceNotes delivers and clears any notes queued while the user was
// offline. Returns the number of notes delivered.
func (r *ClientRegistry) FlushVoiceNotes(userID int64, c *Client) int {
	r.mu.Lock()
	q := r.queuedNotes[userID]
	delete(r.queuedNotes, userID)
	r.mu.Unlock()

	delivered := 0
	for _, v := range q {
		p, err := protocol.NewJSONPacket(protocol.CmdVoiceNoteData, v)
		if err != nil {
			continue
		}
		if c.Send(p) {
			delivered++
		} else {
			r.metrics.NotificationsDropped.Add(1)
		}
	}
	return delivered
}
