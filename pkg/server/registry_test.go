package server

import (
	"fmt"
	"testing"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// fakeMembers is a MembershipResolver with a fixed answer.
type fakeMembers struct {
	ids []int64
	err error
}

func (f *fakeMembers) GroupMembers(int64) ([]int64, error) { return f.ids, f.err }

func newNopClient(t *testing.T) *Client {
	t.Helper()
	c := newClient(&nopConn{})
	t.Cleanup(c.Close)
	return c
}

func TestRegisterReplacesPriorSession(t *testing.T) {
	r := NewClientRegistry(&fakeMembers{}, NewMetrics())

	first := newNopClient(t)
	second := newNopClient(t)

	r.Register(7, first)
	r.Register(7, second)
	if got := r.Get(7); got != second {
		t.Fatalf("Get(7) returned the evicted session")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	// The stale session's teardown must not tear down the fresh binding.
	r.Unregister(7, first)
	if got := r.Get(7); got != second {
		t.Fatalf("stale unregister removed the fresh session")
	}
	r.Unregister(7, second)
	if got := r.Get(7); got != nil {
		t.Fatalf("Get(7) = %v after unregister, want nil", got)
	}
}

func TestNotifyGroupSkipsOfflineAndClosed(t *testing.T) {
	members := &fakeMembers{ids: []int64{1, 2, 3, 4}}
	m := NewMetrics()
	r := NewClientRegistry(members, m)

	// A bare handle with no writer goroutine keeps deliveries in the send
	// queue where the test can inspect them.
	alive := &Client{
		conn: &nopConn{},
		out:  make(chan *protocol.Packet, clientSendBuffer),
		done: make(chan struct{}),
	}
	closed := newNopClient(t)
	closed.Close()

	r.Register(2, alive)
	r.Register(3, closed)
	// user 4 is offline

	msg := &model.Message{GroupID: 9, SenderID: 1, Content: "ping"}
	if err := r.NotifyGroupMessage(msg, 1); err != nil {
		t.Fatalf("NotifyGroupMessage: %v", err)
	}
	if got := m.NotificationsDropped.Load(); got != 1 {
		t.Errorf("NotificationsDropped = %d, want 1 (the closed session)", got)
	}

	// The closed session must not have cost the healthy member its delivery.
	select {
	case p := <-alive.out:
		if p.Command != protocol.CmdReceiveMessage {
			t.Errorf("delivered %s, want %s", p.Command, protocol.CmdReceiveMessage)
		}
	default:
		t.Error("healthy member received nothing")
	}
}

func TestNotifyGroupResolverError(t *testing.T) {
	r := NewClientRegistry(&fakeMembers{err: fmt.Errorf("boom")}, NewMetrics())
	msg := &model.Message{GroupID: 9, Content: "ping"}
	if err := r.NotifyGroupMessage(msg, 1); err == nil {
		t.Fatal("expected error from failing resolver")
	}
}

func TestVoiceNoteQueueCapDropsOldest(t *testing.T) {
	r := NewClientRegistry(&fakeMembers{}, NewMetrics())

	for i := 0; i < maxQueuedVoiceNotes+4; i++ {
		r.QueueVoiceNote(5, &model.VoiceNote{
			ReceiverID: 5,
			AudioData:  fmt.Sprintf("note-%d", i),
		})
	}

	// A bare handle with no writer goroutine keeps the flushed packets in
	// the send queue where the test can inspect them.
	c := &Client{
		conn: &nopConn{},
		out:  make(chan *protocol.Packet, clientSendBuffer),
		done: make(chan struct{}),
	}
	delivered := r.FlushVoiceNotes(5, c)
	if delivered != maxQueuedVoiceNotes {
		t.Fatalf("delivered = %d, want %d", delivered, maxQueuedVoiceNotes)
	}

	// The oldest four were discarded; the first surviving note is note-4.
	first := <-c.out
	var v model.VoiceNote
	if err := first.DecodePayload(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.AudioData != "note-4" {
		t.Errorf("first flushed note = %q, want note-4", v.AudioData)
	}

	// Flushing again delivers nothing.
	if n := r.FlushVoiceNotes(5, c); n != 0 {
		t.Errorf("second flush delivered %d notes, want 0", n)
	}
}

func TestSendNeverBlocks(t *testing.T) {
	c := newClient(&nopConn{})
	c.Close()

	p := protocol.NewPacket(protocol.CmdSuccess, "late")
	for i := 0; i < clientSendBuffer*2; i++ {
		if c.Send(p) {
			t.Fatal("Send succeeded on a closed client")
		}
	}
}
