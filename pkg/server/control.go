package server

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// StartControl starts the TCP control-plane listener.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.controlLn = ln
	slog.Info("control plane listening", "addr", s.cfg.ControlAddr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleControlConn(conn)
		}
	}()

	return nil
}

// handleControlConn owns one control connection: a blocking read loop over
// newline-delimited packets, then disconnect cleanup exactly once, whatever
// ended the loop.
func (s *Server) handleControlConn(conn net.Conn) {
	client := newClient(conn)
	defer client.Close()

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("new control connection", "conn", client.connID, "remote", conn.RemoteAddr().String())

	defer func() {
		if userID, username, ok := client.identity(); ok {
			s.registry.Unregister(userID, client)
			slog.Info("client disconnected", "user", username, "conn", client.connID)
		} else {
			slog.Debug("client disconnected before login", "conn", client.connID)
		}
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
	}()

	r := bufio.NewReaderSize(conn, protocol.MaxPacketSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		pkt, err := protocol.ReadPacket(r)
		if err != nil {
			if err != io.EOF && !isClosedErr(err) {
				slog.Debug("control read error", "conn", client.connID, "err", err)
			}
			return
		}
		s.dispatch(client, pkt)
	}
}

// dispatch routes one control packet to its handler. A panic while handling
// one client's command is contained to that command; the connection and the
// listener keep running.
func (s *Server) dispatch(c *Client, pkt *protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("command handler panic", "conn", c.connID, "command", pkt.Command, "panic", r)
			c.Send(protocol.NewErrorPacket("internal error"))
		}
	}()

	switch pkt.Command {
	case protocol.CmdRegister:
		s.handleRegister(c, pkt)
		return
	case protocol.CmdLogin:
		s.handleLogin(c, pkt)
		return
	}

	// Everything else needs an established identity.
	userID, username, ok := c.identity()
	if !ok {
		c.Send(protocol.NewErrorPacket("login required"))
		return
	}

	switch pkt.Command {
	case protocol.CmdLogout:
		s.handleLogout(c, userID, username)
	case protocol.CmdSendMessage:
		s.handleSendMessage(c, pkt, userID, username)
	case protocol.CmdSendGroupMessage:
		s.handleSendGroupMessage(c, pkt, userID, username)
	case protocol.CmdGetHistory:
		s.handleGetHistory(c, pkt, userID)
	case protocol.CmdGetGroupMessages:
		s.handleGetGroupMessages(c, pkt)
	case protocol.CmdCreateGroup:
		s.handleCreateGroup(c, pkt, userID)
	case protocol.CmdGetUserGroups:
		s.handleGetUserGroups(c, userID)
	case protocol.CmdAddToGroup:
		s.handleAddToGroup(c, pkt)
	case protocol.CmdGetUsers:
		s.handleGetUsers(c)
	case protocol.CmdVoiceNoteData:
		s.handleVoiceNote(c, pkt, userID, username)
	case protocol.CmdCallRequest:
		s.handleCallRequest(c, pkt, userID, username)
	case protocol.CmdCallAccept:
		s.handleCallAccept(c, pkt, userID)
	case protocol.CmdCallReject:
		s.handleCallReject(c, pkt, userID)
	case protocol.CmdCallEnd:
		s.handleCallEnd(c, pkt, userID)
	default:
		c.Send(protocol.NewErrorPacket("unrecognized command"))
	}
}

func (s *Server) handleRegister(c *Client, pkt *protocol.Packet) {
	username := strings.TrimSpace(pkt.Data)
	user, err := s.store.CreateUser(username)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	s.finishAuth(c, user)
	slog.Info("user registered", "user", user.Username, "id", user.ID, "conn", c.connID)
}

func (s *Server) handleLogin(c *Client, pkt *protocol.Packet) {
	username := strings.TrimSpace(pkt.Data)
	user, err := s.store.GetUserByUsername(username)
	if err != nil {
		c.Send(protocol.NewErrorPacket("internal error"))
		return
	}
	if user == nil {
		s.metrics.FailedAuths.Add(1)
		c.Send(protocol.NewErrorPacket("unknown username"))
		return
	}
	s.finishAuth(c, user)
	slog.Info("user logged in", "user", user.Username, "id", user.ID, "conn", c.connID)
}

// finishAuth binds the identity, registers the handle (evicting any prior
// session for this user), responds SUCCESS, and flushes voice notes queued
// while the user was offline.
func (s *Server) finishAuth(c *Client, user *model.User) {
	c.bind(user)
	s.registry.Register(user.ID, c)
	s.metrics.SuccessfulAuths.Add(1)

	resp, err := protocol.NewJSONPacket(protocol.CmdSuccess, user)
	if err != nil {
		c.Send(protocol.NewErrorPacket("internal error"))
		return
	}
	c.Send(resp)

	if n := s.registry.FlushVoiceNotes(user.ID, c); n > 0 {
		slog.Debug("flushed queued voice notes", "user", user.Username, "count", n)
	}
}

// handleLogout releases the session. LOGOUT has no response packet.
func (s *Server) handleLogout(c *Client, userID int64, username string) {
	s.registry.Unregister(userID, c)
	c.unbind()
	slog.Info("user logged out", "user", username, "conn", c.connID)
}

func (s *Server) handleSendMessage(c *Client, pkt *protocol.Packet, userID int64, username string) {
	var msg model.Message
	if err := pkt.DecodePayload(&msg); err != nil {
		c.Send(protocol.NewErrorPacket("malformed message payload"))
		return
	}
	msg.SenderID = userID
	msg.SenderUsername = username
	msg.GroupID = 0

	if err := s.store.CreateMessage(&msg); err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	c.Send(protocol.NewPacket(protocol.CmdSuccess, "message sent"))
	s.metrics.PrivateMessages.Add(1)

	// Recipient offline is a soft condition: the message is persisted and
	// only the live notification is skipped.
	if rcpt := s.registry.Get(msg.ReceiverID); rcpt != nil {
		if note, err := protocol.NewJSONPacket(protocol.CmdReceiveMessage, &msg); err == nil {
			rcpt.Send(note)
		}
	}
}

func (s *Server) handleSendGroupMessage(c *Client, pkt *protocol.Packet, userID int64, username string) {
	var msg model.Message
	if err := pkt.DecodePayload(&msg); err != nil {
		c.Send(protocol.NewErrorPacket("malformed message payload"))
		return
	}
	msg.SenderID = userID
	msg.SenderUsername = username
	msg.ReceiverID = 0

	if err := s.store.CreateMessage(&msg); err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	c.Send(protocol.NewPacket(protocol.CmdSuccess, "message sent to group"))
	s.metrics.GroupMessages.Add(1)

	if err := s.registry.NotifyGroupMessage(&msg, userID); err != nil {
		slog.Error("group message fan-out failed", "group", msg.GroupID, "err", err)
	}
}

func (s *Server) handleGetHistory(c *Client, pkt *protocol.Packet, userID int64) {
	otherID, err := strconv.ParseInt(strings.TrimSpace(pkt.Data), 10, 64)
	if err != nil {
		c.Send(protocol.NewErrorPacket("invalid user id"))
		return
	}
	msgs, err := s.store.ListPrivateMessages(userID, otherID)
	if err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	s.sendJSON(c, protocol.CmdSuccess, msgs)
}

func (s *Server) handleGetGroupMessages(c *Client, pkt *protocol.Packet) {
	groupID, err := strconv.ParseInt(strings.TrimSpace(pkt.Data), 10, 64)
	if err != nil {
		c.Send(protocol.NewErrorPacket("invalid group id"))
		return
	}
	msgs, err := s.store.ListGroupMessages(groupID)
	if err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	s.sendJSON(c, protocol.CmdSuccess, msgs)
}

func (s *Server) handleCreateGroup(c *Client, pkt *protocol.Packet, userID int64) {
	name := strings.TrimSpace(pkt.Data)
	group, err := s.store.CreateGroup(name, userID)
	if err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	s.metrics.GroupsCreated.Add(1)
	slog.Info("group created", "group", group.Name, "id", group.ID, "by", userID)
	s.sendJSON(c, protocol.CmdSuccess, group)
}

func (s *Server) handleGetUserGroups(c *Client, userID int64) {
	groups, err := s.store.ListUserGroups(userID)
	if err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	if groups == nil {
		groups = []model.Group{}
	}
	s.sendJSON(c, protocol.CmdSuccess, groups)
}

// handleAddToGroup parses the original "groupId,userId" payload shape.
func (s *Server) handleAddToGroup(c *Client, pkt *protocol.Packet) {
	parts := strings.Split(pkt.Data, ",")
	if len(parts) != 2 {
		c.Send(protocol.NewErrorPacket("expected payload groupId,userId"))
		return
	}
	groupID, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	memberID, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		c.Send(protocol.NewErrorPacket("expected payload groupId,userId"))
		return
	}
	if err := s.store.AddGroupMember(groupID, memberID); err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	c.Send(protocol.NewPacket(protocol.CmdSuccess, "user added to group"))
}

func (s *Server) handleGetUsers(c *Client) {
	users, err := s.store.ListUsers()
	if err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	if users == nil {
		users = []model.User{}
	}
	s.sendJSON(c, protocol.CmdSuccess, users)
}

func (s *Server) handleVoiceNote(c *Client, pkt *protocol.Packet, userID int64, username string) {
	var note model.VoiceNote
	if err := pkt.DecodePayload(&note); err != nil {
		c.Send(protocol.NewErrorPacket("malformed voice note payload"))
		return
	}
	note.SenderID = userID
	note.SenderUsername = username
	if err := note.Validate(); err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}

	if note.IsGroup() {
		if err := s.registry.NotifyGroupVoiceNote(&note, userID); err != nil {
			c.Send(protocol.NewErrorPacket(err.Error()))
			return
		}
		s.metrics.VoiceNotesDelivered.Add(1)
		c.Send(protocol.NewPacket(protocol.CmdSuccess, "voice note sent to group"))
		return
	}

	if rcpt := s.registry.Get(note.ReceiverID); rcpt != nil {
		if p, err := protocol.NewJSONPacket(protocol.CmdVoiceNoteData, &note); err == nil {
			rcpt.Send(p)
		}
		s.metrics.VoiceNotesDelivered.Add(1)
		c.Send(protocol.NewPacket(protocol.CmdSuccess, "voice note sent"))
		return
	}

	// Offline recipient: best-effort in-memory queue, flushed on their next
	// login. Only known users get a queue slot, so unregistered ids cannot
	// grow the map.
	rcptUser, err := s.store.GetUserByID(note.ReceiverID)
	if err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	if rcptUser == nil {
		c.Send(protocol.NewErrorPacket("unknown user"))
		return
	}
	s.registry.QueueVoiceNote(note.ReceiverID, &note)
	s.metrics.VoiceNotesQueued.Add(1)
	c.Send(protocol.NewPacket(protocol.CmdSuccess, "voice note queued"))
}

func (s *Server) handleCallRequest(c *Client, pkt *protocol.Packet, userID int64, username string) {
	var call model.Call
	if err := pkt.DecodePayload(&call); err != nil {
		c.Send(protocol.NewErrorPacket("malformed call payload"))
		return
	}
	call.CallerID = userID
	call.CallerUsername = username

	if err := s.calls.Initiate(&call); err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	s.metrics.CallsInitiated.Add(1)

	if call.GroupCall {
		c.Send(protocol.NewPacket(protocol.CmdSuccess, "call started"))
		if err := s.registry.NotifyGroupCall(&call, userID); err != nil {
			slog.Error("group call fan-out failed", "group", call.ReceiverID, "err", err)
		}
		return
	}

	rcpt := s.registry.Get(call.ReceiverID)
	if rcpt == nil {
		c.Send(protocol.NewErrorPacket("user unavailable"))
		return
	}
	c.Send(protocol.NewPacket(protocol.CmdSuccess, "call started"))
	if p, err := protocol.NewJSONPacket(protocol.CmdCallRequest, &call); err == nil {
		rcpt.Send(p)
	}
}

func (s *Server) handleCallAccept(c *Client, pkt *protocol.Packet, userID int64) {
	var call model.Call
	if err := pkt.DecodePayload(&call); err != nil {
		c.Send(protocol.NewErrorPacket("malformed call payload"))
		return
	}

	active, err := s.calls.Accept(call.CallerID, call.ReceiverID)
	if err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	s.metrics.CallsAccepted.Add(1)
	c.Send(protocol.NewPacket(protocol.CmdSuccess, "call accepted"))
	s.notifyCounterpart(protocol.CmdCallAccept, active, userID)
}

func (s *Server) handleCallReject(c *Client, pkt *protocol.Packet, userID int64) {
	var call model.Call
	if err := pkt.DecodePayload(&call); err != nil {
		c.Send(protocol.NewErrorPacket("malformed call payload"))
		return
	}

	if err := s.calls.Reject(call.CallerID, call.ReceiverID); err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	s.metrics.CallsRejected.Add(1)
	c.Send(protocol.NewPacket(protocol.CmdSuccess, "call rejected"))
	call.Status = model.CallRejected
	s.notifyCounterpart(protocol.CmdCallReject, &call, userID)
}

func (s *Server) handleCallEnd(c *Client, pkt *protocol.Packet, userID int64) {
	var call model.Call
	if err := pkt.DecodePayload(&call); err != nil {
		c.Send(protocol.NewErrorPacket("malformed call payload"))
		return
	}

	ended, err := s.calls.End(userID)
	if err != nil {
		c.Send(protocol.NewErrorPacket(err.Error()))
		return
	}
	c.Send(protocol.NewPacket(protocol.CmdSuccess, "call ended"))
	if ended == nil {
		// Double-end or never-accepted call: nothing tracked, nothing to
		// notify beyond what the payload names.
		s.notifyCounterpart(protocol.CmdCallEnd, &call, userID)
		return
	}
	s.metrics.CallsEnded.Add(1)
	s.notifyCounterpart(protocol.CmdCallEnd, ended, userID)
}

// notifyCounterpart delivers a call notification to exactly the other
// participant of the pair, if connected.
func (s *Server) notifyCounterpart(cmd protocol.Command, call *model.Call, userID int64) {
	other := call.Counterpart(userID)
	if other == 0 {
		return
	}
	peer := s.registry.Get(other)
	if peer == nil {
		return
	}
	if p, err := protocol.NewJSONPacket(cmd, call); err == nil {
		peer.Send(p)
	}
}

func (s *Server) sendJSON(c *Client, cmd protocol.Command, v any) {
	p, err := protocol.NewJSONPacket(cmd, v)
	if err != nil {
		c.Send(protocol.NewErrorPacket("internal error"))
		return
	}
	c.Send(p)
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
