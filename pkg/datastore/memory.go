package datastore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// Memory provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type Memory struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextGroupID   int64
	nextMessageID int64
	nextCallID    int64

	usersByID       map[int64]*model.User
	usersByUsername map[string]*model.User
	groupsByID      map[int64]*model.Group
	groupMembers    map[int64]map[int64]bool
	messages        []*model.Message
	callsByID       map[int64]*model.Call
}

// NewMemory creates a Memory store using time.Now().UTC().
func NewMemory() *Memory {
	return NewMemoryWithClock(nil)
}

// NewMemoryWithClock creates a Memory store with a custom clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		now:             now,
		nextUserID:      1,
		nextGroupID:     1,
		nextMessageID:   1,
		nextCallID:      1,
		usersByID:       make(map[int64]*model.User),
		usersByUsername: make(map[string]*model.User),
		groupsByID:      make(map[int64]*model.Group),
		groupMembers:    make(map[int64]map[int64]bool),
		callsByID:       make(map[int64]*model.Call),
	}
}

// Close is a no-op for Memory.
func (s *Memory) Close() error {
	return nil
}

func (s *Memory) CreateUser(username string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("datastore: create user: username %q already taken", username)
	}

	u := &model.User{
		ID:        s.nextUserID,
		Username:  username,
		CreatedAt: s.now(),
	}
	s.nextUserID++
	s.usersByID[u.ID] = u
	s.usersByUsername[u.Username] = u

	out := *u
	return &out, nil
}

func (s *Memory) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (s *Memory) GetUserByID(id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (s *Memory) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Memory) CreateMessage(m *model.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.SentAt.IsZero() {
		m.SentAt = s.now()
	}
	m.ID = s.nextMessageID
	s.nextMessageID++

	stored := *m
	s.messages = append(s.messages, &stored)
	return nil
}

func (s *Memory) ListPrivateMessages(userA, userB int64) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []model.Message
	for _, m := range s.messages {
		if m.IsGroup() {
			continue
		}
		if (m.SenderID == userA && m.ReceiverID == userB) || (m.SenderID == userB && m.ReceiverID == userA) {
			msgs = append(msgs, *m)
		}
	}
	return msgs, nil
}

func (s *Memory) ListGroupMessages(groupID int64) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []model.Message
	for _, m := range s.messages {
		if m.GroupID == groupID {
			msgs = append(msgs, *m)
		}
	}
	return msgs, nil
}

func (s *Memory) CreateGroup(name string, creatorID int64) (*model.Group, error) {
	if err := model.ValidateGroupName(name); err != nil {
		return nil, fmt.Errorf("datastore: create group: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := &model.Group{
		ID:        s.nextGroupID,
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: s.now(),
	}
	s.nextGroupID++
	s.groupsByID[g.ID] = g
	s.groupMembers[g.ID] = map[int64]bool{creatorID: true}

	out := *g
	return &out, nil
}

func (s *Memory) GetGroup(id int64) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groupsByID[id]
	if !ok {
		return nil, nil
	}
	out := *g
	return &out, nil
}

func (s *Memory) GetGroupByName(name string) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.Group
	for _, g := range s.groupsByID {
		if g.Name == name && (found == nil || g.ID < found.ID) {
			found = g
		}
	}
	if found == nil {
		return nil, nil
	}
	out := *found
	return &out, nil
}

func (s *Memory) ListUserGroups(userID int64) ([]model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var groups []model.Group
	for gid, members := range s.groupMembers {
		if members[userID] {
			groups = append(groups, *s.groupsByID[gid])
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (s *Memory) ListGroups() ([]model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]model.Group, 0, len(s.groupsByID))
	for _, g := range s.groupsByID {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (s *Memory) GroupMembers(groupID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]int64, 0, len(s.groupMembers[groupID]))
	for uid := range s.groupMembers[groupID] {
		members = append(members, uid)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (s *Memory) AddGroupMember(groupID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groupsByID[groupID]; !ok {
		return fmt.Errorf("datastore: add group member: group %d not found", groupID)
	}
	s.groupMembers[groupID][userID] = true
	return nil
}

func (s *Memory) CreateCall(c *model.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = s.nextCallID
	s.nextCallID++

	stored := *c
	s.callsByID[stored.ID] = &stored
	return nil
}

func (s *Memory) UpdateCallStatus(id int64, status model.CallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.callsByID[id]; ok {
		c.Status = status
	}
	return nil
}

func (s *Memory) EndCall(id int64, endedAt time.Time, durationSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.callsByID[id]; ok {
		c.Status = model.CallEnded
		c.EndedAt = endedAt
		c.DurationSeconds = durationSeconds
	}
	return nil
}

func (s *Memory) LatestRingingCall(callerID, receiverID int64) (*model.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.Call
	for _, c := range s.callsByID {
		if c.CallerID == callerID && c.ReceiverID == receiverID && c.Status == model.CallRinging {
			if found == nil || c.ID > found.ID {
				found = c
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	out := *found
	return &out, nil
}

func (s *Memory) ListUserCalls(userID int64) ([]model.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var calls []model.Call
	for _, c := range s.callsByID {
		if c.CallerID == userID || c.ReceiverID == userID {
			calls = append(calls, *c)
		}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].ID > calls[j].ID })
	return calls, nil
}
