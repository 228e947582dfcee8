package datastore

import (
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// DataStore defines the persistence interface for all relay entities.
// Implementations include the default SQLite store and the in-memory store
// used for isolated tests. Lookups return (nil, nil) for absent rows; callers
// treat absence as a soft condition, never a fatal one.
type DataStore interface {
	ConfigProvider

	UserReadProvider
	UserWriteProvider

	MessageReadProvider
	MessageWriteProvider

	GroupReadProvider
	GroupWriteProvider

	CallReadProvider
	CallWriteProvider
}

// Compile-time checks.
var _ DataStore = (*SQL)(nil)
var _ DataStore = (*Memory)(nil)

type ConfigProvider interface {
	Close() error
}

type UserReadProvider interface {
	GetUserByUsername(username string) (*model.User, error)
	GetUserByID(id int64) (*model.User, error)
	ListUsers() ([]model.User, error)
}

type UserWriteProvider interface {
	// CreateUser assigns a fresh numeric id to a username. Fails when the
	// username is invalid or already taken.
	CreateUser(username string) (*model.User, error)
}

type MessageReadProvider interface {
	// ListPrivateMessages returns the conversation between two users in
	// send order, regardless of direction.
	ListPrivateMessages(userA, userB int64) ([]model.Message, error)
	ListGroupMessages(groupID int64) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(m *model.Message) error
}

type GroupReadProvider interface {
	GetGroup(id int64) (*model.Group, error)
	GetGroupByName(name string) (*model.Group, error)
	ListUserGroups(userID int64) ([]model.Group, error)
	ListGroups() ([]model.Group, error)
	// GroupMembers resolves the user ids belonging to a group.
	GroupMembers(groupID int64) ([]int64, error)
}

type GroupWriteProvider interface {
	// CreateGroup creates the group and enrolls the creator as its first
	// member.
	CreateGroup(name string, creatorID int64) (*model.Group, error)
	AddGroupMember(groupID, userID int64) error
}

type CallReadProvider interface {
	// LatestRingingCall returns the most recent RINGING session between the
	// pair, or nil when none exists.
	LatestRingingCall(callerID, receiverID int64) (*model.Call, error)
	ListUserCalls(userID int64) ([]model.Call, error)
}

type CallWriteProvider interface {
	// CreateCall persists a new session and assigns its id.
	CreateCall(c *model.Call) error
	UpdateCallStatus(id int64, status model.CallStatus) error
	// EndCall marks the session ENDED with its final duration.
	EndCall(id int64, endedAt time.Time, durationSeconds int64) error
}
