package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// CallManager tracks call signaling state: RINGING sessions pending an
// answer, keyed by the caller/receiver pair, and ACTIVE sessions indexed by
// both participant ids so either side can end them. One session object
// carries its persisted id through every transition.
//
// Persistence failures propagate untouched; the manager never retries.
type CallManager struct {
	store datastore.DataStore
	now   func() time.Time

	mu      sync.RWMutex
	pending map[callPair]*model.Call
	active  map[int64]*model.Call
}

type callPair struct {
	callerID   int64
	receiverID int64
}

// NewCallManager creates a call manager backed by the given store.
func NewCallManager(store datastore.DataStore) *CallManager {
	return &CallManager{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[callPair]*model.Call),
		active:  make(map[int64]*model.Call),
	}
}

// Initiate persists a new RINGING session and tracks it as pending. Ringing
// the callee is the dispatcher's job, not the manager's.
func (cm *CallManager) Initiate(call *model.Call) error {
	call.Status = model.CallRinging
	if err := cm.store.CreateCall(call); err != nil {
		return fmt.Errorf("calls: initiate: %w", err)
	}
	if !call.GroupCall {
		cm.mu.Lock()
		cm.pending[callPair{call.CallerID, call.ReceiverID}] = call
		cm.mu.Unlock()
	}
	return nil
}

// Accept promotes the pending session between the pair to ACTIVE, stamping
// the start time and indexing it under both participant ids. When no pending
// session exists (the relay may have restarted mid-ring) a fresh one is
// created and persisted so the session still has a stable identity.
func (cm *CallManager) Accept(callerID, receiverID int64) (*model.Call, error) {
	key := callPair{callerID, receiverID}

	cm.mu.Lock()
	call := cm.pending[key]
	delete(cm.pending, key)
	cm.mu.Unlock()

	if call == nil {
		call = &model.Call{CallerID: callerID, ReceiverID: receiverID, Status: model.CallRinging}
		if err := cm.store.CreateCall(call); err != nil {
			return nil, fmt.Errorf("calls: accept: %w", err)
		}
	}

	call.Status = model.CallActive
	call.StartedAt = cm.now()
	if err := cm.store.UpdateCallStatus(call.ID, model.CallActive); err != nil {
		return nil, fmt.Errorf("calls: accept: %w", err)
	}

	cm.mu.Lock()
	cm.active[callerID] = call
	cm.active[receiverID] = call
	cm.mu.Unlock()
	return call, nil
}

// Reject marks the pair's RINGING session REJECTED. Resolution prefers the
// pending table, then falls back to the latest persisted RINGING row.
// Nothing ringing is a silent no-op, never an error.
func (cm *CallManager) Reject(callerID, receiverID int64) error {
	key := callPair{callerID, receiverID}

	cm.mu.Lock()
	call := cm.pending[key]
	delete(cm.pending, key)
	cm.mu.Unlock()

	if call == nil {
		var err error
		call, err = cm.store.LatestRingingCall(callerID, receiverID)
		if err != nil {
			return fmt.Errorf("calls: reject: %w", err)
		}
		if call == nil {
			return nil
		}
	}

	if err := cm.store.UpdateCallStatus(call.ID, model.CallRejected); err != nil {
		return fmt.Errorf("calls: reject: %w", err)
	}
	return nil
}

// End removes the ACTIVE session visible to userID, computes its duration in
// whole seconds (truncated), and persists the termination. Returns the ended
// session, or nil when userID has no active call (double-end, or ending a
// call that was never accepted): a silent no-op.
func (cm *CallManager) End(userID int64) (*model.Call, error) {
	cm.mu.Lock()
	call := cm.active[userID]
	if call != nil {
		delete(cm.active, userID)
		delete(cm.active, call.Counterpart(userID))
	}
	cm.mu.Unlock()

	if call == nil {
		return nil, nil
	}

	call.Status = model.CallEnded
	call.EndedAt = cm.now()
	if !call.StartedAt.IsZero() {
		call.DurationSeconds = int64(call.EndedAt.Sub(call.StartedAt) / time.Second)
	}
	if err := cm.store.EndCall(call.ID, call.EndedAt, call.DurationSeconds); err != nil {
		return nil, fmt.Errorf("calls: end: %w", err)
	}
	return call, nil
}

// ActiveCall returns the ACTIVE session visible to userID, or nil.
func (cm *CallManager) ActiveCall(userID int64) *model.Call {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.active[userID]
}
