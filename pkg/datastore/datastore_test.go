package datastore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// backends runs a subtest against both DataStore implementations so the
// in-memory store provably mirrors SQLite behavior.
func backends(t *testing.T, fn func(t *testing.T, st datastore.DataStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		dbPath := filepath.Join(t.TempDir(), "test.db")
		st, err := datastore.Open(dbPath)
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, datastore.NewMemory())
	})
}

var ignoreTimes = cmpopts.IgnoreFields(model.User{}, "CreatedAt")

func TestCreateUser(t *testing.T) {
	t.Parallel()

	backends(t, func(t *testing.T, st datastore.DataStore) {
		u, err := st.CreateUser("alice")
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if u.ID == 0 {
			t.Fatal("CreateUser: id not assigned")
		}

		got, err := st.GetUserByUsername("alice")
		if err != nil {
			t.Fatalf("GetUserByUsername: %v", err)
		}
		if diff := cmp.Diff(u, got, ignoreTimes); diff != "" {
			t.Errorf("user mismatch (-want +got):\n%s", diff)
		}

		if _, err := st.CreateUser("alice"); err == nil {
			t.Error("CreateUser: expected error for duplicate username")
		}
		if _, err := st.CreateUser(""); err == nil {
			t.Error("CreateUser: expected error for empty username")
		}

		missing, err := st.GetUserByUsername("nobody")
		if err != nil {
			t.Fatalf("GetUserByUsername(missing): %v", err)
		}
		if missing != nil {
			t.Errorf("GetUserByUsername(missing) = %+v, want nil", missing)
		}
	})
}

func TestPrivateMessageHistory(t *testing.T) {
	t.Parallel()

	backends(t, func(t *testing.T, st datastore.DataStore) {
		alice, _ := st.CreateUser("alice")
		bob, _ := st.CreateUser("bob")
		carol, _ := st.CreateUser("carol")

		send := func(from, to *model.User, text string) {
			t.Helper()
			m := &model.Message{SenderID: from.ID, SenderUsername: from.Username, ReceiverID: to.ID, Content: text}
			if err := st.CreateMessage(m); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
		}

		send(alice, bob, "hi bob")
		send(bob, alice, "hi alice")
		send(alice, carol, "unrelated")

		msgs, err := st.ListPrivateMessages(alice.ID, bob.ID)
		if err != nil {
			t.Fatalf("ListPrivateMessages: %v", err)
		}

		var contents []string
		for _, m := range msgs {
			contents = append(contents, m.Content)
		}
		if diff := cmp.Diff([]string{"hi bob", "hi alice"}, contents); diff != "" {
			t.Errorf("history mismatch (-want +got):\n%s", diff)
		}

		if err := st.CreateMessage(&model.Message{SenderID: alice.ID, Content: "no target"}); err == nil {
			t.Error("CreateMessage: expected error for message without target")
		}
	})
}

func TestGroupsAndMembership(t *testing.T) {
	t.Parallel()

	backends(t, func(t *testing.T, st datastore.DataStore) {
		alice, _ := st.CreateUser("alice")
		bob, _ := st.CreateUser("bob")

		g, err := st.CreateGroup("friends", alice.ID)
		if err != nil {
			t.Fatalf("CreateGroup: %v", err)
		}

		// Creator is enrolled automatically.
		members, err := st.GroupMembers(g.ID)
		if err != nil {
			t.Fatalf("GroupMembers: %v", err)
		}
		if diff := cmp.Diff([]int64{alice.ID}, members); diff != "" {
			t.Errorf("initial members mismatch (-want +got):\n%s", diff)
		}

		if err := st.AddGroupMember(g.ID, bob.ID); err != nil {
			t.Fatalf("AddGroupMember: %v", err)
		}
		// Re-adding is a no-op.
		if err := st.AddGroupMember(g.ID, bob.ID); err != nil {
			t.Fatalf("AddGroupMember (repeat): %v", err)
		}

		members, _ = st.GroupMembers(g.ID)
		if diff := cmp.Diff([]int64{alice.ID, bob.ID}, members); diff != "" {
			t.Errorf("members mismatch (-want +got):\n%s", diff)
		}

		groups, err := st.ListUserGroups(bob.ID)
		if err != nil {
			t.Fatalf("ListUserGroups: %v", err)
		}
		if len(groups) != 1 || groups[0].ID != g.ID {
			t.Errorf("ListUserGroups = %+v, want [%d]", groups, g.ID)
		}

		msg := &model.Message{SenderID: alice.ID, SenderUsername: "alice", GroupID: g.ID, Content: "hello group"}
		if err := st.CreateMessage(msg); err != nil {
			t.Fatalf("CreateMessage(group): %v", err)
		}
		gm, err := st.ListGroupMessages(g.ID)
		if err != nil {
			t.Fatalf("ListGroupMessages: %v", err)
		}
		if len(gm) != 1 || gm[0].Content != "hello group" {
			t.Errorf("ListGroupMessages = %+v", gm)
		}
	})
}

func TestCallPersistence(t *testing.T) {
	t.Parallel()

	backends(t, func(t *testing.T, st datastore.DataStore) {
		first := &model.Call{CallerID: 1, ReceiverID: 2, Status: model.CallRinging}
		if err := st.CreateCall(first); err != nil {
			t.Fatalf("CreateCall: %v", err)
		}
		second := &model.Call{CallerID: 1, ReceiverID: 2, Status: model.CallRinging}
		if err := st.CreateCall(second); err != nil {
			t.Fatalf("CreateCall: %v", err)
		}
		if first.ID == second.ID {
			t.Fatal("CreateCall: ids not unique")
		}

		latest, err := st.LatestRingingCall(1, 2)
		if err != nil {
			t.Fatalf("LatestRingingCall: %v", err)
		}
		if latest == nil || latest.ID != second.ID {
			t.Fatalf("LatestRingingCall = %+v, want id %d", latest, second.ID)
		}

		if err := st.UpdateCallStatus(second.ID, model.CallRejected); err != nil {
			t.Fatalf("UpdateCallStatus: %v", err)
		}
		latest, _ = st.LatestRingingCall(1, 2)
		if latest == nil || latest.ID != first.ID {
			t.Fatalf("LatestRingingCall after reject = %+v, want id %d", latest, first.ID)
		}

		ended := time.Date(2026, 8, 1, 12, 0, 5, 0, time.UTC)
		if err := st.EndCall(first.ID, ended, 5); err != nil {
			t.Fatalf("EndCall: %v", err)
		}
		calls, err := st.ListUserCalls(1)
		if err != nil {
			t.Fatalf("ListUserCalls: %v", err)
		}
		var found *model.Call
		for i := range calls {
			if calls[i].ID == first.ID {
				found = &calls[i]
			}
		}
		if found == nil {
			t.Fatal("ListUserCalls: ended call missing")
		}
		if found.Status != model.CallEnded || found.DurationSeconds != 5 {
			t.Errorf("ended call = status %s duration %d, want ENDED/5", found.Status, found.DurationSeconds)
		}

		none, err := st.LatestRingingCall(9, 10)
		if err != nil {
			t.Fatalf("LatestRingingCall(none): %v", err)
		}
		if none != nil {
			t.Errorf("LatestRingingCall(none) = %+v, want nil", none)
		}
	})
}
