package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupHub(t *testing.T) *Hub {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	hub := NewHub(client)
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func waitEvent(t *testing.T, c <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-c:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func waitSync(t *testing.T, c <-chan []Member) []Member {
	t.Helper()
	select {
	case members, ok := <-c:
		if !ok {
			t.Fatal("presence channel closed")
		}
		return members
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence sync")
	}
	return nil
}

// waitSyncWhere keeps reading syncs until the predicate matches, since
// rapid membership churn may coalesce or deliver intermediate states.
func waitSyncWhere(t *testing.T, c <-chan []Member, match func([]Member) bool) []Member {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case members, ok := <-c:
			if !ok {
				t.Fatal("presence channel closed")
			}
			if match(members) {
				return members
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching presence sync")
		}
	}
}

func TestPublishAndSubscribeChanges(t *testing.T) {
	hub := setupHub(t)
	ctx := context.Background()

	sub, err := hub.SubscribeChanges(ctx, TableNotes, "", "")
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}
	defer sub.Unsubscribe()

	want := Event{Table: TableNotes, Action: ActionUpdate, NoteID: "n1"}
	if err := hub.Publish(ctx, want); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := waitEvent(t, sub.C)
	if got.NoteID != "n1" || got.Action != ActionUpdate {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestSubscribeChangesNoteFilter(t *testing.T) {
	hub := setupHub(t)
	ctx := context.Background()

	sub, err := hub.SubscribeChanges(ctx, TableNotes, "n2", "")
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := hub.Publish(ctx, Event{Table: TableNotes, Action: ActionUpdate, NoteID: "other"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := hub.Publish(ctx, Event{Table: TableNotes, Action: ActionDelete, NoteID: "n2"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := waitEvent(t, sub.C)
	if got.NoteID != "n2" || got.Action != ActionDelete {
		t.Errorf("filter leaked event: %+v", got)
	}
}

func TestSubscribeChangesEmailFilter(t *testing.T) {
	hub := setupHub(t)
	ctx := context.Background()

	sub, err := hub.SubscribeChanges(ctx, TableInvitations, "", "bob@example.com")
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := hub.Publish(ctx, Event{Table: TableInvitations, Action: ActionInsert, Email: "eve@example.com"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := hub.Publish(ctx, Event{Table: TableInvitations, Action: ActionInsert, Email: "bob@example.com"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := waitEvent(t, sub.C)
	if got.Email != "bob@example.com" {
		t.Errorf("filter leaked event: %+v", got)
	}
}

func TestPresenceTrackSyncLeave(t *testing.T) {
	hub := setupHub(t)
	ctx := context.Background()

	sub, err := hub.SubscribePresence(ctx, "n1")
	if err != nil {
		t.Fatalf("SubscribePresence failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Seed sync: empty set.
	initial := waitSync(t, sub.C)
	if len(initial) != 0 {
		t.Errorf("expected empty initial member set, got %+v", initial)
	}

	handle, err := hub.Track(ctx, Member{UserID: "u-bob", NoteID: "n1"})
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	joined := waitSyncWhere(t, sub.C, func(members []Member) bool { return len(members) == 1 })
	if joined[0].UserID != "u-bob" {
		t.Errorf("expected u-bob in member set, got %+v", joined)
	}

	handle.Leave(ctx)
	waitSyncWhere(t, sub.C, func(members []Member) bool { return len(members) == 0 })
}

func TestPresenceMultipleMembers(t *testing.T) {
	hub := setupHub(t)
	ctx := context.Background()

	if _, err := hub.Track(ctx, Member{UserID: "u-a", NoteID: "n1"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if _, err := hub.Track(ctx, Member{UserID: "u-b", NoteID: "n1"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if _, err := hub.Track(ctx, Member{UserID: "u-c", NoteID: "other"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	members, err := hub.Members(ctx, "n1")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	// Members is sorted by user id.
	if members[0].UserID != "u-a" || members[1].UserID != "u-b" {
		t.Errorf("unexpected member set: %+v", members)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := setupHub(t)
	ctx := context.Background()

	sub, err := hub.SubscribeChanges(ctx, TableNotes, "", "")
	if err != nil {
		t.Fatalf("SubscribeChanges failed: %v", err)
	}
	sub.Unsubscribe()

	// The event channel closes once the pubsub drains.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Unsubscribe")
		}
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	hub := setupHub(t)
	ctx := context.Background()

	handle, err := hub.Track(ctx, Member{UserID: "u-x", NoteID: "n9"})
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	handle.Leave(ctx)
	handle.Leave(ctx)

	members, err := hub.Members(ctx, "n9")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected empty member set, got %+v", members)
	}
}
