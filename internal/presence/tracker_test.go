package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"resonote/api/internal/realtime"
	"resonote/api/internal/store"
)

type fakeNotes struct {
	note store.Note
	err  error
}

func (f *fakeNotes) GetNote(ctx context.Context, id string) (store.Note, error) {
	return f.note, f.err
}

func setupTracker(t *testing.T, notes *fakeNotes) (*realtime.Hub, *Tracker) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	hub := realtime.NewHub(client)
	t.Cleanup(func() { _ = hub.Close() })

	tracker, err := Open(context.Background(), hub, notes, "n1", "u-self")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(tracker.Close)
	return hub, tracker
}

func waitStatuses(t *testing.T, tracker *Tracker, match func([]CollaboratorStatus) bool) []CollaboratorStatus {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot, ok := <-tracker.Updates():
			if !ok {
				t.Fatal("updates channel closed")
			}
			if match(snapshot) {
				return snapshot
			}
		case <-deadline:
			t.Fatalf("timed out; last snapshot: %+v", tracker.Snapshot())
		}
	}
}

func statusOf(snapshot []CollaboratorStatus, userID string) Status {
	for _, entry := range snapshot {
		if entry.UserID == userID {
			return entry.Status
		}
	}
	return ""
}

func TestTrackerDerivesOnline(t *testing.T) {
	notes := &fakeNotes{note: store.Note{
		ID: "n1",
		Collaborators: []store.Collaborator{
			{UserID: "u-self", Permission: store.PermissionEdit},
			{UserID: "u-other", Permission: store.PermissionView},
		},
	}}
	hub, tracker := setupTracker(t, notes)

	// Own track lands in the member set, so the first matching sync
	// shows self online and the absent collaborator offline.
	snapshot := waitStatuses(t, tracker, func(s []CollaboratorStatus) bool {
		return statusOf(s, "u-self") == StatusOnline
	})
	if got := statusOf(snapshot, "u-other"); got != StatusOffline {
		t.Errorf("expected u-other offline, got %s", got)
	}

	handle, err := hub.Track(context.Background(), realtime.Member{UserID: "u-other", NoteID: "n1"})
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	defer handle.Leave(context.Background())

	waitStatuses(t, tracker, func(s []CollaboratorStatus) bool {
		return statusOf(s, "u-other") == StatusOnline
	})
}

func TestTrackerIdleWindow(t *testing.T) {
	recent := time.Now().UTC().Add(-time.Minute)
	stale := time.Now().UTC().Add(-time.Hour)
	notes := &fakeNotes{note: store.Note{
		ID: "n1",
		Collaborators: []store.Collaborator{
			{UserID: "u-recent", Permission: store.PermissionView, LastActive: &recent},
			{UserID: "u-stale", Permission: store.PermissionView, LastActive: &stale},
			{UserID: "u-never", Permission: store.PermissionView},
		},
	}}
	_, tracker := setupTracker(t, notes)

	snapshot := tracker.Snapshot()
	if got := statusOf(snapshot, "u-recent"); got != StatusIdle {
		t.Errorf("expected u-recent idle, got %s", got)
	}
	if got := statusOf(snapshot, "u-stale"); got != StatusOffline {
		t.Errorf("expected u-stale offline, got %s", got)
	}
	if got := statusOf(snapshot, "u-never"); got != StatusOffline {
		t.Errorf("expected u-never offline, got %s", got)
	}
}

func TestTrackerCloseLeavesChannel(t *testing.T) {
	notes := &fakeNotes{note: store.Note{ID: "n1"}}
	hub, tracker := setupTracker(t, notes)

	tracker.Close()
	tracker.Close()

	deadline := time.After(2 * time.Second)
	for {
		members, err := hub.Members(context.Background(), "n1")
		if err != nil {
			t.Fatalf("Members failed: %v", err)
		}
		if len(members) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("member set not empty after Close: %+v", members)
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Updates drains and closes.
	for range tracker.Updates() {
	}
}
