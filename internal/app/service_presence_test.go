package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"resonote/api/internal/presence"
	"resonote/api/internal/realtime"
	"resonote/api/internal/store"
)

func testPresenceHub(t *testing.T) *realtime.Hub {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	hub := realtime.NewHub(client)
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func TestOpenPresenceAnnouncesCaller(t *testing.T) {
	mem := newMemStore()
	seedNote(mem, "n1", "u-owner", store.Collaborator{UserID: "u-bob", Permission: store.PermissionView})
	svc, _, _ := testService(mem)
	svc.presence = testPresenceHub(t)

	tracker, err := svc.OpenPresence(context.Background(), Session{UserID: "u-bob"}, "n1")
	if err != nil {
		t.Fatalf("OpenPresence failed: %v", err)
	}
	defer tracker.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case statuses, ok := <-tracker.Updates():
			if !ok {
				t.Fatal("updates channel closed before caller came online")
			}
			for _, entry := range statuses {
				if entry.UserID == "u-bob" && entry.Status == presence.StatusOnline {
					return
				}
			}
		case <-deadline:
			t.Fatal("caller never showed as online")
		}
	}
}

func TestOpenPresenceDenied(t *testing.T) {
	mem := newMemStore()
	seedNote(mem, "n1", "u-owner")
	svc, _, _ := testService(mem)
	svc.presence = testPresenceHub(t)

	_, err := svc.OpenPresence(context.Background(), Session{UserID: "u-stranger"}, "n1")
	wantCode(t, err, "UNAUTHORIZED")
}

func TestOpenPresenceWithoutHub(t *testing.T) {
	mem := newMemStore()
	seedNote(mem, "n1", "u-owner")
	svc, _, _ := testService(mem)

	_, err := svc.OpenPresence(context.Background(), Session{UserID: "u-owner"}, "n1")
	wantCode(t, err, "STORE_UNAVAILABLE")
}
