// Package presence derives per-collaborator online/idle/offline status
// for one open note, combining the live realtime member set with the
// durable collaborator list.
package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"resonote/api/internal/realtime"
	"resonote/api/internal/store"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// A collaborator counts as idle for this long after last activity, then
// drops to offline.
const idleWindow = 5 * time.Minute

// The durable collaborator list is re-polled on this interval so
// offline last_active timestamps do not go permanently stale.
const pollInterval = 30 * time.Second

// CollaboratorStatus is one roster entry with its derived status.
type CollaboratorStatus struct {
	UserID     string     `json:"user_id"`
	Email      string     `json:"email,omitempty"`
	Permission string     `json:"permission"`
	Status     Status     `json:"status"`
	LastActive *time.Time `json:"last_active,omitempty"`
}

// NoteFetcher supplies the durable collaborator roster.
type NoteFetcher interface {
	GetNote(ctx context.Context, id string) (store.Note, error)
}

// Tracker follows one note's presence channel for the lifetime of an
// open note view. Callers must Close it when the view goes away.
type Tracker struct {
	hub    *realtime.Hub
	notes  NoteFetcher
	noteID string

	sub    *realtime.PresenceSubscription
	self   *realtime.PresenceHandle
	ticker *time.Ticker

	updates chan []CollaboratorStatus
	done    chan struct{}
	once    sync.Once

	now func() time.Time

	mu     sync.Mutex
	roster []store.Collaborator
	live   map[string]realtime.Member
}

// Open subscribes to the note's presence channel, announces userID as
// present, and starts the roster poll loop. The first status snapshot
// is delivered on Updates shortly after Open returns.
func Open(ctx context.Context, hub *realtime.Hub, notes NoteFetcher, noteID, userID string) (*Tracker, error) {
	note, err := notes.GetNote(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("load collaborators for %s: %w", noteID, err)
	}

	sub, err := hub.SubscribePresence(ctx, noteID)
	if err != nil {
		return nil, err
	}

	self, err := hub.Track(ctx, realtime.Member{UserID: userID, NoteID: noteID, LastActive: time.Now().UTC()})
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	t := &Tracker{
		hub:     hub,
		notes:   notes,
		noteID:  noteID,
		sub:     sub,
		self:    self,
		ticker:  time.NewTicker(pollInterval),
		updates: make(chan []CollaboratorStatus, 4),
		done:    make(chan struct{}),
		now:     time.Now,
		roster:  note.Collaborators,
		live:    map[string]realtime.Member{},
	}
	go t.loop()
	return t, nil
}

// Updates delivers a fresh status snapshot on every presence sync and
// every roster poll. The channel closes when the tracker is closed.
func (t *Tracker) Updates() <-chan []CollaboratorStatus {
	return t.updates
}

// Snapshot returns the current derived statuses.
func (t *Tracker) Snapshot() []CollaboratorStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.derive()
}

// Close leaves the presence channel and stops the poll loop. Safe to
// call more than once.
func (t *Tracker) Close() {
	t.once.Do(func() {
		close(t.done)
		t.ticker.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.self.Leave(ctx)
		t.sub.Unsubscribe()
	})
}

func (t *Tracker) loop() {
	defer close(t.updates)
	for {
		select {
		case <-t.done:
			return
		case members, ok := <-t.sub.C:
			if !ok {
				return
			}
			t.mu.Lock()
			t.live = make(map[string]realtime.Member, len(members))
			for _, m := range members {
				t.live[m.UserID] = m
			}
			snapshot := t.derive()
			t.mu.Unlock()
			t.emit(snapshot)
		case <-t.ticker.C:
			t.poll()
		}
	}
}

// poll refreshes the durable roster. Errors are transient by
// assumption; the previous roster stays in effect.
func (t *Tracker) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	note, err := t.notes.GetNote(ctx, t.noteID)
	if err != nil {
		log.Printf("presence: poll %s: %v", t.noteID, err)
		return
	}

	t.mu.Lock()
	t.roster = note.Collaborators
	snapshot := t.derive()
	t.mu.Unlock()
	t.emit(snapshot)
}

func (t *Tracker) emit(snapshot []CollaboratorStatus) {
	select {
	case t.updates <- snapshot:
	case <-t.done:
	}
}

// derive computes statuses from roster and live set. Caller holds mu.
func (t *Tracker) derive() []CollaboratorStatus {
	now := t.now().UTC()
	out := make([]CollaboratorStatus, 0, len(t.roster))
	for _, collab := range t.roster {
		entry := CollaboratorStatus{
			UserID:     collab.UserID,
			Email:      collab.Email,
			Permission: string(collab.Permission),
			LastActive: collab.LastActive,
		}
		if member, ok := t.live[collab.UserID]; ok {
			entry.Status = StatusOnline
			last := member.LastActive
			entry.LastActive = &last
		} else if collab.LastActive != nil && now.Sub(*collab.LastActive) <= idleWindow {
			entry.Status = StatusIdle
		} else {
			entry.Status = StatusOffline
		}
		out = append(out, entry)
	}
	return out
}
