// Package realtime carries row-change notifications and ephemeral
// presence between connected clients, fanned out over Redis pub/sub so
// every API instance sees the same stream.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is a row-change notification for one of the watched tables.
// Handlers re-fetch state on receipt; the event itself carries only
// enough to filter.
type Event struct {
	Table  string `json:"table"`
	Action string `json:"action"`
	NoteID string `json:"note_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

const (
	TableNotes       = "notes"
	TableInvitations = "invitations"

	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Member is one entry in a note's live presence set.
type Member struct {
	UserID     string    `json:"user_id"`
	NoteID     string    `json:"note_id"`
	LastActive time.Time `json:"last_active"`
}

// Presence membership is advisory: if nothing refreshes it the whole
// set evaporates and everyone reads as offline.
const membersTTL = 90 * time.Second

// Presence syncs are rate limited to roughly ten events per second per
// channel; bursts beyond that coalesce into one trailing sync.
const syncMinInterval = 100 * time.Millisecond

type Hub struct {
	client *redis.Client

	mu       sync.Mutex
	lastSync map[string]time.Time
	pending  map[string]*time.Timer
	closed   bool
}

func NewHub(client *redis.Client) *Hub {
	return &Hub{
		client:   client,
		lastSync: make(map[string]time.Time),
		pending:  make(map[string]*time.Timer),
	}
}

// NewHubFromURL connects to Redis and returns a hub over the connection.
func NewHubFromURL(redisURL string) (*Hub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewHub(client), nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for channel, timer := range h.pending {
		timer.Stop()
		delete(h.pending, channel)
	}
	h.mu.Unlock()
	return h.client.Close()
}

func changesChannel(table string) string   { return "changes:" + table }
func presenceChannel(noteID string) string { return "presence:note:" + noteID }
func membersKey(noteID string) string      { return "presence:members:" + noteID }

// --- row-change feed ---

// Publish broadcasts a row-change event to every subscriber of the
// event's table.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.client.Publish(ctx, changesChannel(event.Table), payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Table, err)
	}
	return nil
}

// ChangeSubscription is an explicit handle for a table subscription.
// The owner must call Unsubscribe when done.
type ChangeSubscription struct {
	C      <-chan Event
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *ChangeSubscription) Unsubscribe() {
	s.once.Do(func() { _ = s.pubsub.Close() })
}

// SubscribeChanges delivers events for table matching the given filters.
// Empty noteID/email match everything; a non-empty filter must equal the
// event's field.
func (h *Hub) SubscribeChanges(ctx context.Context, table, noteID, email string) (*ChangeSubscription, error) {
	pubsub := h.client.Subscribe(ctx, changesChannel(table))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("realtime: drop malformed %s event: %v", table, err)
				continue
			}
			if noteID != "" && event.NoteID != noteID {
				continue
			}
			if email != "" && event.Email != email {
				continue
			}
			select {
			case out <- event:
			default:
				// Slow consumer: drop, the handler re-fetches on the
				// next event anyway.
			}
		}
	}()

	return &ChangeSubscription{C: out, pubsub: pubsub}, nil
}

// --- presence ---

// PresenceSubscription delivers the full member set of one note's
// presence channel on every sync.
type PresenceSubscription struct {
	C      <-chan []Member
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *PresenceSubscription) Unsubscribe() {
	s.once.Do(func() { _ = s.pubsub.Close() })
}

// SubscribePresence joins a note's presence channel as an observer. The
// current member set is delivered immediately, then again on each sync.
func (h *Hub) SubscribePresence(ctx context.Context, noteID string) (*PresenceSubscription, error) {
	pubsub := h.client.Subscribe(ctx, presenceChannel(noteID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", noteID, err)
	}

	out := make(chan []Member, 4)

	// Seed with the current set so subscribers do not wait for the
	// next churn.
	if members, err := h.Members(ctx, noteID); err == nil {
		out <- members
	}

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var members []Member
			if err := json.Unmarshal([]byte(msg.Payload), &members); err != nil {
				log.Printf("realtime: drop malformed presence sync: %v", err)
				continue
			}
			select {
			case out <- members:
			default:
			}
		}
	}()

	return &PresenceSubscription{C: out, pubsub: pubsub}, nil
}

// Members returns the current presence set for a note.
func (h *Hub) Members(ctx context.Context, noteID string) ([]Member, error) {
	raw, err := h.client.HGetAll(ctx, membersKey(noteID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read members: %w", err)
	}
	members := make([]Member, 0, len(raw))
	for _, encoded := range raw {
		var member Member
		if err := json.Unmarshal([]byte(encoded), &member); err != nil {
			continue
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// PresenceHandle is one tracked client on a note channel. Leave must be
// called when the note view closes; the member also ages out of Redis
// if the process dies first.
type PresenceHandle struct {
	hub    *Hub
	noteID string
	userID string
	once   sync.Once
}

// Track announces presence on a note channel and triggers a sync.
func (h *Hub) Track(ctx context.Context, member Member) (*PresenceHandle, error) {
	if member.LastActive.IsZero() {
		member.LastActive = time.Now().UTC()
	}
	encoded, err := json.Marshal(member)
	if err != nil {
		return nil, fmt.Errorf("encode member: %w", err)
	}
	key := membersKey(member.NoteID)
	if err := h.client.HSet(ctx, key, member.UserID, encoded).Err(); err != nil {
		return nil, fmt.Errorf("track member: %w", err)
	}
	_ = h.client.Expire(ctx, key, membersTTL).Err()
	h.scheduleSync(member.NoteID)
	return &PresenceHandle{hub: h, noteID: member.NoteID, userID: member.UserID}, nil
}

// Touch refreshes the member's last_active timestamp.
func (p *PresenceHandle) Touch(ctx context.Context) error {
	member := Member{UserID: p.userID, NoteID: p.noteID, LastActive: time.Now().UTC()}
	encoded, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	key := membersKey(p.noteID)
	if err := p.hub.client.HSet(ctx, key, p.userID, encoded).Err(); err != nil {
		return fmt.Errorf("touch member: %w", err)
	}
	_ = p.hub.client.Expire(ctx, key, membersTTL).Err()
	p.hub.scheduleSync(p.noteID)
	return nil
}

// Leave removes the member and triggers a sync. Safe to call more than
// once.
func (p *PresenceHandle) Leave(ctx context.Context) {
	p.once.Do(func() {
		if err := p.hub.client.HDel(ctx, membersKey(p.noteID), p.userID).Err(); err != nil {
			log.Printf("realtime: leave %s/%s: %v", p.noteID, p.userID, err)
		}
		p.hub.scheduleSync(p.noteID)
	})
}

// scheduleSync publishes the full member set, coalescing bursts so one
// channel never exceeds the configured event rate.
func (h *Hub) scheduleSync(noteID string) {
	channel := presenceChannel(noteID)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if _, waiting := h.pending[channel]; waiting {
		h.mu.Unlock()
		return
	}
	elapsed := time.Since(h.lastSync[channel])
	if elapsed < syncMinInterval {
		h.pending[channel] = time.AfterFunc(syncMinInterval-elapsed, func() {
			h.mu.Lock()
			delete(h.pending, channel)
			h.mu.Unlock()
			h.publishSync(noteID)
		})
		h.mu.Unlock()
		return
	}
	h.lastSync[channel] = time.Now()
	h.mu.Unlock()

	h.publishSync(noteID)
}

func (h *Hub) publishSync(noteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	members, err := h.Members(ctx, noteID)
	if err != nil {
		log.Printf("realtime: sync %s: %v", noteID, err)
		return
	}
	payload, err := json.Marshal(members)
	if err != nil {
		log.Printf("realtime: sync %s: %v", noteID, err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.lastSync[presenceChannel(noteID)] = time.Now()
	h.mu.Unlock()

	if err := h.client.Publish(ctx, presenceChannel(noteID), payload).Err(); err != nil {
		log.Printf("realtime: sync %s: %v", noteID, err)
	}
}
