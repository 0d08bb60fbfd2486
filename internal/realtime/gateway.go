package realtime

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Identity is the authenticated user behind a gateway connection.
type Identity struct {
	UserID string
	Email  string
}

// Authenticator validates the bearer token presented on connect.
type Authenticator func(ctx context.Context, token string) (Identity, error)

// LastActiveRecorder persists a presence-derived last_active timestamp
// when a tracked client leaves a note. Failures are logged and ignored.
type LastActiveRecorder interface {
	TouchCollaboratorLastActive(ctx context.Context, noteID, userID string, at time.Time) error
}

// Gateway bridges browser websockets to the hub: change-feed
// subscriptions and per-note presence channels.
type Gateway struct {
	hub      *Hub
	auth     Authenticator
	recorder LastActiveRecorder
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, auth Authenticator, recorder LastActiveRecorder) *Gateway {
	return &Gateway{
		hub:      hub,
		auth:     auth,
		recorder: recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the HTTP layer's CORS
			// middleware; the gateway accepts any origin that got this far.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type clientCommand struct {
	Type   string `json:"type"`
	Table  string `json:"table,omitempty"`
	NoteID string `json:"note_id,omitempty"`
}

type serverMessage struct {
	Type    string   `json:"type"`
	Event   *Event   `json:"event,omitempty"`
	NoteID  string   `json:"note_id,omitempty"`
	Members []Member `json:"members,omitempty"`
	Message string   `json:"message,omitempty"`
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}

	session := &gatewaySession{
		gateway:  g,
		conn:     conn,
		identity: identity,
		send:     make(chan serverMessage, 32),
		changes:  make(map[string]*ChangeSubscription),
		presence: make(map[string]*PresenceSubscription),
		tracked:  make(map[string]*PresenceHandle),
	}
	session.run(r.Context())
}

type gatewaySession struct {
	gateway  *Gateway
	conn     *websocket.Conn
	identity Identity
	send     chan serverMessage

	mu       sync.Mutex
	changes  map[string]*ChangeSubscription
	presence map[string]*PresenceSubscription
	tracked  map[string]*PresenceHandle
}

func (s *gatewaySession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.teardown()

	go s.writeLoop(ctx)
	s.readLoop(ctx)
}

func (s *gatewaySession) readLoop(ctx context.Context) {
	for {
		var cmd clientCommand
		if err := s.conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "subscribe":
			s.handleSubscribe(ctx, cmd)
		case "presence_subscribe":
			s.handlePresenceSubscribe(ctx, cmd)
		case "track":
			s.handleTrack(ctx, cmd)
		case "untrack":
			s.handleUntrack(cmd)
		default:
			s.reply(serverMessage{Type: "error", Message: "unknown command: " + cmd.Type})
		}
	}
}

func (s *gatewaySession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
			return
		case msg := <-s.send:
			if err := s.conn.WriteJSON(msg); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *gatewaySession) reply(msg serverMessage) {
	select {
	case s.send <- msg:
	default:
		// Slow client: drop rather than block the reader.
	}
}

func (s *gatewaySession) handleSubscribe(ctx context.Context, cmd clientCommand) {
	if cmd.Table != TableNotes && cmd.Table != TableInvitations {
		s.reply(serverMessage{Type: "error", Message: "unknown table: " + cmd.Table})
		return
	}

	// Invitation events are only visible to their addressee.
	email := ""
	if cmd.Table == TableInvitations {
		email = s.identity.Email
	}

	s.mu.Lock()
	if _, exists := s.changes[cmd.Table]; exists {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	sub, err := s.gateway.hub.SubscribeChanges(ctx, cmd.Table, cmd.NoteID, email)
	if err != nil {
		s.reply(serverMessage{Type: "error", Message: "subscribe failed"})
		return
	}

	s.mu.Lock()
	s.changes[cmd.Table] = sub
	s.mu.Unlock()

	go func() {
		for event := range sub.C {
			copied := event
			s.reply(serverMessage{Type: "change", Event: &copied})
		}
	}()
}

func (s *gatewaySession) handlePresenceSubscribe(ctx context.Context, cmd clientCommand) {
	if cmd.NoteID == "" {
		s.reply(serverMessage{Type: "error", Message: "note_id required"})
		return
	}

	s.mu.Lock()
	if _, exists := s.presence[cmd.NoteID]; exists {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	sub, err := s.gateway.hub.SubscribePresence(ctx, cmd.NoteID)
	if err != nil {
		s.reply(serverMessage{Type: "error", Message: "presence subscribe failed"})
		return
	}

	s.mu.Lock()
	s.presence[cmd.NoteID] = sub
	s.mu.Unlock()

	noteID := cmd.NoteID
	go func() {
		for members := range sub.C {
			s.reply(serverMessage{Type: "presence_sync", NoteID: noteID, Members: members})
		}
	}()
}

func (s *gatewaySession) handleTrack(ctx context.Context, cmd clientCommand) {
	if cmd.NoteID == "" {
		s.reply(serverMessage{Type: "error", Message: "note_id required"})
		return
	}

	s.mu.Lock()
	if handle, exists := s.tracked[cmd.NoteID]; exists {
		s.mu.Unlock()
		if err := handle.Touch(ctx); err != nil {
			log.Printf("realtime: touch %s: %v", cmd.NoteID, err)
		}
		return
	}
	s.mu.Unlock()

	handle, err := s.gateway.hub.Track(ctx, Member{
		UserID:     s.identity.UserID,
		NoteID:     cmd.NoteID,
		LastActive: time.Now().UTC(),
	})
	if err != nil {
		s.reply(serverMessage{Type: "error", Message: "track failed"})
		return
	}

	s.mu.Lock()
	s.tracked[cmd.NoteID] = handle
	s.mu.Unlock()
}

func (s *gatewaySession) handleUntrack(cmd clientCommand) {
	s.mu.Lock()
	handle, exists := s.tracked[cmd.NoteID]
	delete(s.tracked, cmd.NoteID)
	s.mu.Unlock()
	if exists {
		s.leave(cmd.NoteID, handle)
	}
}

// teardown releases every subscription and tracked channel. In-flight
// hub requests are allowed to finish with their results discarded.
func (s *gatewaySession) teardown() {
	s.mu.Lock()
	changes := s.changes
	presence := s.presence
	tracked := s.tracked
	s.changes = map[string]*ChangeSubscription{}
	s.presence = map[string]*PresenceSubscription{}
	s.tracked = map[string]*PresenceHandle{}
	s.mu.Unlock()

	for _, sub := range changes {
		sub.Unsubscribe()
	}
	for _, sub := range presence {
		sub.Unsubscribe()
	}
	for noteID, handle := range tracked {
		s.leave(noteID, handle)
	}
	_ = s.conn.Close()
}

func (s *gatewaySession) leave(noteID string, handle *PresenceHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle.Leave(ctx)
	if s.gateway.recorder != nil {
		if err := s.gateway.recorder.TouchCollaboratorLastActive(ctx, noteID, s.identity.UserID, time.Now().UTC()); err != nil {
			log.Printf("realtime: record last_active %s/%s: %v", noteID, s.identity.UserID, err)
		}
	}
}
