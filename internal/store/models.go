package store

import "time"

// Permission is the access level granted to a collaborator or invitation.
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

func (p Permission) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

type Profile struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayName joins first and last name, falling back to the mailbox
// part of the email address.
func (p Profile) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	case p.LastName != "":
		return p.LastName
	}
	for i := 0; i < len(p.Email); i++ {
		if p.Email[i] == '@' {
			return p.Email[:i]
		}
	}
	return p.Email
}

// Collaborator is one element of a note's embedded collaborator array.
// The array is treated as a set keyed by UserID; the note owner never
// appears in it.
type Collaborator struct {
	UserID     string     `json:"user_id"`
	Email      string     `json:"email,omitempty"`
	Permission Permission `json:"permission"`
	JoinedAt   time.Time  `json:"joined_at"`
	LastActive *time.Time `json:"last_active,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type Note struct {
	ID            string
	Title         string
	OwnerID       string
	Collaborators []Collaborator
	SharingToken  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FindCollaborator returns the collaborator entry for userID, if any.
func (n Note) FindCollaborator(userID string) (Collaborator, bool) {
	for _, c := range n.Collaborators {
		if c.UserID == userID {
			return c, true
		}
	}
	return Collaborator{}, false
}

// NoteEntry is one ordered text/audio segment of a note. Entries are
// rewritten wholesale on every note save.
type NoteEntry struct {
	ID         int64
	NoteID     string
	Content    string
	AudioURL   string
	EntryOrder int
	CreatedAt  time.Time
}

type Invitation struct {
	ID         string
	NoteID     string
	Email      string
	Permission Permission
	InvitedBy  string
	Token      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	AcceptedAt *time.Time
}

func (i Invitation) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// IsActive reports whether the invitation can still be accepted.
func (i Invitation) IsActive(now time.Time) bool {
	return i.AcceptedAt == nil && !i.IsExpired(now)
}
