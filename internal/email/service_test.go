package email

import (
	"strings"
	"testing"
)

func TestIsConfigured(t *testing.T) {
	unconfigured := NewService(Config{})
	if unconfigured.IsConfigured() {
		t.Error("empty config should not be configured")
	}

	configured := NewService(Config{
		Host: "smtp.example.com",
		Port: "587",
		From: "noreply@example.com",
	})
	if !configured.IsConfigured() {
		t.Error("expected configured service")
	}
}

func TestSendInvitationEmailUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	err := svc.SendInvitationEmail("to@example.com", "Alice", "Trip notes", "view", "http://app/invitations")
	if err == nil {
		t.Error("expected error when email not configured")
	}
}

func TestInvitationTemplateRendering(t *testing.T) {
	html, err := renderTemplate(invitationEmailTemplate, InvitationData{
		AppName:     "Resonote",
		InviterName: "Alice",
		NoteTitle:   "Trip notes",
		Permission:  "edit",
		AcceptURL:   "http://app/invitations?id=inv_1",
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	for _, want := range []string{"Alice", "Trip notes", "edit", "http://app/invitations?id=inv_1"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered template missing %q", want)
		}
	}
}
