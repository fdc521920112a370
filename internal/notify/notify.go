// Package notify delivers the outward-facing message when an action fires.
// Delivery mechanics are a collaborator, not part of the engine; the default
// sink is a pending-nudges file the surrounding assistant surfaces to the
// user.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Notifier interface {
	Send(ctx context.Context, message, eventUID string) error
}

// Nudge is one entry in the pending-nudges file.
type Nudge struct {
	Message   string `json:"message"`
	EventID   string `json:"event_id"`
	CreatedAt string `json:"created_at"`
	Shown     bool   `json:"shown"`
}

// FileNotifier appends nudges to a JSON array file.
type FileNotifier struct {
	Path string
	Now  func() time.Time
}

func (f FileNotifier) Send(ctx context.Context, message, eventUID string) error {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	var nudges []Nudge
	if data, err := os.ReadFile(f.Path); err == nil {
		// Unreadable content is discarded rather than blocking delivery.
		_ = json.Unmarshal(data, &nudges)
	}
	nudges = append(nudges, Nudge{
		Message:   message,
		EventID:   eventUID,
		CreatedAt: now().UTC().Format(time.RFC3339),
		Shown:     false,
	})
	data, err := json.MarshalIndent(nudges, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, data, 0o644)
}

// LogNotifier prints to stderr. Used by the daemon when no file sink is
// configured.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, message, eventUID string) error {
	_, err := fmt.Fprintf(os.Stderr, "notify: %s\n", message)
	return err
}

// Capture records messages for tests.
type Capture struct {
	Sent []Nudge
	Err  error
}

func (c *Capture) Send(ctx context.Context, message, eventUID string) error {
	if c.Err != nil {
		return c.Err
	}
	c.Sent = append(c.Sent, Nudge{Message: message, EventID: eventUID})
	return nil
}
