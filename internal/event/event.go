package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeSessionSignedIn      Type = "session.signed_in"
	TypeSessionRefreshed     Type = "session.refreshed"
	TypeSessionRefreshFailed Type = "session.refresh_failed"
	TypeSessionExpired       Type = "session.expired"
	TypeSessionSignedOut     Type = "session.signed_out"
	TypeRecoveryNavigated    Type = "recovery.navigated"
	TypeRecoveryExhausted    Type = "recovery.exhausted"
)

type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Path       string    `json:"path,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func New(typ Type, userID string, path string, detail string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		Path:       path,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(e Event)
}

type Bus interface {
	Publisher
	Subscribe() (<-chan Event, func()) // Returns channel and unsubscribe function
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
