package channel

import (
	"context"
	"time"
)

// Store persists channel messages.
type Store interface {
	// Insert stores a new message. ID and CreatedAt are set by the caller.
	Insert(ctx context.Context, msg *Message) error

	// Get returns a message by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Message, error)

	// ListRecent returns up to limit of the newest messages in channelID,
	// oldest first.
	ListRecent(ctx context.Context, channelID string, limit int) ([]Message, error)

	// Apply writes edit to message id. It reports false without error when
	// edit.IfKind is set and no longer matches the stored kind. Returns
	// ErrNotFound when the message does not exist.
	Apply(ctx context.Context, id string, edit Edit, at time.Time) (*Message, bool, error)
}
