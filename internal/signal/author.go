package signal

import (
	"context"
	"fmt"

	"github.com/flowpbx/callsignal/internal/channel"
)

// MessageEditor is the channel surface the author capability needs.
type MessageEditor interface {
	Get(ctx context.Context, id string) (*channel.Message, error)
	Update(ctx context.Context, id string, edit channel.Edit, asIdentity string) (*channel.Message, bool, error)
}

// AuthorEditor edits a message under the identity of the user who wrote it.
// The identity is always read from the stored message and never taken from
// the caller. Only the Resolver holds one.
type AuthorEditor struct {
	messages MessageEditor
}

// NewAuthorEditor wraps messages.
func NewAuthorEditor(messages MessageEditor) *AuthorEditor {
	return &AuthorEditor{messages: messages}
}

// EditAsAuthor applies edit to message id as its author. The boolean
// reports whether the edit took effect.
func (e *AuthorEditor) EditAsAuthor(ctx context.Context, id string, edit channel.Edit) (*channel.Message, bool, error) {
	msg, err := e.messages.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("loading author of %s: %w", id, err)
	}
	return e.messages.Update(ctx, id, edit, msg.SenderID)
}
