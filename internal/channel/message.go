// Package channel is the signaling-channel collaborator: an ordered,
// persisted message stream per channel with fan-out to subscribers. Calls
// are announced by posting a message of kind "ring" into the channel and
// ended by editing that message to kind "ended".
package channel

import (
	"errors"
	"time"
)

// Kind distinguishes call announcements from ordinary chat messages.
type Kind string

const (
	KindRegular Kind = ""
	KindRing    Kind = "ring"
	KindEnded   Kind = "ended"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRegular, KindRing, KindEnded:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrForbidden is returned when an edit is attempted under an identity
	// other than the message author's.
	ErrForbidden = errors.New("edit not permitted for identity")
	// ErrInvalid is returned for messages missing required fields.
	ErrInvalid = errors.New("invalid message")
)

// Attachment is a rich link rendered alongside a message, such as the
// "join call" card of a ring.
type Attachment struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Message is a single channel message. Call fields are empty on regular
// messages.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	SenderID    string       `json:"sender_id"`
	Kind        Kind         `json:"kind"`
	Text        string       `json:"text"`
	CallID      string       `json:"call_id,omitempty"`
	CallerName  string       `json:"caller_name,omitempty"`
	CallerImage string       `json:"caller_image,omitempty"`
	JoinRef     string       `json:"join_ref,omitempty"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Edit replaces the mutable fields of a message. When IfKind is set the
// edit only applies if the stored kind still equals it, which turns the
// edit into a compare-and-set.
type Edit struct {
	Text        string
	Kind        Kind
	JoinRef     string
	Attachments []Attachment
	IfKind      *Kind
}

// apply returns a copy of m with e applied.
func (e Edit) apply(m Message, now time.Time) Message {
	m.Text = e.Text
	m.Kind = e.Kind
	m.JoinRef = e.JoinRef
	m.Attachments = append([]Attachment(nil), e.Attachments...)
	m.UpdatedAt = now
	return m
}

// EventType names the channel events delivered to subscribers.
type EventType string

const (
	EventMessageNew     EventType = "message.new"
	EventMessageUpdated EventType = "message.updated"
)

// Event is delivered to subscribers for every created or changed message.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`
	Message   Message   `json:"message"`
}
