// Package signal implements the call signaling and lifecycle protocol that
// runs on top of a message channel: announcing a call, surfacing it exactly
// once per client, tracking room occupancy, and converging the announcement
// to its terminal state however many clients try to end it.
package signal

import (
	"errors"
	"time"

	"github.com/flowpbx/callsignal/internal/channel"
)

const (
	// TerminalText replaces the display text of an ended announcement.
	TerminalText = "🚫 Call has ended"

	DefaultRingTimeout = 90 * time.Second
	DefaultCountdown   = 90 * time.Second
	DefaultLookback    = 50
)

// ErrInitiationFailure is returned by InitiateRing when the announcement
// could not be published. The underlying cause is wrapped alongside it.
var ErrInitiationFailure = errors.New("call initiation failed")

// CallState is the lifecycle state of a call as seen by one client.
type CallState int

const (
	StateRinging CallState = iota
	StateActive
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s CallState) IsTerminal() bool {
	return s == StateEnded
}

// Caller identifies the user placing a call.
type Caller struct {
	ID          string
	DisplayName string
	ImageRef    string
}

// CallSession is the conceptual call. It is never persisted on its own; the
// announcement message is its only durable trace.
type CallSession struct {
	CallID            string
	ChannelID         string
	CallerID          string
	CallerDisplayName string
	CallerImageRef    string
	State             CallState
	CreatedAt         time.Time
}

// Announcement is the view of a call message in a channel.
type Announcement struct {
	MessageID         string       `json:"message_id"`
	CallID            string       `json:"call_id"`
	ChannelID         string       `json:"channel_id"`
	Kind              channel.Kind `json:"kind"`
	SenderID          string       `json:"sender_id"`
	DisplayText       string       `json:"display_text"`
	JoinRef           string       `json:"join_ref,omitempty"`
	CallerDisplayName string       `json:"caller_display_name,omitempty"`
	CallerImageRef    string       `json:"caller_image_ref,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// AnnouncementFrom converts a channel message. The boolean is false for
// messages that are not call announcements.
func AnnouncementFrom(m channel.Message) (Announcement, bool) {
	if m.CallID == "" || (m.Kind != channel.KindRing && m.Kind != channel.KindEnded) {
		return Announcement{}, false
	}
	return Announcement{
		MessageID:         m.ID,
		CallID:            m.CallID,
		ChannelID:         m.ChannelID,
		Kind:              m.Kind,
		SenderID:          m.SenderID,
		DisplayText:       m.Text,
		JoinRef:           m.JoinRef,
		CallerDisplayName: m.CallerName,
		CallerImageRef:    m.CallerImage,
		CreatedAt:         m.CreatedAt,
	}, true
}

// Session returns the call session the announcement describes.
func (a Announcement) Session() CallSession {
	state := StateRinging
	if a.Kind == channel.KindEnded {
		state = StateEnded
	}
	return CallSession{
		CallID:            a.CallID,
		ChannelID:         a.ChannelID,
		CallerID:          a.SenderID,
		CallerDisplayName: a.CallerDisplayName,
		CallerImageRef:    a.CallerImageRef,
		State:             state,
		CreatedAt:         a.CreatedAt,
	}
}
