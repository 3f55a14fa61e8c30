package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callsignal/internal/callid"
	"github.com/flowpbx/callsignal/internal/channel"
)

// Publisher posts a message into a channel.
type Publisher interface {
	Send(ctx context.Context, channelID string, msg channel.Message) (*channel.Message, error)
}

// RingNotifier delivers an out-of-band ring notification, such as a mobile
// push, once an announcement has been published.
type RingNotifier interface {
	NotifyRing(ctx context.Context, a Announcement) error
}

// InitiatorStats are the counters exposed by an Initiator.
type InitiatorStats struct {
	Started int64
	Failed  int64
}

// Initiator publishes call announcements.
type Initiator struct {
	pub         Publisher
	codec       *callid.Codec
	joinBaseURL string
	notifier    RingNotifier
	logger      *slog.Logger

	started atomic.Int64
	failed  atomic.Int64
}

// NewInitiator creates an initiator that posts through pub and renders join
// links under joinBaseURL. notifier may be nil.
func NewInitiator(pub Publisher, codec *callid.Codec, joinBaseURL string, notifier RingNotifier, logger *slog.Logger) *Initiator {
	if codec == nil {
		codec = callid.NewCodec(nil)
	}
	return &Initiator{
		pub:         pub,
		codec:       codec,
		joinBaseURL: strings.TrimRight(joinBaseURL, "/"),
		notifier:    notifier,
		logger:      logger.With("subsystem", "ring"),
	}
}

// JoinRef returns the call room link for callID.
func (i *Initiator) JoinRef(callID string) string {
	return i.joinBaseURL + "/call/" + callID
}

// InitiateRing mints a call id for channelRef and publishes exactly one ring
// announcement into it. On failure the returned error wraps
// ErrInitiationFailure and nothing has been published.
func (i *Initiator) InitiateRing(ctx context.Context, channelRef string, caller Caller) (*Announcement, error) {
	ch, err := callid.ParseChannel(channelRef)
	if err != nil {
		i.failed.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrInitiationFailure, err)
	}
	channelID := ch.String()

	callID, err := i.codec.Mint(channelID)
	if err != nil {
		i.failed.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrInitiationFailure, err)
	}
	joinRef := i.JoinRef(callID)

	name := caller.DisplayName
	if name == "" {
		name = caller.ID
	}

	msg, err := i.pub.Send(ctx, channelID, channel.Message{
		SenderID:    caller.ID,
		Kind:        channel.KindRing,
		Text:        fmt.Sprintf("📞 %s started a video call. If you don't see the call alert, join here: %s", name, joinRef),
		CallID:      callID,
		CallerName:  caller.DisplayName,
		CallerImage: caller.ImageRef,
		JoinRef:     joinRef,
		Attachments: []channel.Attachment{{
			Type:  "call",
			Title: "Join call",
			URL:   joinRef,
		}},
	})
	if err != nil {
		i.failed.Add(1)
		i.logger.Error("ring publish failed", "channel_id", channelID, "call_id", callID, "error", err)
		return nil, fmt.Errorf("%w: publishing ring: %w", ErrInitiationFailure, err)
	}
	i.started.Add(1)

	a, _ := AnnouncementFrom(*msg)
	i.logger.Info("call ringing",
		"channel_id", channelID,
		"call_id", callID,
		"caller_id", caller.ID,
	)

	if i.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := i.notifier.NotifyRing(nctx, a); err != nil {
			i.logger.Warn("ring push failed", "call_id", callID, "error", err)
		}
	}

	return &a, nil
}

// Stats returns counters since creation.
func (i *Initiator) Stats() InitiatorStats {
	return InitiatorStats{
		Started: i.started.Load(),
		Failed:  i.failed.Load(),
	}
}
