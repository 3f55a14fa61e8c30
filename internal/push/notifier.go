// Package push delivers ring notifications to mobile devices watching a
// channel, so a callee whose app is backgrounded still sees the call.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowpbx/callsignal/internal/database/models"
	"github.com/flowpbx/callsignal/internal/signal"
)

// TokenStore is the push token persistence the notifier needs.
type TokenStore interface {
	ListByChannel(ctx context.Context, channelID string) ([]models.PushToken, error)
	DeleteByToken(ctx context.Context, token string) error
}

// Notifier fans a ring announcement out to every device watching the
// channel except the caller's own.
type Notifier struct {
	tokens  TokenStore
	sender  Sender
	limiter *Limiter
	logger  *slog.Logger
}

// NewNotifier creates a notifier. limiter may be nil.
func NewNotifier(tokens TokenStore, sender Sender, limiter *Limiter, logger *slog.Logger) *Notifier {
	return &Notifier{
		tokens:  tokens,
		sender:  sender,
		limiter: limiter,
		logger:  logger.With("subsystem", "push"),
	}
}

// NotifyRing sends a call_ring push for a. Tokens the platform reports as
// unregistered are deleted. The returned error joins every other delivery
// failure.
func (n *Notifier) NotifyRing(ctx context.Context, a signal.Announcement) error {
	if n.limiter != nil && !n.limiter.Allow(a.ChannelID) {
		n.logger.Warn("ring push rate limited", "channel_id", a.ChannelID, "call_id", a.CallID)
		return nil
	}

	tokens, err := n.tokens.ListByChannel(ctx, a.ChannelID)
	if err != nil {
		return fmt.Errorf("listing push tokens: %w", err)
	}

	payload := Payload{
		Type:        "call_ring",
		CallID:      a.CallID,
		ChannelID:   a.ChannelID,
		CallerID:    a.SenderID,
		CallerName:  a.CallerDisplayName,
		CallerImage: a.CallerImageRef,
		JoinRef:     a.JoinRef,
	}

	var errs []error
	sent := 0
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t.UserID == a.SenderID || seen[t.Token] {
			continue
		}
		seen[t.Token] = true

		err := n.sender.Send(ctx, t.Platform, t.Token, payload)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrUnregistered):
			n.logger.Info("removing unregistered push token", "user_id", t.UserID, "device_id", t.DeviceID)
			if err := n.tokens.DeleteByToken(ctx, t.Token); err != nil {
				errs = append(errs, err)
			}
		default:
			n.logger.Warn("ring push failed", "user_id", t.UserID, "platform", t.Platform, "error", err)
			errs = append(errs, err)
		}
	}

	n.logger.Debug("ring push fan-out", "call_id", a.CallID, "sent", sent, "failed", len(errs))
	return errors.Join(errs...)
}
