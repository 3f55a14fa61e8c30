package signal

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/flowpbx/callsignal/internal/callid"
	"github.com/flowpbx/callsignal/internal/channel"
)

// Outcome is the result of one EndCall attempt. Every outcome is a success
// from the caller's point of view.
type Outcome string

const (
	// OutcomeEnded means this attempt moved the announcement to ended.
	OutcomeEnded Outcome = "ended"
	// OutcomeAlreadyEnded means another attempt got there first.
	OutcomeAlreadyEnded Outcome = "already_ended"
	// OutcomeNotFound means no ring announcement was in the lookback window.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeFailed means the attempt failed and the error was logged.
	OutcomeFailed Outcome = "failed"
)

// Terminator ends calls. Resolver implements it in-process and the API
// client implements it over HTTP.
type Terminator interface {
	EndCall(ctx context.Context, callID string) Outcome
}

// RecentQuerier reads the newest messages of a channel, oldest first.
type RecentQuerier interface {
	QueryRecent(ctx context.Context, channelID string, limit int) ([]channel.Message, error)
}

// ResolverStats are the counters exposed by a Resolver.
type ResolverStats struct {
	Ended        int64
	AlreadyEnded int64
	NotFound     int64
	Failed       int64
}

// Resolver moves a call announcement to its terminal state. Any number of
// clients may call EndCall for the same call concurrently; the store's
// conditional edit lets exactly one of them take effect.
type Resolver struct {
	messages RecentQuerier
	editor   *AuthorEditor
	lookback int
	logger   *slog.Logger

	ended        atomic.Int64
	alreadyEnded atomic.Int64
	notFound     atomic.Int64
	failed       atomic.Int64
}

// NewResolver creates a resolver that searches the newest lookback messages
// of a channel.
func NewResolver(messages RecentQuerier, editor *AuthorEditor, lookback int, logger *slog.Logger) *Resolver {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Resolver{
		messages: messages,
		editor:   editor,
		lookback: lookback,
		logger:   logger.With("subsystem", "resolver"),
	}
}

// EndCall ends the call callID. It never returns an error: a missing
// announcement is treated as already ended and failures are logged.
func (r *Resolver) EndCall(ctx context.Context, callID string) Outcome {
	log := r.logger.With("call_id", callID)

	channelID, err := callid.ParseChannelID(callID)
	if err != nil {
		log.Warn("end call: bad call id", "error", err)
		return r.count(OutcomeFailed)
	}

	msgs, err := r.messages.QueryRecent(ctx, channelID, r.lookback)
	if err != nil {
		log.Warn("end call: querying channel", "channel_id", channelID, "error", err)
		return r.count(OutcomeFailed)
	}

	ring, ended := findAnnouncement(msgs, callID)
	if ring == nil {
		if ended {
			log.Debug("end call: already ended")
			return r.count(OutcomeAlreadyEnded)
		}
		log.Debug("end call: no ring announcement", "channel_id", channelID, "lookback", r.lookback)
		return r.count(OutcomeNotFound)
	}

	ifKind := channel.KindRing
	_, applied, err := r.editor.EditAsAuthor(ctx, ring.ID, channel.Edit{
		Text:        TerminalText,
		Kind:        channel.KindEnded,
		JoinRef:     "",
		Attachments: nil,
		IfKind:      &ifKind,
	})
	if err != nil {
		log.Warn("end call: updating announcement", "message_id", ring.ID, "error", err)
		return r.count(OutcomeFailed)
	}
	if !applied {
		log.Debug("end call: lost race", "message_id", ring.ID)
		return r.count(OutcomeAlreadyEnded)
	}

	log.Info("call ended", "channel_id", channelID, "message_id", ring.ID)
	return r.count(OutcomeEnded)
}

// Stats returns counters since creation.
func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		Ended:        r.ended.Load(),
		AlreadyEnded: r.alreadyEnded.Load(),
		NotFound:     r.notFound.Load(),
		Failed:       r.failed.Load(),
	}
}

func (r *Resolver) count(o Outcome) Outcome {
	switch o {
	case OutcomeEnded:
		r.ended.Add(1)
	case OutcomeAlreadyEnded:
		r.alreadyEnded.Add(1)
	case OutcomeNotFound:
		r.notFound.Add(1)
	case OutcomeFailed:
		r.failed.Add(1)
	}
	return o
}

// findAnnouncement searches newest first for the ring with callID. The
// boolean reports whether an ended announcement for callID was seen.
func findAnnouncement(msgs []channel.Message, callID string) (*channel.Message, bool) {
	ended := false
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.CallID != callID {
			continue
		}
		switch m.Kind {
		case channel.KindRing:
			return &msgs[i], ended
		case channel.KindEnded:
			ended = true
		}
	}
	return nil, ended
}
