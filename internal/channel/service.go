package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/callsignal/internal/pubsub"
	"github.com/google/uuid"
)

// MaxQueryLimit caps QueryRecent windows.
const MaxQueryLimit = 200

// Service fronts a Store with id assignment, author authorization on edits
// and event fan-out. It is safe for concurrent use.
type Service struct {
	store  Store
	broker *pubsub.Broker[Event]
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a channel service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		broker: pubsub.NewBroker[Event](),
		now:    time.Now,
		logger: logger.With("subsystem", "channel"),
	}
}

// Send stores msg in channelID and publishes message.new.
func (s *Service) Send(ctx context.Context, channelID string, msg Message) (*Message, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalid)
	}
	if msg.SenderID == "" {
		return nil, fmt.Errorf("%w: sender id is required", ErrInvalid)
	}
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, msg.Kind)
	}

	now := s.now().UTC()
	msg.ID = uuid.NewString()
	msg.ChannelID = channelID
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}

	if err := s.store.Insert(ctx, &msg); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	s.publish(Event{Type: EventMessageNew, ChannelID: channelID, Message: msg})
	return &msg, nil
}

// QueryRecent returns up to limit of the newest messages in channelID,
// oldest first.
func (s *Service) QueryRecent(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	msgs, err := s.store.ListRecent(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying channel %s: %w", channelID, err)
	}
	return msgs, nil
}

// Get returns a single message.
func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	return s.store.Get(ctx, id)
}

// Update applies edit to message id on behalf of asIdentity. Only the
// message author may edit a message. The boolean result reports whether the
// edit took effect; an edit whose IfKind precondition failed returns false
// and publishes nothing, so concurrent identical edits produce exactly one
// message.updated event.
func (s *Service) Update(ctx context.Context, id string, edit Edit, asIdentity string) (*Message, bool, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("loading message %s: %w", id, err)
	}
	if asIdentity == "" || current.SenderID != asIdentity {
		return nil, false, fmt.Errorf("%w: message %s", ErrForbidden, id)
	}
	if !edit.Kind.Valid() {
		return nil, false, fmt.Errorf("%w: unknown kind %q", ErrInvalid, edit.Kind)
	}

	updated, applied, err := s.store.Apply(ctx, id, edit, s.now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("updating message %s: %w", id, err)
	}
	if applied {
		s.publish(Event{Type: EventMessageUpdated, ChannelID: updated.ChannelID, Message: *updated})
	}
	return updated, applied, nil
}

// Subscribe registers fn for every event of type t across all channels.
func (s *Service) Subscribe(t EventType, fn func(Event)) *pubsub.Subscription {
	return s.broker.Subscribe(string(t), fn)
}

// Watch registers fn for every event in channelID.
func (s *Service) Watch(channelID string, fn func(Event)) *pubsub.Subscription {
	return s.broker.Subscribe(channelTopic(channelID), fn)
}

// Watchers returns the number of Watch subscriptions on channelID.
func (s *Service) Watchers(channelID string) int {
	return s.broker.Count(channelTopic(channelID))
}

func (s *Service) publish(ev Event) {
	s.logger.Debug("channel event",
		"type", ev.Type,
		"channel_id", ev.ChannelID,
		"message_id", ev.Message.ID,
		"kind", ev.Message.Kind,
	)
	s.broker.Publish(string(ev.Type), ev)
	s.broker.Publish(channelTopic(ev.ChannelID), ev)
}

func channelTopic(channelID string) string {
	return "channel/" + channelID
}
