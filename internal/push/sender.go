package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// ErrUnregistered is returned by a Sender when the device token is no longer
// valid and should be forgotten.
var ErrUnregistered = errors.New("push token unregistered")

// Payload is the data sent inside a ring push.
type Payload struct {
	Type        string `json:"type"` // "call_ring"
	CallID      string `json:"call_id"`
	ChannelID   string `json:"channel_id"`
	CallerID    string `json:"caller_id"`
	CallerName  string `json:"caller_name,omitempty"`
	CallerImage string `json:"caller_image,omitempty"`
	JoinRef     string `json:"join_ref,omitempty"`
}

// Sender delivers a payload to one device token.
type Sender interface {
	Send(ctx context.Context, platform, token string, payload Payload) error
}

// FCMSender sends push notifications via Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
	ttl    time.Duration
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account. Ring
// pushes expire after ttl, which should match the alert timeout.
func NewFCMSender(ctx context.Context, credentialsFile string, ttl time.Duration) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client, ttl: ttl}, nil
}

// Send delivers a data message to the given FCM registration token.
func (f *FCMSender) Send(ctx context.Context, platform, token string, payload Payload) error {
	if platform != "fcm" {
		return fmt.Errorf("fcm sender: unsupported platform %q", platform)
	}

	ttl := f.ttl
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":         payload.Type,
			"call_id":      payload.CallID,
			"channel_id":   payload.ChannelID,
			"caller_id":    payload.CallerID,
			"caller_name":  payload.CallerName,
			"caller_image": payload.CallerImage,
			"join_ref":     payload.JoinRef,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: %w: %v", ErrUnregistered, err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("fcm message sent", "message_id", id, "call_id", payload.CallID)
	return nil
}

// MultiSender routes pushes to the sender registered for a platform.
type MultiSender struct {
	senders map[string]Sender
}

// NewMultiSender creates a MultiSender from a map of platform name to sender.
func NewMultiSender(senders map[string]Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Send delegates to the sender registered for the given platform.
func (m *MultiSender) Send(ctx context.Context, platform, token string, payload Payload) error {
	s, ok := m.senders[platform]
	if !ok {
		return fmt.Errorf("no sender configured for platform %q", platform)
	}
	return s.Send(ctx, platform, token, payload)
}
