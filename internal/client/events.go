package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/flowpbx/callsignal/internal/channel"
	"github.com/flowpbx/callsignal/internal/pubsub"
	"github.com/gorilla/websocket"
)

// EventStream is a live feed of one channel's events. It implements
// signal.EventSource, so a Listener can Attach to it directly.
type EventStream struct {
	conn      *websocket.Conn
	broker    *pubsub.Broker[channel.Event]
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Events opens the event stream of channelRef. Handlers registered with
// Subscribe run on the stream's read goroutine in arrival order.
func (c *Client) Events(ctx context.Context, channelRef string) (*EventStream, error) {
	u, err := url.Parse(c.baseURL + channelPath(channelRef) + "/events")
	if err != nil {
		return nil, fmt.Errorf("parsing stream url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("opening event stream: %w", &StatusError{Status: resp.StatusCode})
		}
		return nil, fmt.Errorf("opening event stream: %w", err)
	}

	s := &EventStream{
		conn:   conn,
		broker: pubsub.NewBroker[channel.Event](),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Subscribe registers fn for events of type t.
func (s *EventStream) Subscribe(t channel.EventType, fn func(channel.Event)) *pubsub.Subscription {
	return s.broker.Subscribe(string(t), fn)
}

// Done is closed when the stream ends.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

// Err returns why the stream ended, or nil after a normal Close.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream.
func (s *EventStream) Close() error {
	s.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *EventStream) readLoop() {
	defer s.closeOnce.Do(func() { close(s.done) })
	for {
		var ev channel.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
		s.broker.Publish(string(ev.Type), ev)
	}
}
