package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/flowpbx/callsignal/internal/channel"
	"github.com/gorilla/websocket"
)

const (
	// streamBuffer is how many events may queue for one slow stream before
	// it is dropped.
	streamBuffer = 64

	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// checkOrigin admits handshakes without an Origin header and those from a
// configured CORS origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.deps.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// handleEvents handles GET /api/v1/chat/channels/{cid}/events. It upgrades
// to a websocket and forwards every message.new and message.updated event
// of the channel as a JSON text frame, in publish order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	channelID, err := channelParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "channel", channelID, "error", err)
		return
	}
	defer conn.Close()

	s.streams.Add(1)
	defer s.streams.Add(-1)

	logger := s.logger.With("channel", channelID)
	logger.Debug("event stream opened")

	events := make(chan channel.Event, streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	sub := s.deps.Channels.Watch(channelID, func(ev channel.Event) {
		select {
		case events <- ev:
		default:
			// Publishers must never block on a stream.
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer sub.Cancel()

	// The read side only services control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-overflow:
			logger.Warn("event stream dropped: client too slow")
			conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-closed:
			logger.Debug("event stream closed by client")
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}
