package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flowpbx/callsignal/internal/api/middleware"
	"github.com/flowpbx/callsignal/internal/callid"
	"github.com/flowpbx/callsignal/internal/channel"
	"github.com/flowpbx/callsignal/internal/signal"
	"github.com/go-chi/chi/v5"
)

// defaultMessageLimit is the page size of GET .../messages without a limit.
const defaultMessageLimit = 30

// endCallTimeout bounds termination once the request has been accepted. It
// runs detached from the request so a closing page cannot cancel it.
const endCallTimeout = 10 * time.Second

// channelParam returns the canonical "type:id" form of the {cid} route
// parameter.
func channelParam(r *http.Request) (string, error) {
	ch, err := callid.ParseChannel(chi.URLParam(r, "cid"))
	if err != nil {
		return "", err
	}
	return ch.String(), nil
}

// handleInitiateRing handles POST /api/v1/chat/channels/{cid}/calls. The
// authenticated user is the caller.
func (s *Server) handleInitiateRing(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	caller := signal.Caller{ID: user.ID, DisplayName: user.Name, ImageRef: user.Image}
	a, err := s.deps.Rings.InitiateRing(r.Context(), chi.URLParam(r, "cid"), caller)
	if err != nil {
		if errors.Is(err, callid.ErrMalformed) {
			writeError(w, http.StatusBadRequest, "invalid channel")
			return
		}
		s.logger.Error("initiating ring failed",
			"channel", chi.URLParam(r, "cid"),
			"user_id", user.ID,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "could not start call")
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

// handleListMessages handles GET /api/v1/chat/channels/{cid}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	channelID, err := channelParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	limit, errMsg := parseLimit(r, defaultMessageLimit, channel.MaxQueryLimit)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	msgs, err := s.deps.Channels.QueryRecent(r.Context(), channelID, limit)
	if err != nil {
		s.logger.Error("querying messages failed", "channel", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []channel.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// endCallRequest is the body of POST /api/v1/chat/end-call. Token is only
// set by unload beacons and has already been consumed by RequireAuth.
type endCallRequest struct {
	CallID string `json:"callId"`
	Token  string `json:"token,omitempty"`
}

// endCallResponse reports what termination did. Every outcome is a success
// from the caller's point of view.
type endCallResponse struct {
	CallID  string         `json:"callId"`
	Outcome signal.Outcome `json:"outcome"`
}

// handleEndCall handles POST /api/v1/chat/end-call.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	var req endCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), endCallTimeout)
	defer cancel()

	outcome := s.deps.Terminator.EndCall(ctx, req.CallID)
	writeJSON(w, http.StatusOK, endCallResponse{CallID: req.CallID, Outcome: outcome})
}
