package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/callsignal/internal/api/middleware"
	"github.com/flowpbx/callsignal/internal/callid"
	"github.com/flowpbx/callsignal/internal/room"
	"github.com/flowpbx/callsignal/internal/signal"
	"github.com/go-chi/chi/v5"
)

// RoomDirectory hands out per-user room handles.
type RoomDirectory interface {
	Handle(callID, userID string) *room.Handle
	Participants(callID string) int
}

// callStatus is the body of the presence endpoints.
type callStatus struct {
	CallID           string `json:"call_id"`
	State            string `json:"state"`
	Participants     int    `json:"participants"`
	RemainingSeconds *int   `json:"remaining_seconds,omitempty"`
}

func sessionKey(callID, userID string) string {
	return callID + "\x00" + userID
}

func (s *Server) lookupSession(callID, userID string) (*signal.Session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[sessionKey(callID, userID)]
	return sess, ok
}

func (s *Server) status(callID string, sess *signal.Session) callStatus {
	st := callStatus{
		CallID:       callID,
		State:        signal.StateEnded.String(),
		Participants: s.deps.Rooms.Participants(callID),
	}
	if sess != nil {
		st.State = sess.State().String()
		if left, ok := sess.Remaining(); ok {
			secs := int(left.Seconds())
			st.RemainingSeconds = &secs
		}
	}
	return st
}

// callParam validates the {callId} route parameter.
func callParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "callId")
	if _, err := callid.ParseChannelID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return "", false
	}
	return id, true
}

// handleJoinCall handles POST /api/v1/chat/calls/{callId}/join. It starts a
// server-hosted call session for the user: the room is joined, the
// participant countdown runs, and the call is ended when the user turns out
// to be the last one out.
func (s *Server) handleJoinCall(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	callID, ok := callParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Create bool `json:"create"`
	}
	if r.ContentLength != 0 {
		if errMsg := readJSON(r, &req); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}

	key := sessionKey(callID, user.ID)
	s.sessionsMu.Lock()
	if sess, ok := s.sessions[key]; ok {
		s.sessionsMu.Unlock()
		writeJSON(w, http.StatusOK, s.status(callID, sess))
		return
	}
	var sess *signal.Session
	sess = signal.NewSession(signal.SessionConfig{
		CallID:     callID,
		Room:       s.deps.Rooms.Handle(callID, user.ID),
		Terminator: s.deps.Terminator,
		Countdown:  s.deps.Countdown,
		Logger:     s.deps.Logger.With("user_id", user.ID),
		OnExit: func(signal.ExitReason) {
			s.sessionsMu.Lock()
			if s.sessions[key] == sess {
				delete(s.sessions, key)
			}
			s.sessionsMu.Unlock()
		},
	})
	s.sessions[key] = sess
	s.sessionsMu.Unlock()

	if err := sess.Join(r.Context(), req.Create); err != nil {
		s.sessionsMu.Lock()
		delete(s.sessions, key)
		s.sessionsMu.Unlock()
		if errors.Is(err, room.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call room not found")
			return
		}
		s.logger.Error("joining call failed", "call_id", callID, "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	go sess.RunTicker(s.runCtx)
	writeJSON(w, http.StatusOK, s.status(callID, sess))
}

// handleLeaveCall handles POST /api/v1/chat/calls/{callId}/leave.
func (s *Server) handleLeaveCall(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	callID, ok := callParam(w, r)
	if !ok {
		return
	}

	sess, ok := s.lookupSession(callID, user.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "not in call")
		return
	}
	if err := sess.Leave(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s.status(callID, sess))
}

// handleCallStatus handles GET /api/v1/chat/calls/{callId}.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	callID, ok := callParam(w, r)
	if !ok {
		return
	}
	sess, _ := s.lookupSession(callID, user.ID)
	writeJSON(w, http.StatusOK, s.status(callID, sess))
}

// closeSessions ends every hosted session without terminating its call.
func (s *Server) closeSessions() {
	s.sessionsMu.Lock()
	sessions := make([]*signal.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// presenceEnabled reports whether hosted call sessions are served.
func (s *Server) presenceEnabled() bool {
	return s.deps.Rooms != nil && s.deps.Terminator != nil
}
