package api

import (
	"net/http"

	"github.com/flowpbx/callsignal/internal/api/middleware"
	"github.com/flowpbx/callsignal/internal/callid"
	"github.com/flowpbx/callsignal/internal/database/models"
)

const (
	maxTokenLen    = 4096
	maxDeviceIDLen = 200
	maxVersionLen  = 40
)

// pushTokenRequest is the body of POST /api/v1/app/push-token.
type pushTokenRequest struct {
	ChannelID  string `json:"channel_id"`
	Token      string `json:"token"`
	Platform   string `json:"platform"`
	DeviceID   string `json:"device_id"`
	AppVersion string `json:"app_version"`
}

// handleRegisterPushToken handles POST /api/v1/app/push-token. The device
// will receive ring pushes for the channel.
func (s *Server) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.PushTokens == nil {
		writeError(w, http.StatusServiceUnavailable, "push notifications not configured")
		return
	}
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req pushTokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Platform == "" {
		req.Platform = "fcm"
	}
	switch {
	case req.Token == "" || len(req.Token) > maxTokenLen:
		writeError(w, http.StatusBadRequest, "token is required")
		return
	case req.DeviceID == "" || len(req.DeviceID) > maxDeviceIDLen:
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	case req.Platform != "fcm":
		writeError(w, http.StatusBadRequest, "platform must be fcm")
		return
	case len(req.AppVersion) > maxVersionLen:
		writeError(w, http.StatusBadRequest, "app_version exceeds maximum length")
		return
	}
	ch, err := callid.ParseChannel(req.ChannelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "channel_id is invalid")
		return
	}

	tok := &models.PushToken{
		UserID:     user.ID,
		ChannelID:  ch.String(),
		Token:      req.Token,
		Platform:   req.Platform,
		DeviceID:   req.DeviceID,
		AppVersion: req.AppVersion,
	}
	if err := s.deps.PushTokens.Upsert(r.Context(), tok); err != nil {
		s.logger.Error("registering push token failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("push token registered",
		"user_id", user.ID,
		"channel", tok.ChannelID,
		"device_id", tok.DeviceID,
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// handleDeletePushToken handles DELETE /api/v1/app/push-token with a body of
// {"device_id": "..."}.
func (s *Server) handleDeletePushToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.PushTokens == nil {
		writeError(w, http.StatusServiceUnavailable, "push notifications not configured")
		return
	}
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		DeviceID string `json:"device_id"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	if err := s.deps.PushTokens.DeleteByUserAndDevice(r.Context(), user.ID, req.DeviceID); err != nil {
		s.logger.Error("deleting push token failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
