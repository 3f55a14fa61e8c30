package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callsignal/internal/api/middleware"
	"github.com/flowpbx/callsignal/internal/channel"
	"github.com/flowpbx/callsignal/internal/database/models"
	"github.com/flowpbx/callsignal/internal/room"
	"github.com/flowpbx/callsignal/internal/signal"
	"github.com/gorilla/websocket"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// mockPushTokenStore records registrations in memory.
type mockPushTokenStore struct {
	mu      sync.Mutex
	tokens  []models.PushToken
	deleted []string
}

func (m *mockPushTokenStore) Upsert(ctx context.Context, token *models.PushToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token.ID = int64(len(m.tokens) + 1)
	m.tokens = append(m.tokens, *token)
	return nil
}

func (m *mockPushTokenStore) DeleteByUserAndDevice(ctx context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, userID+"/"+deviceID)
	return nil
}

type testEnv struct {
	server   *Server
	channels *channel.Service
	tokens   *mockPushTokenStore
	rooms    *room.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := channel.NewService(channel.NewMemoryStore(), logger)
	tokens := &mockPushTokenStore{}
	rooms := room.NewRegistry(logger)
	srv := NewServer(Deps{
		Channels:    svc,
		Rings:       signal.NewInitiator(svc, nil, "https://app.example.com", nil, logger),
		Terminator:  signal.NewResolver(svc, signal.NewAuthorEditor(svc), signal.DefaultLookback, logger),
		PushTokens:  tokens,
		Rooms:       rooms,
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "# metrics\n") }),
		JWTSecret:   testSecret,
		CORSOrigins: []string{"*"},
		Logger:      logger,
	})
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, channels: svc, tokens: tokens, rooms: rooms}
}

func tokenFor(t *testing.T, userID, name string) string {
	t.Helper()
	tok, _, err := middleware.GenerateToken(testSecret, userID, name, "")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return tok
}

// do runs a request against the server and decodes the envelope.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, env
}

// ring starts a call as alice and returns the call id.
func (e *testEnv) ring(t *testing.T) string {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/api/v1/chat/channels/messaging:c1/calls", tokenFor(t, "alice", "Alice"), nil)
	if code != http.StatusCreated {
		t.Fatalf("ring: expected 201, got %d (%s)", code, env.Error)
	}
	data := env.Data.(map[string]any)
	return data["call_id"].(string)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	code, env := e.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if env.Data.(map[string]any)["status"] != "ok" {
		t.Errorf("unexpected health body: %v", env.Data)
	}
}

func TestMetricsMounted(t *testing.T) {
	e := newTestEnv(t)
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "# metrics") {
		t.Fatalf("expected metrics handler, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestInitiateRing(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(t, http.MethodPost, "/api/v1/chat/channels/c1/calls", tokenFor(t, "alice", "Alice"), nil)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", code, env.Error)
	}
	data := env.Data.(map[string]any)
	if !strings.HasPrefix(data["call_id"].(string), "messaging:c1_") {
		t.Errorf("call_id = %v, want messaging:c1_ prefix", data["call_id"])
	}
	if data["sender_id"] != "alice" || data["caller_display_name"] != "Alice" {
		t.Errorf("caller not taken from token: %v", data)
	}
	if data["kind"] != string(channel.KindRing) {
		t.Errorf("kind = %v, want ring", data["kind"])
	}

	msgs, err := e.channels.QueryRecent(context.Background(), "messaging:c1", 10)
	if err != nil {
		t.Fatalf("querying channel: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message in channel, got %d", len(msgs))
	}
}

func TestInitiateRingErrors(t *testing.T) {
	e := newTestEnv(t)

	if code, _ := e.do(t, http.MethodPost, "/api/v1/chat/channels/c1/calls", "", nil); code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/chat/channels/messaging:/calls", tokenFor(t, "alice", ""), nil); code != http.StatusBadRequest {
		t.Errorf("bad channel: expected 400, got %d", code)
	}
}

func TestInitiateRingRateLimited(t *testing.T) {
	e := newTestEnv(t)
	tok := tokenFor(t, "alice", "Alice")

	limited := false
	for i := 0; i < 5; i++ {
		code, _ := e.do(t, http.MethodPost, "/api/v1/chat/channels/c1/calls", tok, nil)
		if code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected ring initiation to be rate limited within 5 attempts")
	}
}

func TestListMessages(t *testing.T) {
	e := newTestEnv(t)
	callID := e.ring(t)
	tok := tokenFor(t, "bob", "Bob")

	code, env := e.do(t, http.MethodGet, "/api/v1/chat/channels/messaging:c1/messages?limit=5", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	msgs := env.Data.([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["call_id"] != callID {
		t.Fatalf("unexpected messages: %v", msgs)
	}

	code, env = e.do(t, http.MethodGet, "/api/v1/chat/channels/messaging:empty/messages", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msgs, ok := env.Data.([]any); !ok || len(msgs) != 0 {
		t.Errorf("expected empty list, got %v", env.Data)
	}

	if code, _ := e.do(t, http.MethodGet, "/api/v1/chat/channels/c1/messages?limit=abc", tok, nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", code)
	}
}

func TestEndCall(t *testing.T) {
	e := newTestEnv(t)
	callID := e.ring(t)
	tok := tokenFor(t, "bob", "Bob")

	tests := []struct {
		name string
		id   string
		want signal.Outcome
	}{
		{"first end", callID, signal.OutcomeEnded},
		{"repeat end", callID, signal.OutcomeAlreadyEnded},
		{"unknown call", "messaging:c1_1", signal.OutcomeNotFound},
		{"malformed id", "nonsense", signal.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := e.do(t, http.MethodPost, "/api/v1/chat/end-call", tok, map[string]string{"callId": tt.id})
			if code != http.StatusOK {
				t.Fatalf("expected 200, got %d (%s)", code, env.Error)
			}
			if got := env.Data.(map[string]any)["outcome"]; got != string(tt.want) {
				t.Errorf("outcome = %v, want %s", got, tt.want)
			}
		})
	}

	msgs, _ := e.channels.QueryRecent(context.Background(), "messaging:c1", 10)
	if msgs[0].Kind != channel.KindEnded || msgs[0].Text != signal.TerminalText {
		t.Errorf("announcement not ended: %+v", msgs[0])
	}
	if msgs[0].SenderID != "alice" {
		t.Errorf("sender = %q, want original author alice", msgs[0].SenderID)
	}
}

func TestEndCallValidation(t *testing.T) {
	e := newTestEnv(t)
	tok := tokenFor(t, "bob", "Bob")

	if code, env := e.do(t, http.MethodPost, "/api/v1/chat/end-call", tok, map[string]string{}); code != http.StatusBadRequest || env.Error != "callId is required" {
		t.Errorf("missing callId: got %d %q", code, env.Error)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/v1/chat/end-call", "", map[string]string{"callId": "messaging:c1_1"}); code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", code)
	}
}

func TestEndCallBeaconToken(t *testing.T) {
	e := newTestEnv(t)
	callID := e.ring(t)

	// Beacons post text/plain JSON with the token inline.
	body := `{"callId":"` + callID + `","token":"` + tokenFor(t, "alice", "Alice") + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/end-call", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"outcome":"ended"`) {
		t.Errorf("expected ended outcome, got %s", rr.Body.String())
	}
}

func TestPushTokenRegistration(t *testing.T) {
	e := newTestEnv(t)
	tok := tokenFor(t, "bob", "Bob")

	code, env := e.do(t, http.MethodPost, "/api/v1/app/push-token", tok, pushTokenRequest{
		ChannelID: "c1",
		Token:     "fcm-token-1",
		DeviceID:  "pixel",
	})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", code, env.Error)
	}
	if len(e.tokens.tokens) != 1 {
		t.Fatalf("expected 1 token stored, got %d", len(e.tokens.tokens))
	}
	got := e.tokens.tokens[0]
	if got.UserID != "bob" || got.ChannelID != "messaging:c1" || got.Platform != "fcm" {
		t.Errorf("unexpected stored token: %+v", got)
	}

	code, _ = e.do(t, http.MethodDelete, "/api/v1/app/push-token", tok, map[string]string{"device_id": "pixel"})
	if code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", code)
	}
	if len(e.tokens.deleted) != 1 || e.tokens.deleted[0] != "bob/pixel" {
		t.Errorf("unexpected deletes: %v", e.tokens.deleted)
	}
}

func TestPushTokenValidation(t *testing.T) {
	e := newTestEnv(t)
	tok := tokenFor(t, "bob", "Bob")

	tests := []struct {
		name string
		req  pushTokenRequest
	}{
		{"missing token", pushTokenRequest{ChannelID: "c1", DeviceID: "d"}},
		{"missing device", pushTokenRequest{ChannelID: "c1", Token: "t"}},
		{"bad platform", pushTokenRequest{ChannelID: "c1", Token: "t", DeviceID: "d", Platform: "apns"}},
		{"bad channel", pushTokenRequest{ChannelID: "", Token: "t", DeviceID: "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := e.do(t, http.MethodPost, "/api/v1/app/push-token", tok, tt.req); code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
		})
	}
}

func TestPushTokenNotConfigured(t *testing.T) {
	srv := NewServer(Deps{JWTSecret: testSecret})
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/app/push-token", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "bob", ""))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestEventStream(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/api/v1/chat/channels/messaging:c1/events?token=" + tokenFor(t, "bob", "Bob")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing event stream: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.channels.Watchers("messaging:c1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := e.server.ActiveStreams(); n != 1 {
		t.Errorf("ActiveStreams = %d, want 1", n)
	}

	callID := e.ring(t)
	if code, _ := e.do(t, http.MethodPost, "/api/v1/chat/end-call", tokenFor(t, "bob", ""), map[string]string{"callId": callID}); code != http.StatusOK {
		t.Fatalf("end-call: expected 200, got %d", code)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	want := []struct {
		typ  channel.EventType
		kind channel.Kind
	}{
		{channel.EventMessageNew, channel.KindRing},
		{channel.EventMessageUpdated, channel.KindEnded},
	}
	for i, w := range want {
		var ev channel.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading event %d: %v", i, err)
		}
		if ev.Type != w.typ || ev.Message.Kind != w.kind || ev.Message.CallID != callID {
			t.Errorf("event %d = %s/%s/%s, want %s/%s/%s", i, ev.Type, ev.Message.Kind, ev.Message.CallID, w.typ, w.kind, callID)
		}
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/chat/channels/messaging:c1/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestEventStreamClosedOnShutdown(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/api/v1/chat/channels/c1/events?token=" + tokenFor(t, "bob", "")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing event stream: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.server.ActiveStreams() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.server.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
