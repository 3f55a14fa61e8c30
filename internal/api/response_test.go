package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"call_id": "messaging:c1_1"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("expected error field to be omitted, got %s", w.Body.String())
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data to be map, got %T", env.Data)
	}
	if data["call_id"] != "messaging:c1_1" {
		t.Errorf("expected call_id, got %v", data["call_id"])
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "callId is required")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "callId is required" {
		t.Errorf("expected error message, got %q", env.Error)
	}
	if env.Data != nil {
		t.Errorf("expected nil data, got %v", env.Data)
	}
}

func TestReadJSON(t *testing.T) {
	type body struct {
		CallID string `json:"callId"`
		Count  int    `json:"count"`
	}

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"ok", `{"callId":"messaging:c1_1","count":2}`, ""},
		{"empty", ``, "request body must not be empty"},
		{"malformed", `{bad`, "malformed json"},
		{"unknown field", `{"callId":"x","extra":1}`, `unknown field "extra"`},
		{"wrong type", `{"count":"two"}`, "invalid value for field count"},
		{"two objects", `{"callId":"a"}{"callId":"b"}`, "request body must contain a single json object"},
		{"too large", `{"callId":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.input))
			var dst body
			if got := readJSON(r, &dst); got != tt.wantErr {
				t.Errorf("readJSON() = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 30, false},
		{"?limit=10", 10, false},
		{"?limit=500", 200, false},
		{"?limit=0", 0, true},
		{"?limit=-1", 0, true},
		{"?limit=abc", 0, true},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/messages"+tt.query, nil)
		got, errMsg := parseLimit(r, 30, 200)
		if (errMsg != "") != tt.wantErr {
			t.Errorf("parseLimit(%q) error = %q, wantErr %v", tt.query, errMsg, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
