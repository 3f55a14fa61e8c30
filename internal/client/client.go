// Package client talks to a callsignal server over HTTP and websocket. It
// provides the remote forms of the signaling collaborators: ring initiation,
// call termination (a signal.Terminator), the page-unload beacon and a
// channel event stream a signal.Listener can attach to.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/callsignal/internal/channel"
	"github.com/flowpbx/callsignal/internal/signal"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 1 << 20

// envelope is the server's response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned status %d", e.Status)
}

// Client is an HTTP client for one authenticated user.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates a client for the server at baseURL (for example
// "https://signal.example.com") authenticating with token.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger.With("subsystem", "client"),
	}
}

func channelPath(channelRef string) string {
	return "/api/v1/chat/channels/" + url.PathEscape(channelRef)
}

// do sends a JSON request and decodes the envelope's data into dst, which
// may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		json.Unmarshal(respBody, &env) //nolint:errcheck
		return &StatusError{Status: resp.StatusCode, Message: env.Error}
	}
	if dst == nil || len(respBody) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

// InitiateRing starts a call in channelRef as the client's user. Errors wrap
// signal.ErrInitiationFailure.
func (c *Client) InitiateRing(ctx context.Context, channelRef string) (*signal.Announcement, error) {
	var a signal.Announcement
	if err := c.do(ctx, http.MethodPost, channelPath(channelRef)+"/calls", nil, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", signal.ErrInitiationFailure, err)
	}
	return &a, nil
}

// QueryRecent returns up to limit of the newest messages in channelRef,
// oldest first.
func (c *Client) QueryRecent(ctx context.Context, channelRef string, limit int) ([]channel.Message, error) {
	path := channelPath(channelRef) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []channel.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("querying %s: %w", channelRef, err)
	}
	return msgs, nil
}

type endCallRequest struct {
	CallID string `json:"callId"`
	Token  string `json:"token,omitempty"`
}

type endCallResponse struct {
	Outcome signal.Outcome `json:"outcome"`
}

// EndCall asks the server to end callID. Like the server-side resolver it
// never fails: transport errors are logged and reported as OutcomeFailed.
func (c *Client) EndCall(ctx context.Context, callID string) signal.Outcome {
	var resp endCallResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat/end-call", endCallRequest{CallID: callID}, &resp); err != nil {
		c.logger.Warn("end call request failed", "call_id", callID, "error", err)
		return signal.OutcomeFailed
	}
	return resp.Outcome
}
