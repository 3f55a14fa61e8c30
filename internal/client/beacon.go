package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// beaconTimeout bounds a single beacon delivery.
const beaconTimeout = 5 * time.Second

// Beacon sends end-call requests that must outlive the caller, such as
// during page unload. Delivery is attempted once in the background and
// never retried. The token travels in the body because the transport used
// at unload cannot set headers.
type Beacon struct {
	c  *Client
	wg sync.WaitGroup
}

// NewBeacon creates a beacon that posts through c.
func NewBeacon(c *Client) *Beacon {
	return &Beacon{c: c}
}

// Send queues an end-call for callID and returns immediately.
func (b *Beacon) Send(callID string) {
	raw, err := json.Marshal(endCallRequest{CallID: callID, Token: b.c.token})
	if err != nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.c.baseURL+"/api/v1/chat/end-call", bytes.NewReader(raw))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

		resp, err := b.c.httpClient.Do(req)
		if err != nil {
			b.c.logger.Debug("end call beacon failed", "call_id", callID, "error", err)
			return
		}
		resp.Body.Close()
		b.c.logger.Debug("end call beacon sent", "call_id", callID, "status", resp.StatusCode)
	}()
}

// Wait blocks until every queued beacon has been attempted.
func (b *Beacon) Wait() {
	b.wg.Wait()
}
