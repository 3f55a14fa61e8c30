// Package callid mints and parses call identifiers. A call id is the id of
// the signaling channel the call was started from, followed by "_" and a
// strictly increasing millisecond timestamp:
//
//	messaging:team-42_1718000000123
//
// A fresh id per attempt keeps a stale ring from suppressing a new call on
// the same channel.
package callid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Separator divides the channel id from the timestamp component.
const Separator = "_"

// DefaultChannelType is assumed for channel ids without a "type:" prefix.
const DefaultChannelType = "messaging"

// ErrMalformed is returned when a call id or channel id cannot be parsed.
var ErrMalformed = errors.New("malformed call id")

// Codec mints call ids. The zero value is not usable; use NewCodec.
type Codec struct {
	now func() time.Time

	mu   sync.Mutex
	last int64
}

// NewCodec returns a Codec reading time from now. A nil now uses time.Now.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{now: now}
}

// Mint returns a new call id for channelID. Ids minted by the same Codec are
// strictly increasing in their timestamp component even when the clock
// stalls or steps backwards.
func (c *Codec) Mint(channelID string) (string, error) {
	if channelID == "" {
		return "", fmt.Errorf("%w: empty channel id", ErrMalformed)
	}

	c.mu.Lock()
	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	c.mu.Unlock()

	return channelID + Separator + strconv.FormatInt(ts, 10), nil
}

// ParseChannelID returns the channel id a call id was minted from. The split
// happens on the last separator, so channel ids that themselves contain "_"
// round-trip. An id without a separator is treated as a bare channel id,
// which is how legacy calls keyed only by channel were addressed.
func ParseChannelID(callID string) (string, error) {
	if callID == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformed)
	}
	i := strings.LastIndex(callID, Separator)
	if i < 0 {
		return callID, nil
	}
	channelID, ts := callID[:i], callID[i+1:]
	if channelID == "" {
		return "", fmt.Errorf("%w: %q has no channel component", ErrMalformed, callID)
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		// The trailing segment is part of the channel id, not a timestamp.
		return callID, nil
	}
	return channelID, nil
}

// Timestamp returns the mint time encoded in callID.
func Timestamp(callID string) (time.Time, error) {
	i := strings.LastIndex(callID, Separator)
	if i < 0 {
		return time.Time{}, fmt.Errorf("%w: %q has no timestamp", ErrMalformed, callID)
	}
	ms, err := strconv.ParseInt(callID[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrMalformed, callID, err)
	}
	return time.UnixMilli(ms), nil
}

// Channel is a channel reference split into its type and id.
type Channel struct {
	Type string
	ID   string
}

// String returns the "type:id" form.
func (c Channel) String() string {
	return c.Type + ":" + c.ID
}

// ParseChannel splits a "type:id" channel reference. A reference without a
// type prefix gets DefaultChannelType.
func ParseChannel(ref string) (Channel, error) {
	if ref == "" {
		return Channel{}, fmt.Errorf("%w: empty channel", ErrMalformed)
	}
	typ, id, ok := strings.Cut(ref, ":")
	if !ok {
		return Channel{Type: DefaultChannelType, ID: ref}, nil
	}
	if typ == "" || id == "" {
		return Channel{}, fmt.Errorf("%w: channel %q", ErrMalformed, ref)
	}
	return Channel{Type: typ, ID: id}, nil
}
