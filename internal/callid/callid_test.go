package callid

import (
	"errors"
	"testing"
	"time"
)

func TestMintRoundTrip(t *testing.T) {
	c := NewCodec(func() time.Time { return time.UnixMilli(1000) })

	channels := []string{"c1", "messaging:c1", "messaging:team_42", "a_b_c", "room_7"}
	for _, ch := range channels {
		id, err := c.Mint(ch)
		if err != nil {
			t.Fatalf("Mint(%q): %v", ch, err)
		}
		got, err := ParseChannelID(id)
		if err != nil {
			t.Fatalf("ParseChannelID(%q): %v", id, err)
		}
		if got != ch {
			t.Errorf("ParseChannelID(Mint(%q)) = %q", ch, got)
		}
	}
}

func TestMintFormat(t *testing.T) {
	c := NewCodec(func() time.Time { return time.UnixMilli(1000) })
	id, err := c.Mint("c1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if id != "c1_1000" {
		t.Errorf("Mint = %q, want c1_1000", id)
	}
}

func TestMintUniqueUnderFrozenClock(t *testing.T) {
	c := NewCodec(func() time.Time { return time.UnixMilli(5000) })

	const n = 1000
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id, err := c.Mint("c1")
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d mints", id, i)
		}
		seen[id] = true
	}
}

func TestMintMonotonicWhenClockStepsBack(t *testing.T) {
	times := []int64{2000, 1500, 1500, 2500}
	i := 0
	c := NewCodec(func() time.Time {
		ts := times[i]
		i++
		return time.UnixMilli(ts)
	})

	var prev time.Time
	for range times {
		id, err := c.Mint("c1")
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		ts, err := Timestamp(id)
		if err != nil {
			t.Fatalf("Timestamp(%q): %v", id, err)
		}
		if !ts.After(prev) {
			t.Fatalf("timestamp %v not after %v", ts, prev)
		}
		prev = ts
	}
}

func TestMintConcurrent(t *testing.T) {
	c := NewCodec(nil)

	const workers, per = 8, 200
	ids := make(chan string, workers*per)
	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < per; i++ {
				id, err := c.Mint("messaging:c1")
				if err != nil {
					t.Errorf("Mint: %v", err)
				}
				ids <- id
			}
			done <- struct{}{}
		}()
	}
	for w := 0; w < workers; w++ {
		<-done
	}
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*per {
		t.Errorf("got %d ids, want %d", len(seen), workers*per)
	}
}

func TestMintEmptyChannel(t *testing.T) {
	c := NewCodec(nil)
	if _, err := c.Mint(""); !errors.Is(err, ErrMalformed) {
		t.Errorf("Mint(\"\") error = %v, want ErrMalformed", err)
	}
}

func TestParseChannelID(t *testing.T) {
	tests := []struct {
		callID  string
		want    string
		wantErr bool
	}{
		{"c1_1000", "c1", false},
		{"messaging:abc_1718000000123", "messaging:abc", false},
		{"messaging:abc", "messaging:abc", false},
		{"messaging:a_b", "messaging:a_b", false},
		{"_1000", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseChannelID(tt.callID)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseChannelID(%q) expected error", tt.callID)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseChannelID(%q): %v", tt.callID, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseChannelID(%q) = %q, want %q", tt.callID, got, tt.want)
		}
	}
}

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel("team:xyz")
	if err != nil {
		t.Fatalf("ParseChannel: %v", err)
	}
	if ch.Type != "team" || ch.ID != "xyz" {
		t.Errorf("ParseChannel = %+v", ch)
	}

	ch, err = ParseChannel("xyz")
	if err != nil {
		t.Fatalf("ParseChannel: %v", err)
	}
	if ch.String() != "messaging:xyz" {
		t.Errorf("ParseChannel(xyz).String() = %q", ch.String())
	}

	for _, bad := range []string{"", ":xyz", "team:"} {
		if _, err := ParseChannel(bad); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseChannel(%q) error = %v, want ErrMalformed", bad, err)
		}
	}
}
