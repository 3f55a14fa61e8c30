package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), slog.Default())
}

func TestSendAndQueryRecent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := svc.Send(ctx, "messaging:c1", Message{SenderID: "u1", Text: text}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if _, err := svc.Send(ctx, "messaging:c2", Message{SenderID: "u1", Text: "elsewhere"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := svc.QueryRecent(ctx, "messaging:c1", 2)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Errorf("got %q, %q; want two, three", msgs[0].Text, msgs[1].Text)
	}
	if msgs[0].ID == "" || msgs[0].ChannelID != "messaging:c1" {
		t.Errorf("message not stamped: %+v", msgs[0])
	}
}

func TestSendValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Send(ctx, "", Message{SenderID: "u1"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty channel: error = %v, want ErrInvalid", err)
	}
	if _, err := svc.Send(ctx, "c1", Message{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty sender: error = %v, want ErrInvalid", err)
	}
	if _, err := svc.Send(ctx, "c1", Message{SenderID: "u1", Kind: "bogus"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad kind: error = %v, want ErrInvalid", err)
	}
}

func TestSendPublishesEvents(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var global, watched []Event
	sub1 := svc.Subscribe(EventMessageNew, func(ev Event) { global = append(global, ev) })
	defer sub1.Cancel()
	sub2 := svc.Watch("c1", func(ev Event) { watched = append(watched, ev) })

	svc.Send(ctx, "c1", Message{SenderID: "u1", Text: "hi"})
	svc.Send(ctx, "c2", Message{SenderID: "u1", Text: "other"})

	if len(global) != 2 {
		t.Errorf("global subscriber got %d events, want 2", len(global))
	}
	if len(watched) != 1 || watched[0].Message.Text != "hi" {
		t.Errorf("channel watcher got %+v", watched)
	}

	sub2.Cancel()
	if svc.Watchers("c1") != 0 {
		t.Errorf("Watchers = %d after cancel", svc.Watchers("c1"))
	}
}

func TestUpdateRequiresAuthor(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	msg, err := svc.Send(ctx, "c1", Message{SenderID: "author", Kind: KindRing, Text: "ring"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, _, err = svc.Update(ctx, msg.ID, Edit{Kind: KindEnded}, "someone-else")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
	_, _, err = svc.Update(ctx, msg.ID, Edit{Kind: KindEnded}, "")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("empty identity: error = %v, want ErrForbidden", err)
	}
	_, _, err = svc.Update(ctx, "missing", Edit{Kind: KindEnded}, "author")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestConditionalUpdateAppliesOnce(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	msg, err := svc.Send(ctx, "c1", Message{
		SenderID:    "author",
		Kind:        KindRing,
		Text:        "ring",
		JoinRef:     "https://example.test/call/c1_1",
		Attachments: []Attachment{{Type: "join", URL: "https://example.test/call/c1_1"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var updates atomic.Int32
	sub := svc.Subscribe(EventMessageUpdated, func(Event) { updates.Add(1) })
	defer sub.Cancel()

	ring := KindRing
	edit := Edit{Kind: KindEnded, Text: "ended", IfKind: &ring}

	const n = 16
	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := svc.Update(ctx, msg.ID, edit, "author")
			if err != nil {
				t.Errorf("Update: %v", err)
			}
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Errorf("applied %d times, want 1", applied.Load())
	}
	if updates.Load() != 1 {
		t.Errorf("published %d update events, want 1", updates.Load())
	}

	got, err := svc.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != KindEnded || got.JoinRef != "" || len(got.Attachments) != 0 {
		t.Errorf("stored message = %+v", got)
	}
}
