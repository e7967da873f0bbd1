package prompt

import (
	"context"
	"testing"
	"time"

	"github.com/byteowlz/sessiond/internal/domain"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewBroker(ctx)
}

func TestBrokerStartsEmpty(t *testing.T) {
	b := newTestBroker(t)
	if got := b.ListPending(); len(got) != 0 {
		t.Fatalf("ListPending() = %v, want empty", got)
	}
}

func TestBrokerRespond(t *testing.T) {
	b := newTestBroker(t)

	resultCh := make(chan domain.PromptResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := b.Request(context.Background(), Request{
			Source:   "guard",
			Kind:     "file_read",
			Resource: "/test",
			Timeout:  5 * time.Second,
		})
		resultCh <- resp
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	var id string
	for time.Now().Before(deadline) {
		pending := b.ListPending()
		if len(pending) == 1 {
			id = pending[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatalf("prompt never appeared in pending list")
	}

	if err := b.Respond(id, domain.ActionAllowOnce); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	select {
	case resp := <-resultCh:
		if resp.Action != domain.ActionAllowOnce {
			t.Fatalf("Request() action = %v, want allow-once", resp.Action)
		}
	case <-time.After(time.Second):
		t.Fatalf("Request() did not return after Respond")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Request() error = %v", err)
	}
}

func TestBrokerSessionApprovalCache(t *testing.T) {
	b := newTestBroker(t)

	if b.IsApproved("guard", "/test") {
		t.Fatalf("expected no approval before caching")
	}

	b.cacheApproval("guard", "/test")

	if !b.IsApproved("guard", "/test") {
		t.Fatalf("expected approval after caching")
	}

	b.ClearCache()

	if b.IsApproved("guard", "/test") {
		t.Fatalf("expected no approval after clearing cache")
	}
}

func TestBrokerCacheHitSkipsPrompt(t *testing.T) {
	b := newTestBroker(t)
	b.cacheApproval("guard", "/cached")

	resp, err := b.Request(context.Background(), Request{
		Source:   "guard",
		Kind:     "file_read",
		Resource: "/cached",
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp.Action != domain.ActionAllowSession {
		t.Fatalf("Request() action = %v, want allow-session", resp.Action)
	}
	if len(b.ListPending()) != 0 {
		t.Fatalf("expected no pending prompt created on cache hit")
	}
}

func TestBrokerRequestTimesOut(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Request(context.Background(), Request{
		Source:   "guard",
		Kind:     "file_read",
		Resource: "/slow",
		Timeout:  20 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestBrokerRespondRejectsAlreadyHandled(t *testing.T) {
	b := newTestBroker(t)

	go func() {
		_, _ = b.Request(context.Background(), Request{
			Source:   "guard",
			Kind:     "file_read",
			Resource: "/double",
			Timeout:  5 * time.Second,
		})
	}()

	deadline := time.Now().Add(time.Second)
	var id string
	for time.Now().Before(deadline) {
		pending := b.ListPending()
		if len(pending) == 1 {
			id = pending[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatalf("prompt never appeared in pending list")
	}

	if err := b.Respond(id, domain.ActionDeny); err != nil {
		t.Fatalf("first Respond() error = %v", err)
	}
	if err := b.Respond(id, domain.ActionAllowOnce); err == nil {
		t.Fatalf("expected second Respond() to fail")
	}
}

func TestBrokerSubscribeReceivesCreated(t *testing.T) {
	b := newTestBroker(t)
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	go func() {
		_, _ = b.Request(context.Background(), Request{
			Source:   "guard",
			Kind:     "file_read",
			Resource: "/watched",
			Timeout:  time.Second,
		})
	}()

	select {
	case ev := <-events:
		if ev.Type != EventCreated {
			t.Fatalf("first event type = %v, want created", ev.Type)
		}
		if ev.Prompt == nil || ev.Prompt.Resource != "/watched" {
			t.Fatalf("unexpected prompt in created event: %+v", ev.Prompt)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive created event")
	}
}
