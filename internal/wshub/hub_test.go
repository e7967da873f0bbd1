package wshub

import "testing"

func TestRegisterAndSendToUser(t *testing.T) {
	h := NewHub()
	ch, _ := h.RegisterConnection("alice")

	h.SendToUser("alice", WsEvent{Kind: EventSessionState, SessionID: "s1"})

	select {
	case ev := <-ch:
		if ev.SessionID != "s1" {
			t.Fatalf("SessionID = %q, want s1", ev.SessionID)
		}
	default:
		t.Fatalf("expected event to be delivered")
	}
}

func TestUnregisterConnectionIsIdempotent(t *testing.T) {
	h := NewHub()
	_, id := h.RegisterConnection("alice")

	h.UnregisterConnection(id)
	h.UnregisterConnection(id) // must not panic

	if h.ConnectedUserCount() != 0 {
		t.Fatalf("ConnectedUserCount() = %d, want 0", h.ConnectedUserCount())
	}
}

func TestSubscribeSessionFansOutToSubscribers(t *testing.T) {
	h := NewHub()
	aliceCh, _ := h.RegisterConnection("alice")
	bobCh, _ := h.RegisterConnection("bob")

	h.SubscribeSession("alice", "session-1")

	h.SendToSession("session-1", WsEvent{Kind: EventMessageDelta, SessionID: "session-1"})

	select {
	case <-aliceCh:
	default:
		t.Fatalf("expected alice to receive session event")
	}
	select {
	case <-bobCh:
		t.Fatalf("bob should not have received an event for a session it is not subscribed to")
	default:
	}
}

func TestUnsubscribeSessionSweepsEmptyEntry(t *testing.T) {
	h := NewHub()
	h.SubscribeSession("alice", "session-1")
	h.UnsubscribeSession("alice", "session-1")

	if h.IsSubscribed("alice", "session-1") {
		t.Fatalf("expected alice to be unsubscribed")
	}
	if got := h.SessionSubscribers("session-1"); len(got) != 0 {
		t.Fatalf("SessionSubscribers() = %v, want empty", got)
	}
}

func TestUserSubscriptionsListsAllSessions(t *testing.T) {
	h := NewHub()
	h.SubscribeSession("alice", "session-1")
	h.SubscribeSession("alice", "session-2")
	h.SubscribeSession("bob", "session-1")

	got := h.UserSubscriptions("alice")
	if len(got) != 2 {
		t.Fatalf("UserSubscriptions(alice) = %v, want 2 entries", got)
	}
}

func TestSendToUserDropsOnFullBuffer(t *testing.T) {
	h := NewHub()
	ch, _ := h.RegisterConnection("alice")

	for i := 0; i < connectionBuffer+10; i++ {
		h.SendToUser("alice", WsEvent{Kind: EventToolCall})
	}

	count := 0
	for {
		select {
		case _, ok := <-ch:
			if ok {
				count++
				continue
			}
		default:
		}
		break
	}
	if count != connectionBuffer {
		t.Fatalf("delivered %d events, want exactly the buffer size %d", count, connectionBuffer)
	}
}

func TestBroadcastToAllReachesEveryConnectedUser(t *testing.T) {
	h := NewHub()
	aliceCh, _ := h.RegisterConnection("alice")
	bobCh, _ := h.RegisterConnection("bob")

	h.BroadcastToAll(WsEvent{Kind: EventPromptUpdate})

	for name, ch := range map[string]<-chan WsEvent{"alice": aliceCh, "bob": bobCh} {
		select {
		case <-ch:
		default:
			t.Fatalf("%s did not receive broadcast event", name)
		}
	}
}
