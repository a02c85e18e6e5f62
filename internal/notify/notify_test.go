package notify

import "testing"

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelA()
	defer cancelB()

	h.Publish(GuestAdded, "g1")

	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		if e.Kind != GuestAdded || e.Subject != "g1" {
			t.Fatalf("unexpected event %+v", e)
		}
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(GuestAdded, "g1")
	h.Publish(GuestAdded, "g2")

	if e := <-ch; e.Subject != "g1" {
		t.Fatalf("expected first event kept, got %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected overflow to be dropped, got %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	h.Publish(GuestUpdated, "g1")
}

func TestNilHubPublish(t *testing.T) {
	var h *Hub
	h.Publish(GuestAdded, "g1")
}
