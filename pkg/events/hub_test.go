package events

import (
	"testing"
	"time"
)

func TestHubPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(DeviceStatus, StatusChangedEvent{From: "Connecting", To: "Connected", Ts: time.Now().Unix()})

	select {
	case ev := <-ch:
		if ev.Name != DeviceStatus {
			t.Fatalf("expected event name %q, got %q", DeviceStatus, ev.Name)
		}
		payload, err := DecodeAs[StatusChangedEvent](ev)
		if err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if payload.To != "Connected" {
			t.Fatalf("expected To=Connected, got %q", payload.To)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive published event in time")
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			h.Publish(SyncError, SyncErrorEvent{Message: "overflow"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	h.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}

	// A second unsubscribe must be a no-op, not a double close.
	h.Unsubscribe(ch)
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(DeviceStatus, nil)
}
