package events

import (
	"context"
	"errors"
	"testing"
)

func TestNoOpPublisher(t *testing.T) {
	pub := &NoOpPublisher{}
	err := pub.PublishDispatch(context.Background(), &DispatchEvent{
		Type: TypeDelivered,
		View: "main",
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCallbackPublisher(t *testing.T) {
	var captured *DispatchEvent

	pub := NewCallbackPublisher(func(_ context.Context, event *DispatchEvent) error {
		captured = event
		return nil
	})

	event := &DispatchEvent{
		Type:      TypeRequestCompleted,
		View:      "main",
		Frame:     3,
		Context:   "app://main",
		MessageID: "ping",
		Serial:    5,
		Code:      "OK",
	}

	err := pub.PublishDispatch(context.Background(), event)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	if captured == nil {
		t.Fatal("expected callback to be called")
	}
	if captured.MessageID != "ping" {
		t.Errorf("expected message id ping, got %s", captured.MessageID)
	}
	if captured.Serial != 5 {
		t.Errorf("expected serial 5, got %d", captured.Serial)
	}
}

func TestMultiPublisher(t *testing.T) {
	var calls int
	count := NewCallbackPublisher(func(context.Context, *DispatchEvent) error {
		calls++
		return nil
	})
	failing := NewCallbackPublisher(func(context.Context, *DispatchEvent) error {
		return errors.New("sink down")
	})

	multi := NewMultiPublisher(count, nil, failing, count)
	if multi.Len() != 3 {
		t.Fatalf("expected 3 publishers (nil skipped), got %d", multi.Len())
	}

	err := multi.PublishDispatch(context.Background(), &DispatchEvent{Type: TypeUnhandled})
	if err == nil {
		t.Error("expected joined error from failing publisher")
	}
	if calls != 2 {
		t.Errorf("expected both counting publishers to run, got %d calls", calls)
	}
}

func TestDispatchEvent_Stamp(t *testing.T) {
	e := (&DispatchEvent{Type: TypeFrameCreated}).Stamp()
	if e.Timestamp == "" {
		t.Fatal("expected timestamp to be set")
	}
	fixed := &DispatchEvent{Timestamp: "2025-01-01T00:00:00Z"}
	if fixed.Stamp().Timestamp != "2025-01-01T00:00:00Z" {
		t.Error("Stamp should keep an existing timestamp")
	}
}
