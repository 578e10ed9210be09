package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "student-1")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "student-1",
		EventType: RealtimeEventQueueChanged,
		Payload:   map[string]int{"pending": 2},
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventQueueChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventQueueChanged, received.EventType)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected publish to stamp the message")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "student-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "student-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "student-3",
		EventType: RealtimeEventMaterialChanged,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "student-3" {
			t.Fatalf("expected student-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherClosesStreamOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx, "student-4")
	if dispatcher.SubscriberCount("student-4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cancel")
	}
	if dispatcher.SubscriberCount("student-4") != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
	dispatcher.Publish(RealtimeMessage{UserID: "student-4", EventType: RealtimeEventQueueChanged})
}
