package notify

import (
	"encoding/json"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch chan []byte) Event {
	t.Helper()
	select {
	case payload := <-ch:
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestPublishReachesSubscribedClients(t *testing.T) {
	hub := NewHub()
	client := &Client{ID: "c1", Send: make(chan []byte, 4)}
	hub.Register(client)
	hub.UpdateSubscription(client, Subscription{FacilityID: "facility-a"})

	if err := hub.Publish(Event{Type: EventEnqueued, QueueNumber: "A-001", FacilityID: "facility-a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	event := recvEvent(t, client.Send)
	if event.Type != EventEnqueued || event.QueueNumber != "A-001" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestPublishSkipsOtherFacilities(t *testing.T) {
	hub := NewHub()
	client := &Client{ID: "c1", Send: make(chan []byte, 4)}
	hub.Register(client)
	hub.UpdateSubscription(client, Subscription{FacilityID: "facility-b"})

	if err := hub.Publish(Event{Type: EventCalled, FacilityID: "facility-a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-client.Send:
		t.Fatalf("unexpected delivery: %s", payload)
	default:
	}
}

func TestEmptySubscriptionReceivesEverything(t *testing.T) {
	hub := NewHub()
	client := &Client{ID: "c1", Send: make(chan []byte, 4)}
	hub.Register(client)

	if err := hub.Publish(Event{Type: EventCompleted, FacilityID: "facility-a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := recvEvent(t, client.Send)
	if event.Type != EventCompleted {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	client := &Client{ID: "c1", Send: make(chan []byte, 1)}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Publish(Event{Type: EventEnqueued, FacilityID: "facility-a"})
		_ = hub.Publish(Event{Type: EventCalled, FacilityID: "facility-a"})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full client buffer")
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	hub := NewHub()
	client := &Client{ID: "c1", Send: make(chan []byte, 1)}
	hub.Register(client)
	hub.Unregister(client)

	if _, ok := <-client.Send; ok {
		t.Fatal("send channel still open after unregister")
	}
	if err := hub.Publish(Event{Type: EventEnqueued, FacilityID: "facility-a"}); err != nil {
		t.Fatalf("publish after unregister: %v", err)
	}
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		wantOK bool
		want   SubscribeMessage
	}{
		{
			name:   "subscribe",
			input:  `{"action":"subscribe","facility_id":"facility-a"}`,
			wantOK: true,
			want:   SubscribeMessage{Action: "subscribe", FacilityID: "facility-a"},
		},
		{
			name:   "unsubscribe",
			input:  `{"action":"unsubscribe"}`,
			wantOK: true,
			want:   SubscribeMessage{Action: "unsubscribe"},
		},
		{
			name:  "unknown action",
			input: `{"action":"ping"}`,
		},
		{
			name:  "not json",
			input: `subscribe facility-a`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tc.input))
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && msg != tc.want {
				t.Fatalf("msg = %+v, want %+v", msg, tc.want)
			}
		})
	}
}
