package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/beatgen/api/internal/logging"
	"github.com/beatgen/api/internal/model"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func receive(t *testing.T, c *Client) model.JobEvent {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var ev model.JobEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return model.JobEvent{}
}

func TestHubRoutesByJob(t *testing.T) {
	h, _ := startHub(t)
	a := NewClient("job-a", nil)
	b := NewClient("job-b", nil)
	h.Register(a)
	h.Register(b)

	h.Notify(model.JobEvent{Type: model.WSMessageTypeComplete, JobID: "job-a", Status: model.JobStatusCompleted, ResultURL: "/exports/job-a.mid"})

	ev := receive(t, a)
	if ev.JobID != "job-a" || ev.Status != model.JobStatusCompleted || ev.ResultURL != "/exports/job-a.mid" {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case <-b.Send:
		t.Fatal("job-b subscriber received job-a event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h, _ := startHub(t)
	c := NewClient("job", nil)
	h.Register(c)
	if h.Subscribers("job") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Subscribers("job"))
	}

	h.Unregister(c)
	select {
	case _, ok := <-c.Send:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
	if h.Subscribers("job") != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h, _ := startHub(t)
	c := NewClient("job", nil)
	h.Register(c)

	for i := 0; i < sendBuffer+1; i++ {
		h.Notify(model.JobEvent{Type: model.WSMessageTypeStatus, JobID: "job", Status: model.JobStatusActive})
	}

	deadline := time.Now().Add(time.Second)
	for h.Subscribers("job") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubStopReleasesClients(t *testing.T) {
	h, cancel := startHub(t)
	c := NewClient("job", nil)
	h.Register(c)
	cancel()

	select {
	case <-h.stopped:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	late := NewClient("job", nil)
	h.Register(late)
	if _, ok := <-late.Send; ok {
		t.Fatal("register after stop should close the client")
	}
	h.Unregister(c)
}
