package handlers

import (
	"fmt"
	"testing"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/conduit/internal/models"
)

func newTestHub() *WebSocketHandler {
	return &WebSocketHandler{
		logger:     arbor.NewLogger(),
		sendBuffer: 8,
		clients:    make(map[*wsClient]bool),
		deltas:     make(map[string]*deltaLog),
		done:       make(chan struct{}),
	}
}

func (h *WebSocketHandler) addTestClient(userID string) *wsClient {
	client := &wsClient{
		userID:    userID,
		send:      make(chan WSMessage, h.sendBuffer),
		done:      make(chan struct{}),
		subs:      make(map[string]bool),
		throttles: make(map[string]*rate.Limiter),
	}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	return client
}

func drainFrames(c *wsClient) []WSMessage {
	var frames []WSMessage
	for {
		select {
		case msg := <-c.send:
			frames = append(frames, msg)
		default:
			return frames
		}
	}
}

func frameTypes(frames []WSMessage) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	return types
}

func TestRouteEmitsUserAndJobFrames(t *testing.T) {
	h := newTestHub()
	owner := h.addTestClient("user-1")
	watcher := h.addTestClient("user-1")
	watcher.subs["job_1"] = true

	h.route(models.Event{
		Queue:  models.QueueJobs,
		JobID:  "job_1",
		UserID: "user-1",
		Type:   models.EventJobCompleted,
	})

	// 1. A client that only sits in its user room still learns the outcome.
	got := frameTypes(drainFrames(owner))
	if len(got) != 1 || got[0] != "job:completed" {
		t.Fatalf("Expected the generic frame, got %v", got)
	}

	// 2. An explicit job subscriber gets the job-scoped frame as well.
	got = frameTypes(drainFrames(watcher))
	if len(got) != 2 || got[0] != "job:completed" || got[1] != "job:job_1:completed" {
		t.Fatalf("Expected generic and job-scoped frames, got %v", got)
	}
}

func TestRouteFailedReachesUserRoom(t *testing.T) {
	h := newTestHub()
	owner := h.addTestClient("user-1")

	h.route(models.Event{
		Queue:  models.QueueJobs,
		JobID:  "job_1",
		UserID: "user-1",
		Type:   models.EventJobFailed,
	})

	got := frameTypes(drainFrames(owner))
	if len(got) != 1 || got[0] != "job:failed" {
		t.Fatalf("Expected job:failed in the user room, got %v", got)
	}
}

func TestRouteDeltaIsOptIn(t *testing.T) {
	h := newTestHub()
	owner := h.addTestClient("user-1")
	watcher := h.addTestClient("user-1")
	watcher.subs["job_1"] = true

	h.route(models.Event{
		Queue:   models.QueueJobs,
		JobID:   "job_1",
		UserID:  "user-1",
		Type:    models.EventJobDelta,
		Payload: map[string]interface{}{"chunk": "partial"},
	})

	if frames := drainFrames(owner); len(frames) != 0 {
		t.Fatalf("Delta leaked to an unsubscribed client: %v", frameTypes(frames))
	}
	got := frameTypes(drainFrames(watcher))
	if len(got) != 1 || got[0] != "job:job_1:delta" {
		t.Fatalf("Expected the job-scoped delta frame, got %v", got)
	}
}

func TestRouteFlowEventKeepsName(t *testing.T) {
	h := newTestHub()
	owner := h.addTestClient("user-1")

	h.route(models.Event{
		FlowID: "flow_1",
		UserID: "user-1",
		Type:   models.EventFlowCompleted,
	})

	got := frameTypes(drainFrames(owner))
	if len(got) != 1 || got[0] != "flow:completed" {
		t.Fatalf("Expected flow:completed, got %v", got)
	}
}

func TestRouteExcludesForeignUsers(t *testing.T) {
	h := newTestHub()
	stranger := h.addTestClient("user-2")

	h.route(models.Event{
		Queue:  models.QueueJobs,
		JobID:  "job_1",
		UserID: "user-1",
		Type:   models.EventJobCompleted,
	})

	if frames := drainFrames(stranger); len(frames) != 0 {
		t.Fatalf("Foreign user received frames: %v", frameTypes(frames))
	}
}

func TestDeltaReplayForLateSubscriber(t *testing.T) {
	h := newTestHub()

	for i := 0; i < 3; i++ {
		h.appendDelta(models.Event{
			JobID:   "job_1",
			UserID:  "user-1",
			Type:    models.EventJobDelta,
			Payload: map[string]interface{}{"chunk": fmt.Sprintf("part-%d", i)},
		})
	}

	late := h.addTestClient("user-1")
	h.replayDeltas(late, "job_1")

	frames := drainFrames(late)
	if len(frames) != 3 {
		t.Fatalf("Expected 3 replayed deltas, got %d", len(frames))
	}
	for _, f := range frames {
		if f.Type != "job:job_1:delta" {
			t.Errorf("Unexpected replay frame type: %s", f.Type)
		}
		payload := f.Payload.(map[string]interface{})
		if payload["replayed"] != true {
			t.Errorf("Replay frame not flagged: %+v", payload)
		}
	}

	// A different user never sees the log.
	foreign := h.addTestClient("user-2")
	h.replayDeltas(foreign, "job_1")
	if frames := drainFrames(foreign); len(frames) != 0 {
		t.Fatalf("Foreign user received replayed deltas: %v", frameTypes(frames))
	}

	// The log is discarded on the terminal event.
	h.route(models.Event{Queue: models.QueueJobs, JobID: "job_1", UserID: "user-1", Type: models.EventJobCompleted})
	fresh := h.addTestClient("user-1")
	h.replayDeltas(fresh, "job_1")
	drainFrames(fresh)
	h.deltaMu.Lock()
	_, kept := h.deltas["job_1"]
	h.deltaMu.Unlock()
	if kept {
		t.Fatal("Delta log survived the terminal event")
	}
}
