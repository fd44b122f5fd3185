package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/tasks"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func TestStreamEventsWriterEndsWithChannel(t *testing.T) {
	bus := eventbus.NewBus()
	if err := bus.OpenChannel("a"); err != nil {
		t.Fatalf("open: %v", err)
	}
	events, unsubscribe := bus.Subscribe(context.Background(), "a")
	defer unsubscribe()

	writer := &fakeWSWriter{}
	done := make(chan error, 1)
	go func() {
		done <- streamEvents(context.Background(), events, writer)
	}()

	if _, err := bus.Publish("a", eventbus.Event{Type: eventbus.TypeHello, Progress: eventbus.Float(0)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := bus.Publish("a", eventbus.Event{Type: eventbus.TypeError, Message: "boom"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	bus.CloseChannel("a")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for stream to end")
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.messages) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(writer.messages))
	}
	var evt eventbus.Event
	if err := json.Unmarshal(writer.messages[1], &evt); err != nil {
		t.Fatalf("decode ws payload: %v", err)
	}
	if evt.Type != eventbus.TypeError || evt.Message != "boom" {
		t.Fatalf("unexpected frame: %+v", evt)
	}
}

func TestStreamEventsStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan eventbus.Event)
	done := make(chan error, 1)
	go func() {
		done <- streamEvents(ctx, events, &fakeWSWriter{})
	}()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not stop")
	}
}

func TestStreamWSDeliversRunEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if env.bus.SubscriberCount("") != 1 {
		t.Fatalf("expected the stream to be subscribed once dialed")
	}

	if _, err := env.svc.Run(ctx, tasks.Request{ID: "ws", Kind: "throws"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var got []eventbus.EventType
	for {
		var evt eventbus.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt.TaskID != "ws" {
			continue
		}
		got = append(got, evt.Type)
		if evt.Type.Terminal() {
			break
		}
	}
	if len(got) != 2 || got[0] != eventbus.TypeHello || got[1] != eventbus.TypeError {
		t.Fatalf("unexpected stream: %v", got)
	}
}

func TestStreamWSPerRunClosesAfterTerminal(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := env.svc.Run(ctx, tasks.Request{ID: "per", Kind: "slow", Payload: map[string]any{"steps": 2, "delay_ms": 200}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/stream?task_id=per"
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected handshake status %d", resp.StatusCode)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var last eventbus.Event
	for {
		var evt eventbus.Event
		err := wsjson.Read(ctx, conn, &evt)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("expected normal closure, got %v", err)
			}
			break
		}
		last = evt
	}
	if last.Type != eventbus.TypeFinished {
		t.Fatalf("expected finished as last frame, got %q", last.Type)
	}
}
