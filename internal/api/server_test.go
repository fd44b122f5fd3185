package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flitsinc/agentruns/internal/agent"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/handlers"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/runs"
	"github.com/flitsinc/agentruns/internal/tasks"
	"github.com/flitsinc/agentruns/internal/testutil"
)

type testEnv struct {
	server *Server
	bus    *eventbus.Bus
	svc    *agent.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	hs := tasks.NewHandlers()
	if err := handlers.Register(hs, handlers.Options{StepDelay: 20 * time.Millisecond, SlowSteps: 50}); err != nil {
		t.Fatalf("register handlers: %v", err)
	}
	registry := runs.NewRegistry(db)
	bus := eventbus.NewBus(eventbus.WithJournal(eventbus.NewSQLiteJournal(db)), eventbus.WithMetrics(m))
	runner := tasks.NewRunner(registry, bus, hs, tasks.WithMetrics(m))
	svc := agent.New(registry, bus, runner)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testEnv{
		server: &Server{
			Service:   svc,
			Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ListLimit: 100,
			StartedAt: time.Now(),
		},
		bus: bus,
		svc: svc,
	}
}

func waitTerminal(t *testing.T, client *http.Client, id string) runs.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := doJSON(t, client, http.MethodGet, "/api/runs/"+id, nil)
		var run runs.Run
		decodeJSONResponse(t, resp, &run)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return runs.Run{}
}

func TestServerRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	client := testutil.NewInProcessClient(env.server.Handler())

	resp := doJSON(t, client, http.MethodPost, "/api/runs", map[string]any{
		"id":      "a",
		"kind":    "hello",
		"payload": map[string]any{"prompt": "x"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var created map[string]string
	decodeJSONResponse(t, resp, &created)
	if created["id"] != "a" {
		t.Fatalf("unexpected id %q", created["id"])
	}

	run := waitTerminal(t, client, "a")
	if run.Status != runs.StatusSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}

	resp = doJSON(t, client, http.MethodGet, "/api/runs/a/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status: %d", resp.StatusCode)
	}
	var events []eventbus.Event
	decodeJSONResponse(t, resp, &events)
	if len(events) < 2 || events[0].Type != eventbus.TypeHello || events[len(events)-1].Type != eventbus.TypeFinished {
		t.Fatalf("unexpected journal: %+v", events)
	}

	resp = doJSON(t, client, http.MethodGet, "/api/runs?limit=1", nil)
	var items []runs.Run
	decodeJSONResponse(t, resp, &items)
	if len(items) != 1 || items[0].ID != "a" {
		t.Fatalf("unexpected list: %+v", items)
	}

	resp = doJSON(t, client, http.MethodGet, "/api/runs/a/history", nil)
	decodeJSONResponse(t, resp, &items)
	if len(items) != 1 {
		t.Fatalf("expected one run in history, got %d", len(items))
	}
}

func TestServerErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	client := testutil.NewInProcessClient(env.server.Handler())

	resp := doJSON(t, client, http.MethodPost, "/api/runs", map[string]any{"id": "b", "kind": "slow"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	resp.Body.Close()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate active", http.MethodPost, "/api/runs", map[string]any{"id": "b", "kind": "slow"}, http.StatusConflict},
		{"unknown kind", http.MethodPost, "/api/runs", map[string]any{"kind": "nope"}, http.StatusBadRequest},
		{"bad id", http.MethodPost, "/api/runs", map[string]any{"id": "has space", "kind": "hello"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/runs", map[string]any{"kind": "hello", "extra": 1}, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/api/runs/ghost", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/api/runs/ghost/cancel", nil, http.StatusNotFound},
		{"bad action", http.MethodGet, "/api/runs/b/explode", nil, http.StatusNotFound},
		{"method", http.MethodDelete, "/api/runs", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		resp := doJSON(t, client, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected %d, got %d body=%s", tc.name, tc.want, resp.StatusCode, readBody(t, resp))
		}
		resp.Body.Close()
	}

	resp = doJSON(t, client, http.MethodPost, "/api/runs/b/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status: %d", resp.StatusCode)
	}
	resp.Body.Close()
	if run := waitTerminal(t, client, "b"); run.Status != runs.StatusCanceled {
		t.Fatalf("expected canceled, got %s", run.Status)
	}

	// cancelling again is a no-op
	resp = doJSON(t, client, http.MethodPost, "/api/runs/b/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second cancel status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServerKindsHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	client := testutil.NewInProcessClient(env.server.Handler())

	resp := doJSON(t, client, http.MethodGet, "/api/kinds", nil)
	var kinds []string
	decodeJSONResponse(t, resp, &kinds)
	if strings.Join(kinds, ",") != "hello,slow,throws" {
		t.Fatalf("unexpected kinds: %v", kinds)
	}

	resp = doJSON(t, client, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, "/api/runs", map[string]any{"id": "m", "kind": "throws"})
	resp.Body.Close()
	waitTerminal(t, client, "m")

	// metrics are recorded just after the run is finalized
	want := `agentd_runs_finished_total{kind="throws",status="error"} 1`
	var body string
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		body = readBody(t, doJSON(t, client, http.MethodGet, "/metrics", nil))
		if strings.Contains(body, want) {
			return
		}
	}
	t.Fatalf("metrics missing finished counter:\n%s", body)
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
