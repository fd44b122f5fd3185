package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/agentruns/internal/agent"
	"github.com/flitsinc/agentruns/internal/api"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/handlers"
	"github.com/flitsinc/agentruns/internal/runs"
	"github.com/flitsinc/agentruns/internal/tasks"
	"github.com/flitsinc/agentruns/internal/testutil"
)

func startDaemon(t *testing.T) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	hs := tasks.NewHandlers()
	require.NoError(t, handlers.Register(hs, handlers.Options{StepDelay: 10 * time.Millisecond, SlowSteps: 3}))
	registry := runs.NewRegistry(db)
	bus := eventbus.NewBus(eventbus.WithJournal(eventbus.NewSQLiteJournal(db)))
	svc := agent.New(registry, bus, tasks.NewRunner(registry, bus, hs))

	srv := httptest.NewServer((&api.Server{Service: svc, ListLimit: 100}).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		srv.Close()
	})

	prev := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() { apiAddr = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--api", apiAddr))
	t.Cleanup(func() {
		submitID, submitKind, submitPatient, submitPayload = "", "", "", ""
		submitWatch = false
		listLimit = 0
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitWatchAndInspect(t *testing.T) {
	startDaemon(t)

	out, err := execute(t, "submit", "--kind", "slow", "--id", "cli-1", "--payload", `{"steps":2,"delay_ms":5}`, "--watch")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "hello")
	assert.Contains(t, lines[3], "finished")

	// the terminal event is published just before the run is finalized
	require.Eventually(t, func() bool {
		out, err = execute(t, "runs", "--limit", "5")
		return err == nil && strings.Contains(out, "cli-1") && strings.Contains(out, "success")
	}, 2*time.Second, 10*time.Millisecond)

	out, err = execute(t, "events", "cli-1")
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(out, "cli-1"))

	out, err = execute(t, "show", "cli-1")
	require.NoError(t, err)
	assert.Contains(t, out, "slow")
}

func TestSubmitWatchReportsFailure(t *testing.T) {
	startDaemon(t)
	out, err := execute(t, "submit", "--kind", "throws", "--id", "cli-2", "--watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cli-2 failed")
	assert.Contains(t, out, "error")
}

func TestCancelUnknownRun(t *testing.T) {
	startDaemon(t)
	_, err := execute(t, "cancel", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestSubmitPrintsID(t *testing.T) {
	startDaemon(t)
	out, err := execute(t, "submit", "--kind", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	out, err = execute(t, "kinds")
	require.NoError(t, err)
	assert.Equal(t, "hello\nslow\nthrows\n", out)
}

func TestStreamURL(t *testing.T) {
	prev := apiAddr
	t.Cleanup(func() { apiAddr = prev })

	apiAddr = "https://agents.example.com/"
	u, err := streamURL("a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://agents.example.com/api/runs/stream?task_id=a+b", u)

	apiAddr = "http://127.0.0.1:7466"
	u, err = streamURL("")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:7466/api/runs/stream", u)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	got := truncate(strings.Repeat("é", 12), 10)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 7)+"...", got)
}
