package async

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGoRecoversPanic(t *testing.T) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(out, nil))

	done := make(chan struct{})
	Go(logger, "worker", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "goroutine panic")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "name=worker")
}

func TestCallConvertsPanic(t *testing.T) {
	err := Call(func() error {
		panic("handler exploded")
	})
	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, "handler exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Equal(t, "panic: handler exploded", err.Error())
}

func TestCallPassesThroughErrors(t *testing.T) {
	sentinel := errors.New("plain")
	assert.ErrorIs(t, Call(func() error { return sentinel }), sentinel)
	assert.NoError(t, Call(func() error { return nil }))
}
