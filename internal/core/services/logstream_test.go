package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennalt/gpustudio/internal/core/domain"
)

type logCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *logCollector) sink(_ domain.JobID, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *logCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func TestLogStreamer_ForwardsDataLines(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	collector := &logCollector{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: loading model\n\n")
		fmt.Fprint(w, ": heartbeat comment\n")
		fmt.Fprint(w, "data: sampling step 1/6\n\n")
	}))
	defer srv.Close()

	s := NewLogStreamer(logger, NewEventBus(logger), collector.sink)
	s.reconnect = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Start("job-1", srv.URL)
	defer s.Stop("job-1")

	require.Eventually(t, func() bool {
		return len(collector.snapshot()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	lines := collector.snapshot()
	assert.Contains(t, lines, "loading model")
	assert.Contains(t, lines, "sampling step 1/6")
}

func TestLogStreamer_ReconnectsAfterDrop(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	collector := &logCollector{}

	var mu sync.Mutex
	connects := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		connects++
		n := connects
		mu.Unlock()
		fmt.Fprintf(w, "data: connection %d\n\n", n)
	}))
	defer srv.Close()

	s := NewLogStreamer(logger, NewEventBus(logger), collector.sink)
	s.reconnect = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Start("job-1", srv.URL)
	defer s.Stop("job-1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogStreamer_StopsOnTerminalStatusEvent(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	collector := &logCollector{}
	bus := NewEventBus(logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: line\n\n")
	}))
	defer srv.Close()

	s := NewLogStreamer(logger, bus, collector.sink)
	s.reconnect = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Start("job-1", srv.URL)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.streams["job-1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	bus.Publish(Event{Scope: "job-1", Type: EventTypeStatus, Data: string(domain.JobStatusCompleted)})

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.streams["job-1"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLogStreamer_StartWithoutURLIsNoop(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	s := NewLogStreamer(logger, NewEventBus(logger), func(domain.JobID, string) {})

	s.Start("job-1", "")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.streams)
}
