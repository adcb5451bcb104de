package services

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rennalt/gpustudio/internal/core/domain"
)

// LogStreamer tails the log server running next to the engine on a worker
// and feeds its lines into the owning job's log sink. One stream per job;
// a dropped connection is retried on a fixed backoff until the job reaches
// a terminal state.
type LogStreamer struct {
	logger    *slog.Logger
	bus       *EventBus
	sink      func(domain.JobID, string)
	http      *http.Client
	reconnect time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	streams map[domain.JobID]context.CancelFunc
}

func NewLogStreamer(logger *slog.Logger, bus *EventBus, sink func(domain.JobID, string)) *LogStreamer {
	return &LogStreamer{
		logger: logger,
		bus:    bus,
		sink:   sink,
		http: &http.Client{
			// No overall timeout: the stream stays open for the life of the
			// job. Stuck connects are bounded by the header timeout.
			Transport: &http.Transport{ResponseHeaderTimeout: 15 * time.Second},
		},
		reconnect: 3 * time.Second,
		streams:   make(map[domain.JobID]context.CancelFunc),
	}
}

// Run watches job status events and tears down streams for jobs that reach
// a terminal state. Blocks until the context is cancelled.
func (s *LogStreamer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	events, unsubscribe := s.bus.SubscribeAll()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type == EventTypeStatus && domain.JobStatus(e.Data).IsTerminal() {
				s.Stop(domain.JobID(e.Scope))
			}
		}
	}
}

// Start opens a stream for the job against the worker's log server. A second
// Start for the same job is a no-op.
func (s *LogStreamer) Start(jobID domain.JobID, logServerURL string) {
	if logServerURL == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.streams[jobID]; exists {
		return
	}
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	s.streams[jobID] = cancel

	go s.stream(ctx, jobID, logServerURL)
}

// Stop closes the job's stream if one is open.
func (s *LogStreamer) Stop(jobID domain.JobID) {
	s.mu.Lock()
	cancel, ok := s.streams[jobID]
	if ok {
		delete(s.streams, jobID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *LogStreamer) stopAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.streams))
	for id, cancel := range s.streams {
		cancels = append(cancels, cancel)
		delete(s.streams, id)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// stream consumes the server-sent event feed, reconnecting on a fixed delay.
func (s *LogStreamer) stream(ctx context.Context, jobID domain.JobID, logServerURL string) {
	url := strings.TrimRight(logServerURL, "/") + "/stream"

	for {
		if err := s.consume(ctx, jobID, url); err != nil && ctx.Err() == nil {
			s.logger.Debug("log stream dropped, reconnecting",
				"job_id", jobID, "url", url, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnect):
		}
	}
}

func (s *LogStreamer) consume(ctx context.Context, jobID domain.JobID, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("log server returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		s.sink(jobID, payload)
	}
	return scanner.Err()
}
