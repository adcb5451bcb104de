package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/timshannon/badgerhold/v4"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

type counter struct {
	Key   string `badgerhold:"key"`
	Value int64
}

const generationCounterKey = "generation_count"

// HistoryStore keeps finished outputs and the lifetime generation counter.
type HistoryStore struct {
	db     *DB
	logger *slog.Logger
}

var _ ports.HistoryStore = (*HistoryStore)(nil)

func NewHistoryStore(db *DB, logger *slog.Logger) *HistoryStore {
	return &HistoryStore{db: db, logger: logger}
}

func (h *HistoryStore) AddVideo(ctx context.Context, v domain.GeneratedVideo) error {
	if v.ID == "" {
		return fmt.Errorf("video ID is required")
	}
	if err := h.db.Store().Upsert(v.ID, &v); err != nil {
		return fmt.Errorf("failed to save video %s: %w", v.ID, err)
	}
	return nil
}

func (h *HistoryStore) ListVideos(ctx context.Context) ([]domain.GeneratedVideo, error) {
	var videos []domain.GeneratedVideo
	query := badgerhold.Where("ID").Ne("").SortBy("Timestamp").Reverse()
	if err := h.db.Store().Find(&videos, query); err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	return videos, nil
}

func (h *HistoryStore) IncrementGenerationCount(ctx context.Context) (int64, error) {
	c, err := h.read()
	if err != nil {
		return 0, err
	}
	c.Value++
	if err := h.db.Store().Upsert(generationCounterKey, &c); err != nil {
		return 0, fmt.Errorf("failed to save generation counter: %w", err)
	}
	return c.Value, nil
}

func (h *HistoryStore) GenerationCount(ctx context.Context) (int64, error) {
	c, err := h.read()
	if err != nil {
		return 0, err
	}
	return c.Value, nil
}

func (h *HistoryStore) read() (counter, error) {
	var c counter
	if err := h.db.Store().Get(generationCounterKey, &c); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return counter{Key: generationCounterKey}, nil
		}
		return counter{}, fmt.Errorf("failed to read generation counter: %w", err)
	}
	return c, nil
}
