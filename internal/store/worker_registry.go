package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/rennalt/gpustudio/internal/core/domain"
	"github.com/rennalt/gpustudio/internal/core/ports"
)

// activeRef is the single record naming the currently active worker.
type activeRef struct {
	Key      string `badgerhold:"key"`
	WorkerID domain.WorkerID
}

const activeRefKey = "active_worker"

// WorkerRegistry is the badger-backed durable table of worker handles.
type WorkerRegistry struct {
	db     *DB
	logger *slog.Logger
}

var _ ports.WorkerRegistry = (*WorkerRegistry)(nil)

func NewWorkerRegistry(db *DB, logger *slog.Logger) *WorkerRegistry {
	return &WorkerRegistry{db: db, logger: logger}
}

func (r *WorkerRegistry) Add(ctx context.Context, w domain.Worker) error {
	if w.ID == "" {
		return fmt.Errorf("worker ID is required")
	}
	if err := r.db.Store().Upsert(w.ID, &w); err != nil {
		return fmt.Errorf("failed to add worker %s: %w", w.ID, err)
	}
	return nil
}

func (r *WorkerRegistry) Update(ctx context.Context, id domain.WorkerID, upd ports.WorkerUpdate) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			r.logger.Warn("update for unknown worker ignored", "worker_id", id)
			return nil
		}
		return err
	}

	if upd.Status != nil {
		w.Status = *upd.Status
	}
	if upd.EngineURL != nil {
		w.EngineURL = *upd.EngineURL
	}
	if upd.LogServerURL != nil {
		w.LogServerURL = *upd.LogServerURL
	}
	if upd.LastUsedAt {
		w.LastUsedAt = time.Now()
	}

	if err := r.db.Store().Upsert(w.ID, &w); err != nil {
		return fmt.Errorf("failed to update worker %s: %w", id, err)
	}
	return nil
}

func (r *WorkerRegistry) Remove(ctx context.Context, id domain.WorkerID) error {
	if err := r.db.Store().Delete(id, &domain.Worker{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to remove worker %s: %w", id, err)
	}

	// An active reference to a removed worker is stale; clear it.
	var ref activeRef
	if err := r.db.Store().Get(activeRefKey, &ref); err == nil && ref.WorkerID == id {
		_ = r.db.Store().Delete(activeRefKey, &activeRef{})
	}
	return nil
}

func (r *WorkerRegistry) Get(ctx context.Context, id domain.WorkerID) (domain.Worker, error) {
	var w domain.Worker
	if err := r.db.Store().Get(id, &w); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return domain.Worker{}, domain.ErrWorkerNotFound
		}
		return domain.Worker{}, fmt.Errorf("failed to get worker %s: %w", id, err)
	}
	return w, nil
}

func (r *WorkerRegistry) List(ctx context.Context) ([]domain.Worker, error) {
	var workers []domain.Worker
	query := badgerhold.Where("ID").Ne(domain.WorkerID("")).SortBy("CreatedAt")
	if err := r.db.Store().Find(&workers, query); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

func (r *WorkerRegistry) SetActive(ctx context.Context, id domain.WorkerID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	ref := activeRef{Key: activeRefKey, WorkerID: id}
	if err := r.db.Store().Upsert(activeRefKey, &ref); err != nil {
		return fmt.Errorf("failed to set active worker: %w", err)
	}
	return nil
}

func (r *WorkerRegistry) Active(ctx context.Context) (domain.Worker, error) {
	var ref activeRef
	if err := r.db.Store().Get(activeRefKey, &ref); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return domain.Worker{}, domain.ErrWorkerNotFound
		}
		return domain.Worker{}, fmt.Errorf("failed to read active worker ref: %w", err)
	}
	return r.Get(ctx, ref.WorkerID)
}
