package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tally/internal/aggregate"
	"tally/internal/amqp"
	"tally/internal/core"
)

// BucketStore persists and restores aggregate buckets per granularity.
type BucketStore interface {
	SaveBuckets(ctx context.Context, g aggregate.Granularity, cats []aggregate.CategoryEntry, vendors []aggregate.VendorEntry) error
	LoadBuckets(ctx context.Context, g aggregate.Granularity) ([]aggregate.CategoryEntry, []aggregate.VendorEntry, error)
}

// TransactionLister supplies the full live transaction set for recompute
// and consistency checks.
type TransactionLister interface {
	ListActive(ctx context.Context) ([]core.Transaction, error)
}

// AggregationWorker consumes transaction delta messages and maintains the
// persisted bucket stores. Deltas commute, so replayed or reordered
// deliveries converge to the same buckets.
type AggregationWorker struct {
	store   *aggregate.Store
	buckets BucketStore
	txs     TransactionLister
}

func NewAggregationWorker(store *aggregate.Store, buckets BucketStore, txs TransactionLister) *AggregationWorker {
	return &AggregationWorker{
		store:   store,
		buckets: buckets,
		txs:     txs,
	}
}

// Startup restores buckets from storage, then verifies them against the
// transaction table. A disagreement (missed deltas during downtime) is
// healed with a full recompute before any new delta is absorbed.
func (w *AggregationWorker) Startup(ctx context.Context) error {
	for _, g := range aggregate.Granularities() {
		cats, vendors, err := w.buckets.LoadBuckets(ctx, g)
		if err != nil {
			return fmt.Errorf("load %s buckets: %w", g, err)
		}
		w.store.Replace(g, cats, vendors)
	}

	txs, err := w.txs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list transactions for startup check: %w", err)
	}

	if err := w.store.CheckConsistency(txs); err != nil {
		if !errors.Is(err, aggregate.ErrInconsistent) {
			return err
		}
		slog.WarnContext(ctx, "Buckets out of sync on startup, recomputing", "error", err)
		w.store.RecomputeAll(txs)
		if err := w.persist(ctx); err != nil {
			return fmt.Errorf("persist recomputed buckets: %w", err)
		}
	}

	slog.InfoContext(ctx, "Aggregation worker ready", "transactions", len(txs))
	return nil
}

// HandleDeltaMessage applies one delta message and persists the result.
func (w *AggregationWorker) HandleDeltaMessage(ctx context.Context, msg *amqp.TransactionDeltaMessage) error {
	slog.InfoContext(ctx, "Processing delta message",
		"id", msg.ID,
		"kind", msg.Kind)

	delta, err := msg.Delta()
	if err != nil {
		return fmt.Errorf("decode delta: %w", err)
	}

	if err := w.store.Apply(delta); err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}

	if err := w.persist(ctx); err != nil {
		return fmt.Errorf("persist buckets: %w", err)
	}
	return nil
}

// CheckAndHeal runs the conservation check and recomputes on disagreement.
func (w *AggregationWorker) CheckAndHeal(ctx context.Context) error {
	txs, err := w.txs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}

	err = w.store.CheckConsistency(txs)
	if err == nil {
		return nil
	}
	if !errors.Is(err, aggregate.ErrInconsistent) {
		return err
	}

	slog.WarnContext(ctx, "Bucket drift detected, recomputing", "error", err)
	w.store.RecomputeAll(txs)
	if err := w.persist(ctx); err != nil {
		return fmt.Errorf("persist recomputed buckets: %w", err)
	}

	slog.InfoContext(ctx, "Buckets recomputed", "transactions", len(txs))
	return nil
}

// RunPeriodicChecks runs CheckAndHeal on a fixed interval until ctx ends.
func (w *AggregationWorker) RunPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.CheckAndHeal(ctx); err != nil {
				slog.ErrorContext(ctx, "Consistency check failed", "error", err)
			}
		}
	}
}

func (w *AggregationWorker) persist(ctx context.Context) error {
	for _, g := range aggregate.Granularities() {
		if err := w.buckets.SaveBuckets(ctx, g, w.store.CategoryEntries(g), w.store.VendorEntries(g)); err != nil {
			return fmt.Errorf("save %s buckets: %w", g, err)
		}
	}
	return nil
}
