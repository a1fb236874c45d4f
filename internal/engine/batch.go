package engine

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"tally/internal/core"
	applog "tally/internal/log"
	"tally/internal/taxonomy"
)

// DefaultImportWorkers bounds batch-import concurrency when the caller
// does not configure it.
const DefaultImportWorkers = 4

// Summary reports what happened to a batch of import candidates. A single
// transaction's classifier failure never aborts the batch; it is counted
// here and surfaces as Unresolved.
type Summary struct {
	Imported   int
	Duplicates int
	Unresolved int
	Failed     int

	FailedIDs     []string
	UnresolvedIDs []string
}

// Importer ingests normalized transaction candidates from the import
// source collaborator: dedupe by fingerprint, categorize, persist, credit
// aggregates. Workers run in a bounded pool and the aggregate deltas land
// in completion order, relying on their commutativity.
type Importer struct {
	engine  *Engine
	workers int
}

func NewImporter(engine *Engine, workers int) *Importer {
	if workers <= 0 {
		workers = DefaultImportWorkers
	}
	return &Importer{engine: engine, workers: workers}
}

// Import processes a batch against one pinned taxonomy snapshot.
// Re-importing a batch with the same source id is idempotent: candidates
// whose fingerprint already exists are skipped without touching aggregates.
func (i *Importer) Import(ctx context.Context, candidates []core.Transaction, snap taxonomy.Snapshot) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)

	for _, candidate := range candidates {
		g.Go(func() error {
			fp := candidate.Fingerprint()
			// Serialize per fingerprint so two identical candidates in
			// the same batch cannot both pass the dedupe lookup.
			i.engine.locks.lock(fp)
			defer i.engine.locks.unlock(fp)

			if _, found, err := i.engine.repo.FindByFingerprint(ctx, fp); err != nil {
				mu.Lock()
				summary.Failed++
				summary.FailedIDs = append(summary.FailedIDs, candidate.ID)
				mu.Unlock()
				slog.ErrorContext(ctx, "Fingerprint lookup failed",
					applog.FieldTransactionID, candidate.ID, applog.FieldError, err.Error())
				return nil
			} else if found {
				mu.Lock()
				summary.Duplicates++
				mu.Unlock()
				slog.DebugContext(ctx, "Skipping duplicate import",
					applog.FieldTransactionID, candidate.ID, applog.FieldFingerprint, fp)
				return nil
			}

			out, err := i.engine.CategorizeNew(ctx, candidate, snap)
			if err != nil {
				mu.Lock()
				summary.Failed++
				summary.FailedIDs = append(summary.FailedIDs, candidate.ID)
				mu.Unlock()
				slog.ErrorContext(ctx, "Import candidate failed",
					applog.FieldTransactionID, candidate.ID, applog.FieldError, err.Error())
				return nil
			}

			mu.Lock()
			summary.Imported++
			if out.State == StateUnresolved {
				summary.Unresolved++
				summary.UnresolvedIDs = append(summary.UnresolvedIDs, out.Transaction.ID)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	slog.InfoContext(ctx, "Batch import finished",
		"candidates", len(candidates),
		"imported", summary.Imported,
		"duplicates", summary.Duplicates,
		"unresolved", summary.Unresolved,
		"failed", summary.Failed)
	return summary, nil
}
