// Package engine orchestrates categorization: rule matching first, the
// fallback classifier second, with manual overrides taking precedence over
// both. Every mutation it persists is mirrored to the aggregation sink as a
// delta so bucket totals stay consistent with the transaction set.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"tally/internal/aggregate"
	"tally/internal/classify"
	"tally/internal/core"
	applog "tally/internal/log"
	"tally/internal/taxonomy"
)

// DefaultThreshold is the minimum model confidence accepted when no rule
// matches. Below it the transaction stays Unresolved for manual review.
const DefaultThreshold = 0.6

var (
	ErrNotFound   = errors.New("transaction not found")
	ErrTombstoned = errors.New("transaction is tombstoned")
)

type (
	// Repository is the storage collaborator. The engine owns no schema;
	// it only requires these narrow operations.
	Repository interface {
		Save(ctx context.Context, tx core.Transaction) error
		Get(ctx context.Context, id string) (core.Transaction, error)
		FindByFingerprint(ctx context.Context, fingerprint string) (core.Transaction, bool, error)
		ListActive(ctx context.Context) ([]core.Transaction, error)
	}

	// DeltaSink receives aggregation deltas. In the daemon this publishes
	// to the delta queue; in tests it applies straight to a Store.
	DeltaSink interface {
		Apply(ctx context.Context, d aggregate.Delta) error
	}

	Config struct {
		Threshold float64 // model confidence cutoff, DefaultThreshold when zero
	}

	Engine struct {
		repo       Repository
		classifier classify.Classifier
		sink       DeltaSink
		threshold  float64
		locks      *keyedLocks
	}

	// Outcome reports how one transaction moved through the state machine.
	Outcome struct {
		Transaction   core.Transaction
		State         State
		RuleID        core.RuleID
		ClassifierErr error // set when the classifier collaborator failed
	}
)

func New(repo Repository, classifier classify.Classifier, sink DeltaSink, cfg Config) *Engine {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{
		repo:       repo,
		classifier: classifier,
		sink:       sink,
		threshold:  threshold,
		locks:      newKeyedLocks(),
	}
}

// CategorizeNew runs the pipeline for a brand-new transaction, persists the
// result and credits the aggregate buckets. The caller is responsible for
// dedupe; see Importer for batch ingestion.
func (e *Engine) CategorizeNew(ctx context.Context, tx core.Transaction, snap taxonomy.Snapshot) (Outcome, error) {
	if err := tx.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("validate transaction: %w", err)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	e.locks.lock(tx.ID)
	defer e.locks.unlock(tx.ID)

	out := e.decide(ctx, tx, snap)
	if err := e.repo.Save(ctx, out.Transaction); err != nil {
		return Outcome{}, fmt.Errorf("save transaction: %w", err)
	}
	if err := e.sink.Apply(ctx, aggregate.Delta{Kind: aggregate.Insert, New: &out.Transaction}); err != nil {
		return Outcome{}, fmt.Errorf("apply insert delta: %w", err)
	}

	slog.InfoContext(ctx, "Transaction categorized",
		applog.FieldTransactionID, out.Transaction.ID,
		"state", string(out.State),
		applog.FieldCategory, string(out.Transaction.Category),
		applog.FieldCatMethod, string(out.Transaction.Method),
		applog.FieldTaxonomyVer, out.Transaction.TaxonomyVer)
	return out, nil
}

// Recategorize re-runs the pipeline for an existing transaction, usually
// after a taxonomy edit. Manual overrides are sticky: they are only
// re-evaluated when includeOverrides is set. The old category is debited
// and the new one credited through a single update delta.
func (e *Engine) Recategorize(ctx context.Context, id string, snap taxonomy.Snapshot, includeOverrides bool) (Outcome, error) {
	e.locks.lock(id)
	defer e.locks.unlock(id)

	old, err := e.repo.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if old.Tombstone {
		return Outcome{}, ErrTombstoned
	}
	if old.Method == core.MethodManual && !includeOverrides {
		return Outcome{Transaction: old, State: StateFinalized}, nil
	}

	fresh := old
	fresh.Category = ""
	fresh.Method = core.MethodUncategorized
	fresh.Confidence = 0

	out := e.decide(ctx, fresh, snap)
	if err := e.repo.Save(ctx, out.Transaction); err != nil {
		return Outcome{}, fmt.Errorf("save transaction: %w", err)
	}
	if err := e.sink.Apply(ctx, aggregate.Delta{Kind: aggregate.Update, Old: &old, New: &out.Transaction}); err != nil {
		return Outcome{}, fmt.Errorf("apply update delta: %w", err)
	}
	return out, nil
}

// RecategorizeAll re-runs the pipeline over every live transaction against
// one pinned snapshot. Returns the outcomes; individual classifier failures
// leave that transaction Unresolved without aborting the pass.
func (e *Engine) RecategorizeAll(ctx context.Context, snap taxonomy.Snapshot, includeOverrides bool) ([]Outcome, error) {
	txs, err := e.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	outcomes := make([]Outcome, 0, len(txs))
	for _, tx := range txs {
		out, err := e.Recategorize(ctx, tx.ID, snap, includeOverrides)
		if err != nil {
			return outcomes, fmt.Errorf("recategorize %s: %w", tx.ID, err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Override assigns a category by explicit user decision. It wins over any
// automatic result, from any state, and is idempotent. The category must
// exist in the snapshot; it may be inactive, since only the automatic
// engine is barred from assigning inactive categories.
func (e *Engine) Override(ctx context.Context, id string, category core.CategoryID, snap taxonomy.Snapshot) (Outcome, error) {
	if _, ok := snap.Categories[category]; !ok {
		return Outcome{}, fmt.Errorf("%w: %q", taxonomy.ErrUnknownCategory, category)
	}

	e.locks.lock(id)
	defer e.locks.unlock(id)

	old, err := e.repo.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if old.Tombstone {
		return Outcome{}, ErrTombstoned
	}

	next := old
	next.Category = category
	next.Method = core.MethodManual
	next.Confidence = 0
	next.TaxonomyVer = snap.Version

	if err := e.repo.Save(ctx, next); err != nil {
		return Outcome{}, fmt.Errorf("save transaction: %w", err)
	}
	if err := e.sink.Apply(ctx, aggregate.Delta{Kind: aggregate.Update, Old: &old, New: &next}); err != nil {
		return Outcome{}, fmt.Errorf("apply update delta: %w", err)
	}

	slog.InfoContext(ctx, "Manual override applied",
		applog.FieldTransactionID, id, applog.FieldCategory, string(category))
	return Outcome{Transaction: next, State: StateFinalized}, nil
}

// Tombstone soft-deletes a transaction and reverses its bucket
// contribution. Tombstoning twice is a no-op.
func (e *Engine) Tombstone(ctx context.Context, id string) error {
	e.locks.lock(id)
	defer e.locks.unlock(id)

	old, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if old.Tombstone {
		return nil
	}

	next := old
	next.Tombstone = true
	if err := e.repo.Save(ctx, next); err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	if err := e.sink.Apply(ctx, aggregate.Delta{Kind: aggregate.Tombstone, Old: &old}); err != nil {
		return fmt.Errorf("apply tombstone delta: %w", err)
	}
	return nil
}

// decide walks the state machine for one transaction against a pinned
// snapshot. The first rule with an assignable target wins outright (rules
// pointing at deactivated categories are skipped); otherwise the classifier
// verdict is accepted only above the confidence threshold and only for
// categories the engine may assign. Everything else ends Unresolved with
// the category left empty.
func (e *Engine) decide(ctx context.Context, tx core.Transaction, snap taxonomy.Snapshot) Outcome {
	state := StateUncategorized
	tx.TaxonomyVer = snap.Version

	if cat, ruleID, ok := snap.Match(tx); ok {
		state, _ = advance(state, StateRuleMatched)
		state, _ = advance(state, StateFinalized)
		tx.Category = cat
		tx.Method = core.MethodRule
		tx.Confidence = 1.0
		return Outcome{Transaction: tx, State: state, RuleID: ruleID}
	}

	res, err := e.classifier.Classify(ctx, tx, snap.ActiveCategoryIDs())
	if err != nil {
		// A failed collaborator never blocks the batch; surface the
		// error in the outcome and leave the transaction for review.
		slog.WarnContext(ctx, "Classifier unavailable, leaving transaction unresolved",
			applog.FieldTransactionID, tx.ID, applog.FieldError, err.Error())
		state, _ = advance(state, StateUnresolved)
		tx.Category = ""
		tx.Method = core.MethodUncategorized
		tx.Confidence = 0
		return Outcome{Transaction: tx, State: state, ClassifierErr: err}
	}

	if res.Confidence >= e.threshold && snap.Assignable(res.Category) {
		state, _ = advance(state, StateModelClassified)
		state, _ = advance(state, StateFinalized)
		tx.Category = res.Category
		tx.Method = core.MethodModel
		tx.Confidence = res.Confidence
		return Outcome{Transaction: tx, State: state}
	}

	state, _ = advance(state, StateUnresolved)
	tx.Category = ""
	tx.Method = core.MethodUncategorized
	tx.Confidence = 0
	return Outcome{Transaction: tx, State: state}
}
