package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tally/internal/aggregate"
	"tally/internal/classify"
	"tally/internal/core"
	"tally/internal/taxonomy"
)

type memRepo struct {
	mu   sync.Mutex
	txs  map[string]core.Transaction
	byFp map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{txs: make(map[string]core.Transaction), byFp: make(map[string]string)}
}

func (r *memRepo) Save(_ context.Context, tx core.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[tx.ID] = tx
	r.byFp[tx.Fingerprint()] = tx.ID
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (core.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return core.Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (r *memRepo) FindByFingerprint(_ context.Context, fp string) (core.Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byFp[fp]
	if !ok {
		return core.Transaction{}, false, nil
	}
	return r.txs[id], true, nil
}

func (r *memRepo) ListActive(_ context.Context) ([]core.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Transaction
	for _, tx := range r.txs {
		if !tx.Tombstone {
			out = append(out, tx)
		}
	}
	return out, nil
}

// storeSink applies deltas straight to an aggregate store, standing in for
// the queue-backed sink the daemon uses.
type storeSink struct{ store *aggregate.Store }

func (s storeSink) Apply(_ context.Context, d aggregate.Delta) error {
	return s.store.Apply(d)
}

func coffeeTaxonomy(t *testing.T) *taxonomy.Taxonomy {
	t.Helper()
	tax := taxonomy.New()
	for _, c := range []struct {
		id   core.CategoryID
		name string
	}{{"coffee", "Coffee"}, {"food", "Food"}, {"others", "Others"}} {
		if err := tax.AddCategory(c.id, c.name, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := tax.AddRule(taxonomy.Rule{
		ID:        "r-starbucks",
		Category:  "coffee",
		Priority:  1,
		Predicate: taxonomy.Predicate{Pattern: "STARBUCKS"},
	}); err != nil {
		t.Fatal(err)
	}
	return tax
}

func starbucksTx() core.Transaction {
	return core.Transaction{
		ID:          "tx-1",
		PostedAt:    time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Amount:      core.Money{Cents: -4200},
		Description: "STARBUCKS #221",
		Source:      "batch-1",
	}
}

func newTestEngine(t *testing.T, c classify.Classifier) (*Engine, *memRepo, *aggregate.Store) {
	t.Helper()
	repo := newMemRepo()
	store := aggregate.NewStore()
	return New(repo, c, storeSink{store}, Config{}), repo, store
}

func TestRuleMatchScenario(t *testing.T) {
	eng, _, store := newTestEngine(t, classify.Fixed{Err: classify.ErrUnavailable})
	snap := coffeeTaxonomy(t).Snapshot()

	out, err := eng.CategorizeNew(context.Background(), starbucksTx(), snap)
	if err != nil {
		t.Fatal(err)
	}

	if out.State != StateFinalized {
		t.Errorf("state = %s, want finalized", out.State)
	}
	tx := out.Transaction
	if tx.Category != "coffee" || tx.Method != core.MethodRule || tx.Confidence != 1.0 {
		t.Errorf("got %s/%s/%v, want coffee/rule/1.0", tx.Category, tx.Method, tx.Confidence)
	}
	if out.RuleID != "r-starbucks" {
		t.Errorf("rule id = %s, want r-starbucks", out.RuleID)
	}
	if tx.TaxonomyVer != snap.Version {
		t.Errorf("taxonomy version = %d, want %d", tx.TaxonomyVer, snap.Version)
	}

	buckets := store.CategoryEntries(aggregate.Monthly)
	if len(buckets) != 1 || buckets[0].Bucket.TotalCents != -4200 || buckets[0].Bucket.Count != 1 {
		t.Errorf("monthly buckets = %+v, want one coffee bucket with -4200/1", buckets)
	}
}

func TestLowConfidenceIsUnresolved(t *testing.T) {
	eng, _, store := newTestEngine(t, classify.Fixed{
		Result: classify.Result{Category: "food", Confidence: 0.4},
	})
	snap := coffeeTaxonomy(t).Snapshot()

	tx := starbucksTx()
	tx.Description = "MYSTERY VENDOR 77"
	out, err := eng.CategorizeNew(context.Background(), tx, snap)
	if err != nil {
		t.Fatal(err)
	}

	if out.State != StateUnresolved {
		t.Errorf("state = %s, want unresolved", out.State)
	}
	if out.Transaction.Category != "" || out.Transaction.Method != core.MethodUncategorized {
		t.Errorf("unresolved transaction must stay uncategorized, got %s/%s",
			out.Transaction.Category, out.Transaction.Method)
	}
	if n := len(store.CategoryEntries(aggregate.Monthly)); n != 0 {
		t.Errorf("unresolved transaction must touch no bucket, got %d", n)
	}
}

func TestModelAboveThreshold(t *testing.T) {
	eng, _, _ := newTestEngine(t, classify.Fixed{
		Result: classify.Result{Category: "food", Confidence: 0.93},
	})
	snap := coffeeTaxonomy(t).Snapshot()

	tx := starbucksTx()
	tx.Description = "SOME BISTRO"
	out, err := eng.CategorizeNew(context.Background(), tx, snap)
	if err != nil {
		t.Fatal(err)
	}
	got := out.Transaction
	if got.Category != "food" || got.Method != core.MethodModel || got.Confidence != 0.93 {
		t.Errorf("got %s/%s/%v, want food/model/0.93", got.Category, got.Method, got.Confidence)
	}
}

func TestClassifierFailureDegradesToUnresolved(t *testing.T) {
	eng, _, _ := newTestEngine(t, classify.Fixed{Err: classify.ErrUnavailable})
	snap := coffeeTaxonomy(t).Snapshot()

	tx := starbucksTx()
	tx.Description = "MYSTERY VENDOR"
	out, err := eng.CategorizeNew(context.Background(), tx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateUnresolved {
		t.Errorf("state = %s, want unresolved", out.State)
	}
	if !errors.Is(out.ClassifierErr, classify.ErrUnavailable) {
		t.Errorf("outcome should carry the classifier error, got %v", out.ClassifierErr)
	}
}

func TestInactiveCategoryNotAssignedByEngine(t *testing.T) {
	tax := coffeeTaxonomy(t)
	// Rule was added while coffee was active; deactivating afterwards must
	// stop the engine assigning it even though the rule still matches.
	if err := tax.DeactivateCategory("coffee"); err != nil {
		t.Fatal(err)
	}
	eng, _, _ := newTestEngine(t, classify.Fixed{Err: classify.ErrUnavailable})

	out, err := eng.CategorizeNew(context.Background(), starbucksTx(), tax.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateUnresolved || out.Transaction.Category != "" {
		t.Errorf("rule into inactive category must not finalize, got %s/%s",
			out.State, out.Transaction.Category)
	}
}

func TestNextRuleWinsWhenFirstTargetsInactiveCategory(t *testing.T) {
	tax := coffeeTaxonomy(t)
	// Lower-priority rule matching the same description but targeting a
	// category that stays active.
	if err := tax.AddRule(taxonomy.Rule{
		ID:        "r-snack",
		Category:  "food",
		Priority:  2,
		Predicate: taxonomy.Predicate{Pattern: "starbucks"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := tax.DeactivateCategory("coffee"); err != nil {
		t.Fatal(err)
	}
	eng, _, _ := newTestEngine(t, classify.Fixed{Err: classify.ErrUnavailable})

	out, err := eng.CategorizeNew(context.Background(), starbucksTx(), tax.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if out.Transaction.Category != "food" || out.State != StateFinalized {
		t.Errorf("expected fallthrough to r-snack, got %s/%s", out.State, out.Transaction.Category)
	}
	if out.RuleID != "r-snack" {
		t.Errorf("RuleID = %q, want r-snack", out.RuleID)
	}
}

func TestManualOverrideSticky(t *testing.T) {
	eng, _, store := newTestEngine(t, classify.Fixed{Err: classify.ErrUnavailable})
	tax := coffeeTaxonomy(t)
	snap := tax.Snapshot()
	ctx := context.Background()

	out, err := eng.CategorizeNew(ctx, starbucksTx(), snap)
	if err != nil {
		t.Fatal(err)
	}
	id := out.Transaction.ID

	// Override to food: coffee bucket debited, food credited.
	if _, err := eng.Override(ctx, id, "food", snap); err != nil {
		t.Fatal(err)
	}
	buckets := store.CategoryEntries(aggregate.Monthly)
	if len(buckets) != 1 || buckets[0].Key.Category != "food" {
		t.Fatalf("after override buckets = %+v, want only food", buckets)
	}

	// Automatic re-run must not touch the override.
	res, err := eng.Recategorize(ctx, id, snap, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Category != "food" || res.Transaction.Method != core.MethodManual {
		t.Errorf("override must be sticky, got %s/%s",
			res.Transaction.Category, res.Transaction.Method)
	}

	// Explicit re-evaluate-including-overrides does re-run the pipeline.
	res, err = eng.Recategorize(ctx, id, snap, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Category != "coffee" || res.Transaction.Method != core.MethodRule {
		t.Errorf("re-evaluation should reapply the rule, got %s/%s",
			res.Transaction.Category, res.Transaction.Method)
	}
}

func TestOverrideUnknownCategory(t *testing.T) {
	eng, _, _ := newTestEngine(t, classify.Fixed{Err: classify.ErrUnavailable})
	snap := coffeeTaxonomy(t).Snapshot()

	_, err := eng.Override(context.Background(), "tx-1", "nope", snap)
	if !errors.Is(err, taxonomy.ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestRecategorizeAfterTaxonomyEdit(t *testing.T) {
	eng, repo, store := newTestEngine(t, classify.Fixed{Err: classify.ErrUnavailable})
	tax := coffeeTaxonomy(t)
	ctx := context.Background()

	out, err := eng.CategorizeNew(ctx, starbucksTx(), tax.Snapshot())
	if err != nil {
		t.Fatal(err)
	}

	// A higher-precedence rule now routes Starbucks to food.
	if err := tax.AddRule(taxonomy.Rule{
		ID:        "r-food",
		Category:  "food",
		Priority:  0,
		Predicate: taxonomy.Predicate{Pattern: "STARBUCKS"},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := eng.Recategorize(ctx, out.Transaction.ID, tax.Snapshot(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Category != "food" {
		t.Fatalf("recategorize result = %s, want food", res.Transaction.Category)
	}

	buckets := store.CategoryEntries(aggregate.Monthly)
	if len(buckets) != 1 || buckets[0].Key.Category != "food" || buckets[0].Bucket.TotalCents != -4200 {
		t.Errorf("buckets = %+v, want coffee debited and food credited", buckets)
	}

	// Aggregates stay consistent with the stored transactions.
	txs, _ := repo.ListActive(ctx)
	if err := store.CheckConsistency(txs); err != nil {
		t.Error(err)
	}
}

func TestTombstoneReversesBuckets(t *testing.T) {
	eng, _, store := newTestEngine(t, classify.Fixed{Err: classify.ErrUnavailable})
	snap := coffeeTaxonomy(t).Snapshot()
	ctx := context.Background()

	out, err := eng.CategorizeNew(ctx, starbucksTx(), snap)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Tombstone(ctx, out.Transaction.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(store.CategoryEntries(aggregate.Monthly)); n != 0 {
		t.Errorf("tombstone must reverse the bucket, got %d buckets", n)
	}

	// Second tombstone is a no-op, not a double debit.
	if err := eng.Tombstone(ctx, out.Transaction.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(store.CategoryEntries(aggregate.Monthly)); n != 0 {
		t.Errorf("double tombstone must not change buckets, got %d", n)
	}
}

func TestStateTransitions(t *testing.T) {
	if _, err := advance(StateUncategorized, StateFinalized); err == nil {
		t.Error("uncategorized cannot jump straight to finalized")
	}
	if _, err := advance(StateUnresolved, StateRuleMatched); err == nil {
		t.Error("unresolved is terminal for the automatic pipeline")
	}
	s, err := advance(StateUncategorized, StateRuleMatched)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := advance(s, StateFinalized); err != nil {
		t.Fatal(err)
	}
}
