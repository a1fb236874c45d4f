package taxonomy

import (
	"errors"
	"testing"
	"time"

	"tally/internal/core"
)

func testTx(desc string, cents int64, source string) core.Transaction {
	return core.Transaction{
		ID:          "tx-1",
		PostedAt:    time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Amount:      core.Money{Cents: cents},
		Description: desc,
		Source:      source,
	}
}

func TestAddRuleValidation(t *testing.T) {
	tax := New()
	if err := tax.AddCategory("coffee", "Coffee", ""); err != nil {
		t.Fatalf("add category: %v", err)
	}
	if err := tax.AddCategory("dormant", "Dormant", ""); err != nil {
		t.Fatalf("add category: %v", err)
	}
	if err := tax.DeactivateCategory("dormant"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	cases := []struct {
		name string
		rule Rule
	}{
		{"unknown category", Rule{ID: "r1", Category: "nope", Predicate: Predicate{Pattern: "x"}}},
		{"inactive category", Rule{ID: "r2", Category: "dormant", Predicate: Predicate{Pattern: "x"}}},
		{"empty predicate", Rule{ID: "r3", Category: "coffee"}},
		{"bad regex", Rule{ID: "r4", Category: "coffee", Predicate: Predicate{Pattern: "(", IsRegex: true}}},
		{"inverted range", Rule{ID: "r5", Category: "coffee", Predicate: Predicate{MinCents: ptr(100), MaxCents: ptr(50)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := tax.Version()
			err := tax.AddRule(tc.rule)
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("expected ErrInvalidRule, got %v", err)
			}
			if tax.Version() != before {
				t.Error("failed edit must not bump the version")
			}
		})
	}
}

func TestCycleDetection(t *testing.T) {
	tax := New()
	for _, c := range []struct{ id, parent core.CategoryID }{
		{"a", ""}, {"b", "a"}, {"c", "b"},
	} {
		if err := tax.AddCategory(c.id, string(c.id), c.parent); err != nil {
			t.Fatalf("add %s: %v", c.id, err)
		}
	}

	before := tax.Version()
	if err := tax.SetParent("a", "c"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if err := tax.SetParent("a", "a"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("self-parent: expected ErrCycleDetected, got %v", err)
	}
	if tax.Version() != before {
		t.Error("rejected edits must leave the taxonomy version unchanged")
	}

	// Legal re-parent still works.
	if err := tax.SetParent("c", "a"); err != nil {
		t.Fatalf("legal re-parent: %v", err)
	}
	if tax.Version() != before+1 {
		t.Error("successful edit should bump the version")
	}
}

func TestVersioningPerMutation(t *testing.T) {
	tax := New()
	steps := []func() error{
		func() error { return tax.AddCategory("a", "A", "") },
		func() error {
			return tax.AddRule(Rule{ID: "r1", Category: "a", Predicate: Predicate{Pattern: "foo"}})
		},
		func() error { return tax.RemoveRule("r1") },
		func() error { return tax.DeactivateCategory("a") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := tax.Version(); got != int64(i+1) {
			t.Fatalf("step %d: version = %d, want %d", i, got, i+1)
		}
	}
}

func TestOrderedRulesTotalOrder(t *testing.T) {
	tax := New()
	if err := tax.AddCategory("a", "A", ""); err != nil {
		t.Fatal(err)
	}
	// Inserted out of order, with a priority tie between r-b and r-a.
	for _, r := range []Rule{
		{ID: "r-z", Category: "a", Priority: 5, Predicate: Predicate{Pattern: "z"}},
		{ID: "r-b", Category: "a", Priority: 1, Predicate: Predicate{Pattern: "b"}},
		{ID: "r-a", Category: "a", Priority: 1, Predicate: Predicate{Pattern: "a"}},
	} {
		if err := tax.AddRule(r); err != nil {
			t.Fatalf("add rule %s: %v", r.ID, err)
		}
	}

	got := tax.OrderedRules()
	want := []core.RuleID{"r-a", "r-b", "r-z"}
	if len(got) != len(want) {
		t.Fatalf("got %d rules, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestMatchFirstWins(t *testing.T) {
	tax := New()
	if err := tax.AddCategory("coffee", "Coffee", ""); err != nil {
		t.Fatal(err)
	}
	if err := tax.AddCategory("food", "Food", ""); err != nil {
		t.Fatal(err)
	}
	if err := tax.AddRule(Rule{ID: "r1", Category: "coffee", Priority: 1, Predicate: Predicate{Pattern: "STARBUCKS"}}); err != nil {
		t.Fatal(err)
	}
	if err := tax.AddRule(Rule{ID: "r2", Category: "food", Priority: 2, Predicate: Predicate{Pattern: "starbucks"}}); err != nil {
		t.Fatal(err)
	}

	snap := tax.Snapshot()
	cat, rule, ok := Match(testTx("STARBUCKS #221", -4200, "batch-1"), snap.Rules)
	if !ok {
		t.Fatal("expected a match")
	}
	if cat != "coffee" || rule != "r1" {
		t.Errorf("got (%s, %s), want (coffee, r1): lower priority must win", cat, rule)
	}
}

func TestSnapshotMatchSkipsInactiveTarget(t *testing.T) {
	tax := New()
	if err := tax.AddCategory("coffee", "Coffee", ""); err != nil {
		t.Fatal(err)
	}
	if err := tax.AddCategory("food", "Food", ""); err != nil {
		t.Fatal(err)
	}
	if err := tax.AddRule(Rule{ID: "r1", Category: "coffee", Priority: 1, Predicate: Predicate{Pattern: "STARBUCKS"}}); err != nil {
		t.Fatal(err)
	}
	if err := tax.AddRule(Rule{ID: "r2", Category: "food", Priority: 2, Predicate: Predicate{Pattern: "starbucks"}}); err != nil {
		t.Fatal(err)
	}
	if err := tax.DeactivateCategory("coffee"); err != nil {
		t.Fatal(err)
	}

	snap := tax.Snapshot()
	cat, rule, ok := snap.Match(testTx("STARBUCKS #221", -4200, "batch-1"))
	if !ok {
		t.Fatal("expected a match")
	}
	if cat != "food" || rule != "r2" {
		t.Errorf("got (%s, %s), want (food, r2): rule into inactive category must be skipped", cat, rule)
	}

	if err := tax.DeactivateCategory("food"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := tax.Snapshot().Match(testTx("STARBUCKS #221", -4200, "batch-1")); ok {
		t.Error("expected no match once every target is inactive")
	}
}

func TestMatchDeterministic(t *testing.T) {
	tax := Seed()
	snap := tax.Snapshot()
	tx := testTx("UBER TRIP 4412", -1250, "batch-1")

	cat1, rule1, ok1 := Match(tx, snap.Rules)
	for i := 0; i < 10; i++ {
		cat, rule, ok := Match(tx, snap.Rules)
		if cat != cat1 || rule != rule1 || ok != ok1 {
			t.Fatal("repeated match on the same snapshot must return the same result")
		}
	}
	if !ok1 || cat1 != "transport" {
		t.Errorf("uber should match transport, got %s (ok=%v)", cat1, ok1)
	}
}

func TestPredicateConjunction(t *testing.T) {
	p := Predicate{Pattern: "uber", MinCents: ptr(-5000), MaxCents: ptr(-100), Source: "batch-1"}

	cases := []struct {
		name string
		tx   core.Transaction
		want bool
	}{
		{"all conditions hold", testTx("UBER TRIP", -1250, "batch-1"), true},
		{"wrong pattern", testTx("LYFT RIDE", -1250, "batch-1"), false},
		{"below range", testTx("UBER TRIP", -9000, "batch-1"), false},
		{"above range", testTx("UBER TRIP", -50, "batch-1"), false},
		{"wrong source", testTx("UBER TRIP", -1250, "batch-2"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Matches(tc.tx); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNoMatchAcrossAllRules(t *testing.T) {
	snap := Seed().Snapshot()
	_, _, ok := Match(testTx("XYZZY UNKNOWN VENDOR", -100, "batch-1"), snap.Rules)
	if ok {
		t.Error("expected no match")
	}
}

func TestRulesFor(t *testing.T) {
	tax := New()
	if err := tax.AddCategory("a", "A", ""); err != nil {
		t.Fatal(err)
	}
	if err := tax.AddCategory("b", "B", ""); err != nil {
		t.Fatal(err)
	}
	for _, r := range []Rule{
		{ID: "r1", Category: "a", Priority: 2, Predicate: Predicate{Pattern: "x"}},
		{ID: "r2", Category: "b", Priority: 1, Predicate: Predicate{Pattern: "y"}},
		{ID: "r3", Category: "a", Priority: 1, Predicate: Predicate{Pattern: "z"}},
	} {
		if err := tax.AddRule(r); err != nil {
			t.Fatal(err)
		}
	}

	got := tax.RulesFor("a")
	if len(got) != 2 || got[0].ID != "r3" || got[1].ID != "r1" {
		t.Errorf("RulesFor(a) = %v, want [r3 r1]", got)
	}
}

func ptr(v int64) *int64 { return &v }
