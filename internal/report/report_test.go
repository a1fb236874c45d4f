package report

import (
	"errors"
	"testing"
	"time"

	"tally/internal/aggregate"
	"tally/internal/core"
)

func seedStore(t *testing.T) *aggregate.Store {
	t.Helper()
	s := aggregate.NewStore()
	txs := []struct {
		id    string
		cents int64
		date  string
		cat   core.CategoryID
		desc  string
	}{
		{"t1", -4200, "2024-03-05", "coffee", "STARBUCKS #221"},
		{"t2", -1800, "2024-03-12", "coffee", "STARBUCKS #480"},
		{"t3", -1250, "2024-03-07", "transport", "UBER TRIP 9921"},
		{"t4", -6000, "2024-04-02", "coffee", "STARBUCKS #221"},
		{"t5", -1250, "2024-03-20", "food", "PIZZA PLANET"},
	}
	for _, x := range txs {
		d, _ := time.Parse("2006-01-02", x.date)
		tx := core.Transaction{
			ID:          x.id,
			PostedAt:    d,
			Amount:      core.Money{Cents: x.cents},
			Description: x.desc,
			Source:      "batch-1",
			Category:    x.cat,
			Method:      core.MethodRule,
		}
		if err := s.Apply(aggregate.Delta{Kind: aggregate.Insert, New: &tx}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func march() Range {
	return Range{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildByCategory(t *testing.T) {
	a := NewAssembler(seedStore(t))
	p, err := a.Build(Request{Range: march(), GroupBy: ByCategory, Granularity: aggregate.Monthly})
	if err != nil {
		t.Fatal(err)
	}

	// Descending by total: -1250 ties broken by key ascending, then -6000.
	wantKeys := []string{"food", "transport", "coffee"}
	if len(p.Rows) != len(wantKeys) {
		t.Fatalf("got %d rows, want %d", len(p.Rows), len(wantKeys))
	}
	for i, k := range wantKeys {
		if p.Rows[i].GroupKey != k {
			t.Errorf("row %d key = %s, want %s", i, p.Rows[i].GroupKey, k)
		}
	}
	if p.TotalCents != -8500 || p.Count != 4 {
		t.Errorf("total/count = %d/%d, want -8500/4", p.TotalCents, p.Count)
	}

	var pct float64
	for _, r := range p.Rows {
		pct += r.Percentage
	}
	if pct < 99.9 || pct > 100.1 {
		t.Errorf("percentages sum to %f, want ~100", pct)
	}
	// coffee is 6000 of 8500 absolute.
	if p.Rows[2].Percentage < 70.5 || p.Rows[2].Percentage > 70.7 {
		t.Errorf("coffee percentage = %f, want ~70.6", p.Rows[2].Percentage)
	}
}

func TestBuildByVendor(t *testing.T) {
	a := NewAssembler(seedStore(t))
	p, err := a.Build(Request{Range: march(), GroupBy: ByVendor, Granularity: aggregate.Monthly})
	if err != nil {
		t.Fatal(err)
	}

	// Both STARBUCKS stores collapse into one vendor row.
	var starbucks *Row
	for i := range p.Rows {
		if p.Rows[i].GroupKey == "STARBUCKS" {
			starbucks = &p.Rows[i]
		}
	}
	if starbucks == nil {
		t.Fatal("missing STARBUCKS vendor row")
	}
	if starbucks.TotalCents != -6000 || starbucks.Count != 2 {
		t.Errorf("STARBUCKS = %+v, want total -6000 count 2", starbucks)
	}
}

func TestBuildByBucketAcrossMonths(t *testing.T) {
	a := NewAssembler(seedStore(t))
	p, err := a.Build(Request{
		Range: Range{
			From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		GroupBy:     ByBucket,
		Granularity: aggregate.Monthly,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Rows) != 2 {
		t.Fatalf("got %d rows, want 2 (2024-03, 2024-04)", len(p.Rows))
	}
	// 2024-04 total -6000 > 2024-03 total -8500.
	if p.Rows[0].GroupKey != "2024-04" || p.Rows[1].GroupKey != "2024-03" {
		t.Errorf("rows = %+v, want 2024-04 then 2024-03", p.Rows)
	}
}

func TestBuildRangeFilter(t *testing.T) {
	a := NewAssembler(seedStore(t))
	p, err := a.Build(Request{
		Range: Range{
			From: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		GroupBy:     ByCategory,
		Granularity: aggregate.Monthly,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Rows) != 1 || p.Rows[0].GroupKey != "coffee" || p.Rows[0].TotalCents != -6000 {
		t.Errorf("april rows = %+v, want only coffee/-6000", p.Rows)
	}
}

func TestBuildEmptyRange(t *testing.T) {
	a := NewAssembler(seedStore(t))
	_, err := a.Build(Request{Range: Range{From: time.Now(), To: time.Now()}})
	if !errors.Is(err, ErrEmptyRange) {
		t.Fatalf("expected ErrEmptyRange, got %v", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	a := NewAssembler(seedStore(t))
	req := Request{Range: march(), GroupBy: ByCategory, Granularity: aggregate.Monthly}
	first, err := a.Build(req)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := a.Build(req)
		if err != nil {
			t.Fatal(err)
		}
		if len(again.Rows) != len(first.Rows) {
			t.Fatal("row count changed between identical requests")
		}
		for j := range again.Rows {
			if again.Rows[j] != first.Rows[j] {
				t.Fatalf("row %d differs between identical requests", j)
			}
		}
	}
}
