// Package aggregate maintains rolling totals per category, vendor and time
// bucket over the categorized transaction set. Buckets are derived data:
// always reconstructible from the transactions, never the source of truth.
//
// Deltas are commutative. Applying any permutation of the same delta history
// yields identical buckets, which is what lets batch imports apply results
// in completion order.
package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tally/internal/core"
)

// Granularities of the independent bucket stores. Every delta updates all
// of them together.
const (
	Daily   Granularity = "daily"
	Monthly Granularity = "monthly"
	Yearly  Granularity = "yearly"
)

// ErrInconsistent reports that bucket sums disagree with transaction sums.
// Fatal for the recompute path; the caller must run RecomputeAll.
var ErrInconsistent = errors.New("aggregate buckets disagree with transaction totals")

type (
	Granularity string

	// CategoryKey addresses one category bucket inside a granularity.
	CategoryKey struct {
		Category core.CategoryID
		Start    time.Time
	}

	// VendorKey addresses one vendor bucket inside a granularity.
	VendorKey struct {
		Vendor string
		Start  time.Time
	}

	Bucket struct {
		TotalCents int64
		Count      int64
	}

	// DeltaKind distinguishes the three mutations the store understands.
	DeltaKind int

	// Delta describes one transaction mutation. Old is the state the
	// store has already absorbed, New the state to absorb now.
	Delta struct {
		Kind DeltaKind
		Old  *core.Transaction // update, tombstone
		New  *core.Transaction // insert, update
	}

	// Store holds the in-memory buckets for all granularities. A single
	// mutex makes every debit+credit pair one logical unit; partial
	// application is never observable.
	Store struct {
		mu       sync.Mutex
		byCat    map[Granularity]map[CategoryKey]Bucket
		byVendor map[Granularity]map[VendorKey]Bucket
	}
)

const (
	Insert DeltaKind = iota
	Update
	Tombstone
)

// Granularities lists the bucket stores in a stable order.
func Granularities() []Granularity {
	return []Granularity{Daily, Monthly, Yearly}
}

// BucketStart truncates a posting date to the start of its bucket in UTC.
func BucketStart(g Granularity, t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Yearly:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	panic(fmt.Sprintf("unknown granularity %q", g))
}

// BucketEnd returns the exclusive end of the bucket starting at start.
func BucketEnd(g Granularity, start time.Time) time.Time {
	switch g {
	case Daily:
		return start.AddDate(0, 0, 1)
	case Monthly:
		return start.AddDate(0, 1, 0)
	case Yearly:
		return start.AddDate(1, 0, 0)
	}
	panic(fmt.Sprintf("unknown granularity %q", g))
}

func NewStore() *Store {
	s := &Store{
		byCat:    make(map[Granularity]map[CategoryKey]Bucket),
		byVendor: make(map[Granularity]map[VendorKey]Bucket),
	}
	for _, g := range Granularities() {
		s.byCat[g] = make(map[CategoryKey]Bucket)
		s.byVendor[g] = make(map[VendorKey]Bucket)
	}
	return s
}

// Apply absorbs one transaction delta into every granularity. Only
// categorized, non-tombstoned transaction states contribute; an Unresolved
// transaction touches no bucket. The whole delta is applied under one lock.
func (s *Store) Apply(d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch d.Kind {
	case Insert:
		if d.New == nil {
			return errors.New("insert delta without new state")
		}
		s.credit(*d.New, 1)
	case Update:
		if d.Old == nil || d.New == nil {
			return errors.New("update delta needs old and new state")
		}
		// Net-zero when category and date are unchanged.
		s.credit(*d.Old, -1)
		s.credit(*d.New, 1)
	case Tombstone:
		if d.Old == nil {
			return errors.New("tombstone delta without old state")
		}
		s.credit(*d.Old, -1)
	default:
		return fmt.Errorf("unknown delta kind %d", d.Kind)
	}
	return nil
}

// credit adds (sign>0) or reverses (sign<0) a transaction's contribution.
func (s *Store) credit(tx core.Transaction, sign int64) {
	if !tx.Categorized() || tx.Tombstone {
		return
	}
	vendor := core.VendorKey(tx.Description)
	for _, g := range Granularities() {
		start := BucketStart(g, tx.PostedAt)

		ck := CategoryKey{Category: tx.Category, Start: start}
		cb := s.byCat[g][ck]
		cb.TotalCents += sign * tx.Amount.Cents
		cb.Count += sign
		if cb == (Bucket{}) {
			delete(s.byCat[g], ck)
		} else {
			s.byCat[g][ck] = cb
		}

		vk := VendorKey{Vendor: vendor, Start: start}
		vb := s.byVendor[g][vk]
		vb.TotalCents += sign * tx.Amount.Cents
		vb.Count += sign
		if vb == (Bucket{}) {
			delete(s.byVendor[g], vk)
		} else {
			s.byVendor[g][vk] = vb
		}
	}
}

// RecomputeAll rebuilds every bucket from scratch. The result is identical
// to incremental application of the same history in any order.
func (s *Store) RecomputeAll(txs []core.Transaction) {
	fresh := NewStore()
	for _, tx := range txs {
		fresh.credit(tx, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCat = fresh.byCat
	s.byVendor = fresh.byVendor
}

// CheckConsistency verifies the conservation law: per granularity, the sum
// of all category bucket totals must equal the sum of categorized,
// non-tombstoned transaction amounts. Returns ErrInconsistent on the first
// disagreement.
func (s *Store) CheckConsistency(txs []core.Transaction) error {
	var wantTotal, wantCount int64
	for _, tx := range txs {
		if tx.Categorized() && !tx.Tombstone {
			wantTotal += tx.Amount.Cents
			wantCount++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range Granularities() {
		var gotTotal, gotCount int64
		for _, b := range s.byCat[g] {
			gotTotal += b.TotalCents
			gotCount += b.Count
		}
		if gotTotal != wantTotal || gotCount != wantCount {
			return fmt.Errorf("%w: granularity %s has total=%d count=%d, transactions have total=%d count=%d",
				ErrInconsistent, g, gotTotal, gotCount, wantTotal, wantCount)
		}
	}
	return nil
}

// CategoryEntry is a bucket with its key, for persistence and reporting.
type CategoryEntry struct {
	Key    CategoryKey
	Bucket Bucket
}

// VendorEntry is a vendor bucket with its key.
type VendorEntry struct {
	Key    VendorKey
	Bucket Bucket
}

// CategoryEntries returns a sorted copy of one granularity's category
// buckets. Sorted by (start, category) so persistence and comparison are
// deterministic.
func (s *Store) CategoryEntries(g Granularity) []CategoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CategoryEntry, 0, len(s.byCat[g]))
	for k, b := range s.byCat[g] {
		out = append(out, CategoryEntry{Key: k, Bucket: b})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Key.Start.Equal(out[j].Key.Start) {
			return out[i].Key.Start.Before(out[j].Key.Start)
		}
		return out[i].Key.Category < out[j].Key.Category
	})
	return out
}

// VendorEntries returns a sorted copy of one granularity's vendor buckets.
func (s *Store) VendorEntries(g Granularity) []VendorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]VendorEntry, 0, len(s.byVendor[g]))
	for k, b := range s.byVendor[g] {
		out = append(out, VendorEntry{Key: k, Bucket: b})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Key.Start.Equal(out[j].Key.Start) {
			return out[i].Key.Start.Before(out[j].Key.Start)
		}
		return out[i].Key.Vendor < out[j].Key.Vendor
	})
	return out
}

// Replace installs previously persisted buckets, discarding current state.
// Used by the worker on startup to resume from the bucket store.
func (s *Store) Replace(g Granularity, cats []CategoryEntry, vendors []VendorEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byCat[g] = make(map[CategoryKey]Bucket, len(cats))
	for _, e := range cats {
		s.byCat[g][e.Key] = e.Bucket
	}
	s.byVendor[g] = make(map[VendorKey]Bucket, len(vendors))
	for _, e := range vendors {
		s.byVendor[g][e.Key] = e.Bucket
	}
}
