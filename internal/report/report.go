// Package report assembles structured report payloads from the aggregate
// stores. It is a pure read: the renderer collaborator turns payloads into
// PDF/CSV/spreadsheet bytes elsewhere.
package report

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"tally/internal/aggregate"
)

// Grouping dimensions a report can be built over.
const (
	ByCategory GroupBy = "category"
	ByVendor   GroupBy = "vendor"
	ByBucket   GroupBy = "bucket"
)

var ErrEmptyRange = errors.New("report range is empty")

type (
	GroupBy string

	// Range is a half-open interval [From, To) over posting dates.
	Range struct {
		From time.Time
		To   time.Time
	}

	Request struct {
		Range       Range
		GroupBy     GroupBy
		Granularity aggregate.Granularity
	}

	Row struct {
		GroupKey   string
		TotalCents int64
		Count      int64
		Percentage float64 // share of the absolute total, 0-100
	}

	Payload struct {
		Request    Request
		Rows       []Row
		TotalCents int64
		Count      int64
	}
)

// Assembler reads bucket stores. It holds no state of its own.
type Assembler struct {
	store *aggregate.Store
}

func NewAssembler(store *aggregate.Store) *Assembler {
	return &Assembler{store: store}
}

// Build filters buckets overlapping the requested range, groups them by the
// requested dimension and computes each group's percentage of the total.
// Rows are ordered descending by total with ties broken by group key
// ascending, so identical requests always produce identical payloads.
func (a *Assembler) Build(req Request) (Payload, error) {
	if !req.Range.From.Before(req.Range.To) {
		return Payload{}, ErrEmptyRange
	}
	if req.Granularity == "" {
		req.Granularity = aggregate.Monthly
	}
	if req.GroupBy == "" {
		req.GroupBy = ByCategory
	}

	groups := make(map[string]*Row)
	add := func(key string, b aggregate.Bucket) {
		row, ok := groups[key]
		if !ok {
			row = &Row{GroupKey: key}
			groups[key] = row
		}
		row.TotalCents += b.TotalCents
		row.Count += b.Count
	}

	switch req.GroupBy {
	case ByCategory, ByBucket:
		for _, e := range a.store.CategoryEntries(req.Granularity) {
			if !overlaps(req.Range, req.Granularity, e.Key.Start) {
				continue
			}
			if req.GroupBy == ByBucket {
				add(bucketLabel(req.Granularity, e.Key.Start), e.Bucket)
			} else {
				add(string(e.Key.Category), e.Bucket)
			}
		}
	case ByVendor:
		for _, e := range a.store.VendorEntries(req.Granularity) {
			if !overlaps(req.Range, req.Granularity, e.Key.Start) {
				continue
			}
			add(e.Key.Vendor, e.Bucket)
		}
	default:
		return Payload{}, fmt.Errorf("unknown grouping %q", req.GroupBy)
	}

	payload := Payload{Request: req}
	var absTotal int64
	for _, row := range groups {
		payload.Rows = append(payload.Rows, *row)
		payload.TotalCents += row.TotalCents
		payload.Count += row.Count
		absTotal += abs(row.TotalCents)
	}
	if absTotal > 0 {
		for i := range payload.Rows {
			payload.Rows[i].Percentage = 100 * float64(abs(payload.Rows[i].TotalCents)) / float64(absTotal)
		}
	}

	sort.Slice(payload.Rows, func(i, j int) bool {
		if payload.Rows[i].TotalCents != payload.Rows[j].TotalCents {
			return payload.Rows[i].TotalCents > payload.Rows[j].TotalCents
		}
		return payload.Rows[i].GroupKey < payload.Rows[j].GroupKey
	})
	return payload, nil
}

// overlaps reports whether the bucket starting at start intersects r.
func overlaps(r Range, g aggregate.Granularity, start time.Time) bool {
	end := aggregate.BucketEnd(g, start)
	return start.Before(r.To) && end.After(r.From)
}

func bucketLabel(g aggregate.Granularity, start time.Time) string {
	switch g {
	case aggregate.Daily:
		return start.Format("2006-01-02")
	case aggregate.Monthly:
		return start.Format("2006-01")
	default:
		return start.Format("2006")
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
