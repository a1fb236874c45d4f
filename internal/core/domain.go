package core

import (
	"errors"
	"strings"
	"time"
)

// Method records how a transaction got its category.
const (
	MethodRule          Method = "rule"
	MethodModel         Method = "model"
	MethodManual        Method = "manual-override"
	MethodUncategorized Method = "uncategorized"
)

type (
	Method string

	CategoryID string

	RuleID string

	Money struct {
		Cents int64 // signed, minor units
	}

	// Transaction is a single financial movement from an import batch or
	// manual entry. Category stays empty until categorization completes.
	Transaction struct {
		ID          string
		PostedAt    time.Time
		Amount      Money
		Description string
		Source      string // import batch id, or "manual"
		Category    CategoryID
		Method      Method
		Confidence  float64 // meaningful only for MethodModel
		TaxonomyVer int64   // taxonomy version used when categorized
		Tombstone   bool
	}
)

// SourceManual marks transactions entered by hand rather than imported.
const SourceManual = "manual"

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyDescription = errors.New("empty description")
	ErrEmptySource      = errors.New("empty source")
	ErrZeroDate         = errors.New("posting date cannot be zero")
)

func (m Method) Valid() bool {
	switch m {
	case MethodRule, MethodModel, MethodManual, MethodUncategorized:
		return true
	}
	return false
}

// Categorized reports whether the transaction carries a final category.
func (t Transaction) Categorized() bool {
	return t.Category != "" && t.Method != MethodUncategorized
}

func (t Transaction) Validate() error {
	if t.PostedAt.IsZero() {
		return ErrZeroDate
	}
	if len(strings.TrimSpace(t.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if t.Amount.Cents == 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(t.Source) == "" {
		return ErrEmptySource
	}
	return nil
}
