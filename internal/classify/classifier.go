// Package classify defines the fallback classifier boundary used when no
// taxonomy rule matches a transaction. The core depends only on the
// Classifier interface; the Gemini implementation lives alongside it but
// could be any remote or local model.
package classify

import (
	"context"
	"errors"

	"tally/internal/core"
)

// ErrUnavailable signals that the classifier collaborator failed or timed
// out. The engine treats the transaction as Unresolved rather than blocking
// the batch.
var ErrUnavailable = errors.New("classifier unavailable")

// Result is the classifier's verdict for a single transaction.
type Result struct {
	Category   core.CategoryID
	Confidence float64 // 0.0 - 1.0
}

// Classifier assigns a category with a confidence score. Implementations
// must be deterministic given identical model state and input. candidates
// lists the assignable category ids in stable order.
type Classifier interface {
	Classify(ctx context.Context, tx core.Transaction, candidates []core.CategoryID) (Result, error)
}

// Fixed returns the same result for every transaction. Used as a test
// double and as an explicit "always Others" fallback in offline setups.
type Fixed struct {
	Result Result
	Err    error
}

func (f Fixed) Classify(context.Context, core.Transaction, []core.CategoryID) (Result, error) {
	if f.Err != nil {
		return Result{}, f.Err
	}
	return f.Result, nil
}
