package taxonomy

import (
	"strings"

	"tally/internal/core"
)

// Match evaluates rules in the given order against a transaction and returns
// the first rule whose predicate is satisfied. First-match-wins keeps the
// outcome deterministic and explainable; callers pass Snapshot.Rules so the
// order is always (priority, rule id). Match is pure: it never touches the
// transaction or the taxonomy.
func Match(tx core.Transaction, rules []Rule) (core.CategoryID, core.RuleID, bool) {
	for _, r := range rules {
		if r.Predicate.Matches(tx) {
			return r.Category, r.ID, true
		}
	}
	return "", "", false
}

// Match returns the first matching rule whose target category the engine
// may still assign. A rule pointing at a deactivated category is skipped
// rather than consuming the match, so a later assignable rule can win.
func (s Snapshot) Match(tx core.Transaction) (core.CategoryID, core.RuleID, bool) {
	for _, r := range s.Rules {
		if !s.Assignable(r.Category) {
			continue
		}
		if r.Predicate.Matches(tx) {
			return r.Category, r.ID, true
		}
	}
	return "", "", false
}

// Matches reports whether every condition of the predicate holds for the
// transaction. Substring matching is case-insensitive; regex patterns are
// applied as compiled.
func (p Predicate) Matches(tx core.Transaction) bool {
	if p.Pattern != "" {
		if p.IsRegex {
			if p.re == nil || !p.re.MatchString(tx.Description) {
				return false
			}
		} else if !strings.Contains(
			strings.ToLower(tx.Description), strings.ToLower(p.Pattern)) {
			return false
		}
	}
	if p.MinCents != nil && tx.Amount.Cents < *p.MinCents {
		return false
	}
	if p.MaxCents != nil && tx.Amount.Cents > *p.MaxCents {
		return false
	}
	if p.Source != "" && tx.Source != p.Source {
		return false
	}
	return true
}
