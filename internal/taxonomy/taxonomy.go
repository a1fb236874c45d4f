// Package taxonomy owns the category tree and the ordered matching rules the
// categorization engine evaluates. Every structural mutation bumps a version
// number so a categorization run can be audited against the exact rule set
// it matched with.
package taxonomy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"tally/internal/core"
)

var (
	ErrInvalidRule     = errors.New("invalid rule")
	ErrCycleDetected   = errors.New("category parent edit would create a cycle")
	ErrUnknownCategory = errors.New("unknown category")
	ErrUnknownRule     = errors.New("unknown rule")
)

type (
	Category struct {
		ID     core.CategoryID
		Name   string
		Parent core.CategoryID // empty for roots
		Active bool
	}

	// Predicate is a conjunction of atomic conditions; all non-zero
	// conditions must hold for the predicate to match.
	Predicate struct {
		Pattern  string // matched against the description
		IsRegex  bool   // substring match when false
		MinCents *int64 // inclusive, optional
		MaxCents *int64 // inclusive, optional
		Source   string // exact source match, empty = any

		re *regexp.Regexp // compiled at AddRule time
	}

	Rule struct {
		ID        core.RuleID
		Category  core.CategoryID
		Predicate Predicate
		Priority  int // lower evaluates first
		Active    bool
	}

	// Taxonomy is the mutable, versioned rule set. Readers should pin a
	// Snapshot and match against that, never against the live taxonomy.
	Taxonomy struct {
		mu         sync.RWMutex
		version    int64
		categories map[core.CategoryID]*Category
		rules      map[core.RuleID]*Rule
	}

	// Snapshot is an immutable view of the taxonomy at a given version.
	Snapshot struct {
		Version    int64
		Rules      []Rule // active rules, ordered by (priority, id)
		Categories map[core.CategoryID]Category
	}
)

func New() *Taxonomy {
	return &Taxonomy{
		categories: make(map[core.CategoryID]*Category),
		rules:      make(map[core.RuleID]*Rule),
	}
}

// Load rebuilds a taxonomy from persisted state, restoring the version it
// had when saved. Rules are recompiled; a rule that no longer compiles
// fails the whole load.
func Load(version int64, cats []Category, rules []Rule) (*Taxonomy, error) {
	t := New()
	for _, c := range cats {
		cc := c
		t.categories[c.ID] = &cc
	}
	for _, r := range rules {
		if _, ok := t.categories[r.Category]; !ok {
			return nil, fmt.Errorf("%w: rule %q targets unknown category %q", ErrInvalidRule, r.ID, r.Category)
		}
		if err := compilePredicate(&r.Predicate); err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, r.ID, err)
		}
		rr := r
		t.rules[r.ID] = &rr
	}
	t.version = version
	return t, nil
}

// Version returns the current taxonomy version. Zero means untouched.
func (t *Taxonomy) Version() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// AddCategory registers a new active category. Parent may be empty for a
// root category and must refer to an existing category otherwise.
func (t *Taxonomy) AddCategory(id core.CategoryID, name string, parent core.CategoryID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == "" || strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty id or name", ErrInvalidRule)
	}
	if _, exists := t.categories[id]; exists {
		return fmt.Errorf("category %q already exists", id)
	}
	if parent != "" {
		if _, ok := t.categories[parent]; !ok {
			return fmt.Errorf("%w: parent %q", ErrUnknownCategory, parent)
		}
	}

	t.categories[id] = &Category{ID: id, Name: name, Parent: parent, Active: true}
	t.version++
	return nil
}

// SetParent re-parents a category, rejecting edits that would close a cycle.
// The taxonomy is left unchanged on failure.
func (t *Taxonomy) SetParent(id, parent core.CategoryID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cat, ok := t.categories[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, id)
	}
	if parent != "" {
		if _, ok := t.categories[parent]; !ok {
			return fmt.Errorf("%w: parent %q", ErrUnknownCategory, parent)
		}
		// Ancestor walk from the proposed parent; hitting id means the
		// edit would make id its own ancestor.
		for cur := parent; cur != ""; {
			if cur == id {
				return ErrCycleDetected
			}
			cur = t.categories[cur].Parent
		}
	}

	cat.Parent = parent
	t.version++
	return nil
}

// DeactivateCategory stops the engine assigning the category to new
// transactions. Existing assignments are untouched.
func (t *Taxonomy) DeactivateCategory(id core.CategoryID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cat, ok := t.categories[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, id)
	}
	cat.Active = false
	t.version++
	return nil
}

// AddRule validates and registers a matching rule. The predicate is compiled
// here so matching never has to deal with parse errors. Fails with
// ErrInvalidRule when the predicate is unparseable or the target category is
// inactive or unknown; the taxonomy is left unchanged.
func (t *Taxonomy) AddRule(r Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.ID == "" {
		return fmt.Errorf("%w: empty rule id", ErrInvalidRule)
	}
	if _, exists := t.rules[r.ID]; exists {
		return fmt.Errorf("%w: rule %q already exists", ErrInvalidRule, r.ID)
	}
	cat, ok := t.categories[r.Category]
	if !ok {
		return fmt.Errorf("%w: target category %q unknown", ErrInvalidRule, r.Category)
	}
	if !cat.Active {
		return fmt.Errorf("%w: target category %q is inactive", ErrInvalidRule, r.Category)
	}
	if err := compilePredicate(&r.Predicate); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	r.Active = true
	t.rules[r.ID] = &r
	t.version++
	return nil
}

// RemoveRule deletes a rule from the taxonomy.
func (t *Taxonomy) RemoveRule(id core.RuleID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rules[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRule, id)
	}
	delete(t.rules, id)
	t.version++
	return nil
}

// RulesFor returns the active rules targeting a category, ordered.
func (t *Taxonomy) RulesFor(category core.CategoryID) []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Rule
	for _, r := range t.rules {
		if r.Active && r.Category == category {
			out = append(out, *r)
		}
	}
	sortRules(out)
	return out
}

// OrderedRules returns all active rules sorted by (priority, rule id).
// Priority ties are broken by rule id so evaluation order is a total order.
func (t *Taxonomy) OrderedRules() []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.orderedRulesLocked()
}

func (t *Taxonomy) orderedRulesLocked() []Rule {
	out := make([]Rule, 0, len(t.rules))
	for _, r := range t.rules {
		if r.Active {
			out = append(out, *r)
		}
	}
	sortRules(out)
	return out
}

// Snapshot pins the current version, rules and categories. Concurrent
// categorization runs match against a snapshot so a taxonomy edit mid-batch
// cannot produce mixed-version results.
func (t *Taxonomy) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cats := make(map[core.CategoryID]Category, len(t.categories))
	for id, c := range t.categories {
		cats[id] = *c
	}
	return Snapshot{
		Version:    t.version,
		Rules:      t.orderedRulesLocked(),
		Categories: cats,
	}
}

// ActiveCategoryIDs lists assignable categories in stable (sorted) order,
// for handing to the fallback classifier.
func (s Snapshot) ActiveCategoryIDs() []core.CategoryID {
	out := make([]core.CategoryID, 0, len(s.Categories))
	for id, c := range s.Categories {
		if c.Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Assignable reports whether the engine may assign the category.
func (s Snapshot) Assignable(id core.CategoryID) bool {
	c, ok := s.Categories[id]
	return ok && c.Active
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func compilePredicate(p *Predicate) error {
	if p.Pattern == "" && p.MinCents == nil && p.MaxCents == nil && p.Source == "" {
		return errors.New("predicate has no conditions")
	}
	if p.MinCents != nil && p.MaxCents != nil && *p.MinCents > *p.MaxCents {
		return errors.New("amount range is inverted")
	}
	if p.IsRegex {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("compile pattern: %v", err)
		}
		p.re = re
	}
	return nil
}
