package taxonomy

import (
	"fmt"

	"tally/internal/core"
)

// seedPatterns maps the default categories to substring patterns. One seed
// rule is generated per pattern, prioritized by position so earlier
// categories win when patterns overlap.
var seedPatterns = []struct {
	category core.CategoryID
	name     string
	patterns []string
}{
	{"food", "Food", []string{"restaurant", "food", "cafe", "starbucks", "mcdonald", "pizza", "grocery", "supermarket"}},
	{"transport", "Transport", []string{"uber", "taxi", "gas", "fuel", "parking", "metro", "bus", "train"}},
	{"entertainment", "Entertainment", []string{"netflix", "spotify", "movie", "cinema", "game", "concert", "theater"}},
	{"shopping", "Shopping", []string{"amazon", "mall", "store", "shop", "clothes"}},
	{"utilities", "Utilities", []string{"electric", "water", "internet", "phone", "rent", "bill"}},
	{"healthcare", "Healthcare", []string{"hospital", "doctor", "pharmacy", "medical", "dental", "health"}},
	{"education", "Education", []string{"school", "college", "course", "book", "tuition"}},
	{"others", "Others", nil},
}

// Seed returns a taxonomy pre-populated with the default categories and
// their keyword rules, for fresh installations without a persisted taxonomy.
func Seed() *Taxonomy {
	t := New()
	prio := 0
	for _, s := range seedPatterns {
		// Seeding cannot fail: ids are unique and patterns are plain substrings.
		if err := t.AddCategory(s.category, s.name, ""); err != nil {
			panic(fmt.Sprintf("taxonomy seed: %v", err))
		}
		for i, p := range s.patterns {
			prio++
			rule := Rule{
				ID:        core.RuleID(fmt.Sprintf("seed-%s-%02d", s.category, i)),
				Category:  s.category,
				Predicate: Predicate{Pattern: p},
				Priority:  prio,
			}
			if err := t.AddRule(rule); err != nil {
				panic(fmt.Sprintf("taxonomy seed: %v", err))
			}
		}
	}
	return t
}
