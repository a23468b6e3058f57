package longterm

import (
	"strings"

	"github.com/kazuki-shin/ambi/internal/memory"
)

var (
	categoryKeywords = []struct {
		category memory.Category
		keywords []string
	}{
		{memory.CategoryPersonalInfo, []string{"name", "call me", "my name is"}},
		{memory.CategoryPreferences, []string{"like", "prefer", "favorite"}},
		{memory.CategoryFamily, []string{"family", "parent", "child", "sister", "brother", "spouse"}},
		{memory.CategoryHealth, []string{"health", "sick", "doctor", "pain"}},
		{memory.CategoryEvents, []string{"event", "meeting", "appointment", "schedule"}},
	}
	highPriorityKeywords = []string{
		"name", "address", "phone", "email", "birthday", "important",
	}
	mediumPriorityKeywords = []string{
		"like", "prefer", "event", "meeting", "remember", "don't forget",
	}
)

// Classify assigns a category by case-insensitive substring match. The
// first matching category wins; unmatched content is general.
func Classify(content string) memory.Category {
	in := strings.ToLower(content)
	for _, c := range categoryKeywords {
		if containsAny(in, c.keywords) {
			return c.category
		}
	}
	return memory.CategoryGeneral
}

// PriorityOf ranks content by how costly it would be to forget it.
func PriorityOf(content string) memory.Priority {
	in := strings.ToLower(content)
	switch {
	case containsAny(in, highPriorityKeywords):
		return memory.PriorityHigh
	case containsAny(in, mediumPriorityKeywords):
		return memory.PriorityMedium
	default:
		return memory.PriorityLow
	}
}

func containsAny(in string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(in, kw) {
			return true
		}
	}
	return false
}
