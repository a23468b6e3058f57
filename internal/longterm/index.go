package longterm

import (
	"context"

	"github.com/kazuki-shin/ambi/internal/memory"
)

// Predicate is the query-time metadata constraint pushed down to the
// vector index.
type Predicate struct {
	Filter      memory.Filter
	MinPriority memory.Priority
}

// Matches reports whether rec satisfies the predicate. Backends that
// cannot express a constraint natively use it to post-filter.
func (p Predicate) Matches(rec memory.Record) bool {
	if p.Filter.SessionID != "" && rec.SessionID != p.Filter.SessionID {
		return false
	}
	if p.Filter.Role != "" && rec.Role != p.Filter.Role {
		return false
	}
	if p.Filter.Category != "" && rec.Category != p.Filter.Category {
		return false
	}
	return p.MinPriority <= 0 || rec.Priority >= p.MinPriority
}

// Match is one nearest-neighbour hit. Score is cosine similarity.
type Match struct {
	Record memory.Record
	Score  float64
}

// Index is a vector store partitioned by namespace.
type Index interface {
	Name() string
	Upsert(ctx context.Context, namespace string, records []memory.Record) error
	// Query returns at most topK matches ordered by descending score.
	Query(ctx context.Context, namespace string, vector []float32, topK int, pred Predicate) ([]Match, error)
	DeleteNamespace(ctx context.Context, namespace string) error
	Close() error
}
