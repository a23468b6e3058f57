package longterm

import (
	"context"
	"runtime"
	"sort"
	"strconv"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/kazuki-shin/ambi/internal/memory"
)

const (
	metaSessionID = "session_id"
	metaRole      = "role"
	metaCategory  = "category"
	metaPriority  = "priority"
	metaTimestamp = "timestamp"
)

// ChromemIndex is an embedded vector index. Each namespace is one
// collection; records carry their fields as string metadata.
type ChromemIndex struct {
	db *chromem.DB
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex opens an index. An empty path keeps everything in memory;
// otherwise collections are persisted as gob files under path.
func NewChromemIndex(path string) (*ChromemIndex, error) {
	if path == "" {
		return &ChromemIndex{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, goerr.Wrap(err, "open chromem db", goerr.V("path", path))
	}
	return &ChromemIndex{db: db}, nil
}

func (x *ChromemIndex) Name() string { return "chromem" }

func (x *ChromemIndex) Upsert(ctx context.Context, namespace string, records []memory.Record) error {
	if len(records) == 0 {
		return nil
	}
	col, err := x.db.GetOrCreateCollection(namespace, nil, nil)
	if err != nil {
		return goerr.Wrap(err, "open collection", goerr.V("namespace", namespace))
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		docs = append(docs, chromem.Document{
			ID:        rec.ID,
			Metadata:  recordMetadata(rec),
			Embedding: rec.Embedding,
			Content:   rec.Content,
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return goerr.Wrap(err, "add documents", goerr.V("namespace", namespace), goerr.V("count", len(docs)))
	}
	return nil
}

func (x *ChromemIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, pred Predicate) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	col := x.db.GetCollection(namespace, nil)
	if col == nil {
		return nil, nil
	}
	// chromem rejects nResults above the collection size.
	n := min(topK, col.Count())
	if n == 0 {
		return nil, nil
	}

	var matches []Match
	for _, where := range chromemWhere(pred) {
		results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
		if err != nil {
			return nil, goerr.Wrap(err, "query collection", goerr.V("namespace", namespace))
		}
		for _, res := range results {
			rec, err := recordFromResult(res)
			if err != nil {
				return nil, err
			}
			if !pred.Matches(rec) {
				continue
			}
			matches = append(matches, Match{Record: rec, Score: float64(res.Similarity)})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (x *ChromemIndex) DeleteNamespace(_ context.Context, namespace string) error {
	if err := x.db.DeleteCollection(namespace); err != nil {
		return goerr.Wrap(err, "delete collection", goerr.V("namespace", namespace))
	}
	return nil
}

func (x *ChromemIndex) Close() error { return nil }

// chromemWhere expands a predicate into equality filters. chromem only
// supports equality, so a priority floor becomes one filter per admissible
// priority value.
func chromemWhere(pred Predicate) []map[string]string {
	base := map[string]string{}
	if pred.Filter.SessionID != "" {
		base[metaSessionID] = pred.Filter.SessionID
	}
	if pred.Filter.Role != "" {
		base[metaRole] = string(pred.Filter.Role)
	}
	if pred.Filter.Category != "" {
		base[metaCategory] = string(pred.Filter.Category)
	}
	if pred.MinPriority <= memory.PriorityLow {
		if len(base) == 0 {
			return []map[string]string{nil}
		}
		return []map[string]string{base}
	}

	out := make([]map[string]string, 0, int(memory.PriorityHigh-pred.MinPriority)+1)
	for p := pred.MinPriority; p <= memory.PriorityHigh; p++ {
		where := make(map[string]string, len(base)+1)
		for k, v := range base {
			where[k] = v
		}
		where[metaPriority] = strconv.Itoa(int(p))
		out = append(out, where)
	}
	return out
}

func recordMetadata(rec memory.Record) map[string]string {
	return map[string]string{
		metaSessionID: rec.SessionID,
		metaRole:      string(rec.Role),
		metaCategory:  string(rec.Category),
		metaPriority:  strconv.Itoa(int(rec.Priority)),
		metaTimestamp: strconv.FormatInt(rec.Timestamp, 10),
	}
}

func recordFromResult(res chromem.Result) (memory.Record, error) {
	ts, err := strconv.ParseInt(res.Metadata[metaTimestamp], 10, 64)
	if err != nil {
		return memory.Record{}, goerr.Wrap(err, "parse timestamp metadata", goerr.V("id", res.ID))
	}
	prio, err := strconv.Atoi(res.Metadata[metaPriority])
	if err != nil {
		return memory.Record{}, goerr.Wrap(err, "parse priority metadata", goerr.V("id", res.ID))
	}
	return memory.Record{
		ID:        res.ID,
		SessionID: res.Metadata[metaSessionID],
		Role:      memory.Role(res.Metadata[metaRole]),
		Content:   res.Content,
		Embedding: res.Embedding,
		Timestamp: ts,
		Category:  memory.Category(res.Metadata[metaCategory]),
		Priority:  memory.Priority(prio),
	}, nil
}
