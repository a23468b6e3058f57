package longterm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"

	"github.com/kazuki-shin/ambi/internal/memory"
)

// PGVectorIndex persists records in PostgreSQL with the pgvector
// extension. Namespaces share one table and are separated by a column.
type PGVectorIndex struct {
	pool *pgxpool.Pool
}

var _ Index = (*PGVectorIndex)(nil)

func NewPGVectorIndex(ctx context.Context, databaseURL string, dim int) (*PGVectorIndex, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "connect postgres")
	}

	if err := initSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}

	return &PGVectorIndex{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			category TEXT NOT NULL,
			priority SMALLINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_memory_records_ns_session ON memory_records (namespace, session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_embedding ON memory_records USING hnsw (embedding vector_cosine_ops);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return goerr.Wrap(err, "init schema failed", goerr.V("stmt", stmt))
		}
	}
	return nil
}

func (x *PGVectorIndex) Name() string { return "pgvector" }

func (x *PGVectorIndex) Upsert(ctx context.Context, namespace string, records []memory.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(
			`INSERT INTO memory_records (id, namespace, session_id, role, content, embedding, timestamp_ms, category, priority)
			 VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET
			   namespace = EXCLUDED.namespace,
			   session_id = EXCLUDED.session_id,
			   role = EXCLUDED.role,
			   content = EXCLUDED.content,
			   embedding = EXCLUDED.embedding,
			   timestamp_ms = EXCLUDED.timestamp_ms,
			   category = EXCLUDED.category,
			   priority = EXCLUDED.priority`,
			rec.ID,
			namespace,
			rec.SessionID,
			string(rec.Role),
			rec.Content,
			formatVector(rec.Embedding),
			rec.Timestamp,
			string(rec.Category),
			int16(rec.Priority),
		)
	}

	results := x.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return goerr.Wrap(err, "upsert memory record", goerr.V("namespace", namespace))
		}
	}
	return nil
}

func (x *PGVectorIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, pred Predicate) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	sql, args := buildQuery(namespace, formatVector(vector), topK, pred)
	rows, err := x.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "query memory records", goerr.V("namespace", namespace))
	}
	defer rows.Close()

	matches := make([]Match, 0, topK)
	for rows.Next() {
		var (
			m        Match
			role     string
			category string
			priority int16
		)
		if err := rows.Scan(&m.Record.ID, &m.Record.SessionID, &role, &m.Record.Content, &m.Record.Timestamp, &category, &priority, &m.Score); err != nil {
			return nil, goerr.Wrap(err, "scan memory record")
		}
		m.Record.Role = memory.Role(role)
		m.Record.Category = memory.Category(category)
		m.Record.Priority = memory.Priority(priority)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate memory records")
	}
	return matches, nil
}

func (x *PGVectorIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	if _, err := x.pool.Exec(ctx, `DELETE FROM memory_records WHERE namespace = $1`, namespace); err != nil {
		return goerr.Wrap(err, "delete namespace", goerr.V("namespace", namespace))
	}
	return nil
}

func (x *PGVectorIndex) Close() error {
	x.pool.Close()
	return nil
}

// buildQuery renders the similarity search. Score is cosine similarity,
// derived from pgvector's cosine distance operator.
func buildQuery(namespace, vector string, topK int, pred Predicate) (string, []any) {
	args := []any{vector, namespace}
	where := []string{"namespace = $2"}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if pred.Filter.SessionID != "" {
		add("session_id = $%d", pred.Filter.SessionID)
	}
	if pred.Filter.Role != "" {
		add("role = $%d", string(pred.Filter.Role))
	}
	if pred.Filter.Category != "" {
		add("category = $%d", string(pred.Filter.Category))
	}
	if pred.MinPriority > memory.PriorityLow {
		add("priority >= $%d", int16(pred.MinPriority))
	}
	args = append(args, topK)

	sql := `SELECT id, session_id, role, content, timestamp_ms, category, priority,
		1 - (embedding <=> $1::vector) AS score
		FROM memory_records
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY embedding <=> $1::vector
		LIMIT $` + strconv.Itoa(len(args))
	return sql, args
}

// formatVector renders a pgvector text literal such as "[0.1,0.2]".
func formatVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec) * 10)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
