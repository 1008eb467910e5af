package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Memory is one persisted observation. AIUnderstanding is an open bag;
// the typed fields mirror the physicalized columns generated from it.
type Memory struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Content         string         `json:"content"`
	AIUnderstanding map[string]any `json:"ai_understanding"`
	Embedding       []float32      `json:"-"`

	Amount     *float64   `json:"amount,omitempty"`
	Value      *float64   `json:"value,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	Type       string     `json:"type,omitempty"`
	ThreadID   string     `json:"thread_id,omitempty"`
	Category   string     `json:"category,omitempty"`
	Person     string     `json:"person,omitempty"`
	Metric     string     `json:"metric,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`

	Similarity *float64 `json:"similarity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// physical holds the columns derived from ai_understanding.
type physical struct {
	Amount     *float64
	Value      *float64
	OccurredAt *time.Time
	Type       string
	ThreadID   string
	Category   string
	Person     string
	Metric     string
	Subject    string
	ExternalID string
}

// physicalize derives indexed columns from the understanding bag.
// Coercion is best-effort: strings that fail to parse leave the column
// null rather than failing the write.
func physicalize(ai map[string]any) physical {
	var p physical
	if ai == nil {
		return p
	}

	entities, _ := ai["entities"].(map[string]any)
	lookup := func(key string) (any, bool) {
		if v, ok := ai[key]; ok && v != nil {
			return v, true
		}
		if entities != nil {
			if v, ok := entities[key]; ok && v != nil {
				return v, true
			}
		}
		return nil, false
	}

	if v, ok := lookup("amount"); ok {
		p.Amount = coerceNumber(v)
	}
	if v, ok := lookup("value"); ok {
		p.Value = coerceNumber(v)
	}
	if v, ok := lookup("occurred_at"); ok {
		p.OccurredAt = coerceTime(v)
	}

	p.Type = stringField(ai, "type")
	p.ThreadID = stringField(ai, "thread_id")
	p.Category = stringField(ai, "category")
	p.Metric = stringField(ai, "metric")
	p.Subject = stringField(ai, "subject")
	p.ExternalID = stringField(ai, "external_id")

	p.Person = stringField(ai, "person")
	if p.Person == "" {
		p.Person = stringField(ai, "person_key")
	}
	if p.Person == "" && entities != nil {
		p.Person = stringField(entities, "person")
		if p.Person == "" {
			p.Person = stringField(entities, "person_key")
		}
	}

	return p
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func coerceNumber(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case float32:
		f := float64(n)
		return &f
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return &f
		}
	}
	return nil
}

func coerceTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		if parsed, ok := parseFilterTime(t); ok {
			return &parsed
		}
	}
	return nil
}

const memoryColumns = `id, user_id, content, ai_understanding, COALESCE(embedding::text, ''),
	amount, value, occurred_at, type, thread_id, category, person, metric, subject,
	external_id, created_at, updated_at`

// execer abstracts *sql.DB and *sql.Tx for writes.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertMemory stores a memory and returns its ID. The ID is time-sortable
// (UUIDv7). Content must be non-empty.
func (s *Store) InsertMemory(ctx context.Context, m *Memory) (string, error) {
	return insertMemory(ctx, s.db, m)
}

// InsertMemories stores several memories in one transaction, so partial
// batches are never observable.
func (s *Store) InsertMemories(ctx context.Context, ms []*Memory) ([]string, error) {
	ids := make([]string, 0, len(ms))
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range ms {
			id, err := insertMemory(ctx, tx, m)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func insertMemory(ctx context.Context, db execer, m *Memory) (string, error) {
	if strings.TrimSpace(m.Content) == "" {
		return "", fmt.Errorf("memory content must not be empty")
	}
	if m.UserID == "" {
		return "", fmt.Errorf("memory user_id must not be empty")
	}
	if m.ID == "" {
		m.ID = newID()
	}
	if m.AIUnderstanding == nil {
		m.AIUnderstanding = map[string]any{}
	}

	p := physicalize(m.AIUnderstanding)
	m.Amount, m.Value, m.OccurredAt = p.Amount, p.Value, p.OccurredAt
	m.Type, m.ThreadID, m.Category = p.Type, p.ThreadID, p.Category
	m.Person, m.Metric, m.Subject, m.ExternalID = p.Person, p.Metric, p.Subject, p.ExternalID

	doc, err := json.Marshal(m.AIUnderstanding)
	if err != nil {
		return "", fmt.Errorf("marshal ai_understanding: %w", err)
	}

	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, content, ai_understanding, embedding,
			amount, value, occurred_at, type, thread_id, category, person, metric, subject,
			external_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, NULLIF($5, '')::vector,
			$6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
			NULLIF($13, ''), NULLIF($14, ''), NULLIF($15, ''), $16, $17)
	`,
		m.ID, m.UserID, m.Content, string(doc), encodeVector(m.Embedding),
		m.Amount, m.Value, m.OccurredAt, p.Type, p.ThreadID, p.Category, p.Person,
		p.Metric, p.Subject, p.ExternalID, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}

	m.CreatedAt, m.UpdatedAt = now, now
	return m.ID, nil
}

// GetMemory fetches one memory by ID, regardless of deletion flag.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpdateMemoryFields shallow-merges fields into ai_understanding and
// refreshes the physicalized columns, in one transaction.
func (s *Store) UpdateMemoryFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT ai_understanding FROM memories WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("memory %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock memory: %w", err)
		}

		merged := map[string]any{}
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("decode ai_understanding: %w", err)
		}
		for k, v := range fields {
			merged[k] = v
		}

		doc, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal ai_understanding: %w", err)
		}

		p := physicalize(merged)
		_, err = tx.ExecContext(ctx, `
			UPDATE memories SET ai_understanding = $2::jsonb,
				amount = $3, value = $4, occurred_at = $5,
				type = NULLIF($6, ''), thread_id = NULLIF($7, ''), category = NULLIF($8, ''),
				person = NULLIF($9, ''), metric = NULLIF($10, ''), subject = NULLIF($11, ''),
				external_id = NULLIF($12, ''), updated_at = $13
			WHERE id = $1
		`, id, string(doc), p.Amount, p.Value, p.OccurredAt, p.Type, p.ThreadID,
			p.Category, p.Person, p.Metric, p.Subject, p.ExternalID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("update memory: %w", err)
		}
		return nil
	})
}

// SoftDeleteMemory flips the deleted flag. Rows are never hard-deleted.
func (s *Store) SoftDeleteMemory(ctx context.Context, id string) error {
	return s.UpdateMemoryFields(ctx, id, map[string]any{"deleted": true})
}

// SearchQuery describes one search call.
type SearchQuery struct {
	// UserIDs is the principal scope; one or more IDs.
	UserIDs []string

	// Query enables trigram ranking when no embedding is given.
	Query string

	// QueryEmbedding enables cosine ranking.
	QueryEmbedding []float32

	Filters Filters

	// SharedThread caps the result size at the shared-thread limit.
	SharedThread bool
}

// SearchMemories returns ranked memories per the filter grammar.
// Ranking: cosine when an embedding is given, trigram similarity when
// only query text is given, newest-first otherwise.
func (s *Store) SearchMemories(ctx context.Context, q SearchQuery) ([]*Memory, error) {
	limit := q.Filters.EffectiveLimit(q.SharedThread)

	var (
		sb     strings.Builder
		args   []any
		argNum = 1
	)

	sb.WriteString("SELECT " + memoryColumns)

	switch {
	case len(q.QueryEmbedding) > 0:
		sb.WriteString(fmt.Sprintf(", 1 - (embedding <=> $%d::vector) AS similarity", argNum))
		args = append(args, encodeVector(q.QueryEmbedding))
		argNum++
	case q.Query != "":
		sb.WriteString(fmt.Sprintf(", similarity(content, $%d) AS similarity", argNum))
		args = append(args, q.Query)
		argNum++
	}

	sb.WriteString(" FROM memories ")

	where, whereArgs, argNum := q.Filters.whereClause(q.UserIDs, argNum)
	sb.WriteString(where)
	args = append(args, whereArgs...)

	switch {
	case len(q.QueryEmbedding) > 0:
		if where == "" {
			sb.WriteString("WHERE embedding IS NOT NULL ")
		} else {
			sb.WriteString(" AND embedding IS NOT NULL ")
		}
		sb.WriteString(" ORDER BY embedding <=> $1::vector ASC")
	case q.Query != "":
		sb.WriteString(" ORDER BY similarity(content, $1) DESC, occurred_at DESC NULLS LAST")
	default:
		sb.WriteString(" ORDER BY occurred_at DESC NULLS LAST, created_at DESC")
	}

	sb.WriteString(fmt.Sprintf(" LIMIT $%d", argNum))
	args = append(args, limit)

	hasSimilarity := len(q.QueryEmbedding) > 0 || q.Query != ""
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows, hasSimilarity)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMemories counts rows matching the filters for the given scope.
func (s *Store) CountMemories(ctx context.Context, userIDs []string, filters Filters) (int, error) {
	where, args, _ := filters.whereClause(userIDs, 1)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	return scanInto(row, false)
}

func scanMemoryRows(rows *sql.Rows, hasSimilarity bool) (*Memory, error) {
	return scanInto(rows, hasSimilarity)
}

func scanInto(row rowScanner, hasSimilarity bool) (*Memory, error) {
	var (
		m          Memory
		doc        []byte
		vecText    string
		amount     sql.NullFloat64
		value      sql.NullFloat64
		occurredAt sql.NullTime
		typ        sql.NullString
		threadID   sql.NullString
		category   sql.NullString
		person     sql.NullString
		metric     sql.NullString
		subject    sql.NullString
		externalID sql.NullString
		similarity sql.NullFloat64
	)

	dest := []any{
		&m.ID, &m.UserID, &m.Content, &doc, &vecText,
		&amount, &value, &occurredAt, &typ, &threadID, &category, &person,
		&metric, &subject, &externalID, &m.CreatedAt, &m.UpdatedAt,
	}
	if hasSimilarity {
		dest = append(dest, &similarity)
	}
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan memory: %w", err)
	}

	if err := json.Unmarshal(doc, &m.AIUnderstanding); err != nil {
		return nil, fmt.Errorf("decode ai_understanding: %w", err)
	}
	if vec, err := decodeVector(vecText); err == nil {
		m.Embedding = vec
	}

	if amount.Valid {
		m.Amount = &amount.Float64
	}
	if value.Valid {
		m.Value = &value.Float64
	}
	if occurredAt.Valid {
		t := occurredAt.Time
		m.OccurredAt = &t
	}
	m.Type, m.ThreadID, m.Category = typ.String, threadID.String, category.String
	m.Person, m.Metric, m.Subject = person.String, metric.String, subject.String
	m.ExternalID = externalID.String
	if similarity.Valid {
		m.Similarity = &similarity.Float64
	}
	return &m, nil
}

// newID returns a time-sortable unique ID. UUIDv7 embeds a millisecond
// timestamp; fall back to v4 only if entropy fails.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
