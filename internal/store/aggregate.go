package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// AggregateQuery describes one aggregate call.
type AggregateQuery struct {
	UserIDs   []string
	Operation string // sum | avg | min | max | count
	Field     string // physicalized numeric column or JSONB dotted path
	Filters   Filters

	// GroupBy buckets by occurred_at: day | week | month.
	GroupBy string

	// GroupByAIField buckets by an ai_understanding top-level key.
	GroupByAIField string
}

// AggregateGroup is one bucket of a grouped aggregate.
type AggregateGroup struct {
	Key   string   `json:"key"`
	Value *float64 `json:"value"`
	Count int      `json:"count"`
}

// AggregateResult is either a scalar or a set of groups.
type AggregateResult struct {
	Value  *float64         `json:"value,omitempty"`
	Groups []AggregateGroup `json:"groups,omitempty"`
}

var aggregateOps = map[string]string{
	"sum":   "SUM",
	"avg":   "AVG",
	"min":   "MIN",
	"max":   "MAX",
	"count": "COUNT",
}

// Aggregate computes a numeric aggregate over matching memories.
// Over zero rows, sum and count yield 0 while avg/min/max yield null.
func (s *Store) Aggregate(ctx context.Context, q AggregateQuery) (*AggregateResult, error) {
	op, ok := aggregateOps[strings.ToLower(q.Operation)]
	if !ok {
		return nil, fmt.Errorf("unsupported aggregate operation %q", q.Operation)
	}

	expr, err := aggregateExpr(op, q.Field)
	if err != nil {
		return nil, err
	}

	groupExpr, err := groupExpr(q)
	if err != nil {
		return nil, err
	}

	where, args, _ := q.Filters.whereClause(q.UserIDs, 1)

	if groupExpr == "" {
		query := fmt.Sprintf("SELECT %s FROM memories %s", expr, where)
		var value sql.NullFloat64
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
			return nil, fmt.Errorf("aggregate: %w", err)
		}
		res := &AggregateResult{}
		if value.Valid {
			res.Value = &value.Float64
		} else if op == "SUM" || op == "COUNT" {
			zero := 0.0
			res.Value = &zero
		}
		return res, nil
	}

	query := fmt.Sprintf(
		"SELECT %s AS bucket, %s, COUNT(*) FROM memories %s GROUP BY bucket ORDER BY bucket",
		groupExpr, expr, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate grouped: %w", err)
	}
	defer rows.Close()

	res := &AggregateResult{Groups: []AggregateGroup{}}
	for rows.Next() {
		var (
			key   sql.NullString
			value sql.NullFloat64
			count int
		)
		if err := rows.Scan(&key, &value, &count); err != nil {
			return nil, fmt.Errorf("scan aggregate group: %w", err)
		}
		group := AggregateGroup{Key: key.String, Count: count}
		if value.Valid {
			group.Value = &value.Float64
		}
		res.Groups = append(res.Groups, group)
	}
	return res, rows.Err()
}

// aggregateExpr renders the aggregate expression. Field names are
// restricted to a safe identifier charset because they are interpolated.
func aggregateExpr(op, field string) (string, error) {
	if op == "COUNT" {
		return "COUNT(*)::float8", nil
	}
	if field == "" {
		field = "amount"
	}
	if !safeIdent(field) {
		return "", fmt.Errorf("invalid aggregate field %q", field)
	}

	switch field {
	case "amount", "value":
		return fmt.Sprintf("%s(%s)::float8", op, field), nil
	default:
		// Dotted path into ai_understanding, cast to numeric.
		path := strings.Join(strings.Split(field, "."), ",")
		return fmt.Sprintf("%s((ai_understanding#>>'{%s}')::numeric)::float8", op, path), nil
	}
}

func groupExpr(q AggregateQuery) (string, error) {
	switch {
	case q.GroupBy != "" && q.GroupByAIField != "":
		return "", fmt.Errorf("group_by and group_by_ai_field are mutually exclusive")
	case q.GroupBy != "":
		switch strings.ToLower(q.GroupBy) {
		case "day":
			return "to_char(date_trunc('day', occurred_at), 'YYYY-MM-DD')", nil
		case "week":
			return "to_char(date_trunc('week', occurred_at), 'IYYY-IW')", nil
		case "month":
			return "to_char(date_trunc('month', occurred_at), 'YYYY-MM')", nil
		default:
			return "", fmt.Errorf("unsupported group_by %q", q.GroupBy)
		}
	case q.GroupByAIField != "":
		if !safeIdent(q.GroupByAIField) || strings.Contains(q.GroupByAIField, ".") {
			return "", fmt.Errorf("invalid group_by_ai_field %q", q.GroupByAIField)
		}
		return fmt.Sprintf("ai_understanding->>'%s'", q.GroupByAIField), nil
	default:
		return "", nil
	}
}
