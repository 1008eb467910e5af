package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

// Filter limits applied to every search.
const (
	DefaultSearchLimit      = 20
	MaxSearchLimit          = 200
	SharedThreadSearchLimit = 30
)

// Filters is the domain-agnostic filter grammar accepted by search and
// aggregate. Keys outside this shape are dropped at decode time; ad-hoc
// ai_understanding predicates must be spelled out under jsonb_equals.
type Filters struct {
	Type     string `json:"type,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Category string `json:"category,omitempty"`
	Person   string `json:"person,omitempty"`
	Metric   string `json:"metric,omitempty"`
	Subject  string `json:"subject,omitempty"`

	DateFrom string `json:"date_from,omitempty"`
	DateTo   string `json:"date_to,omitempty"`

	AmountMin *float64 `json:"amount_min,omitempty"`
	AmountMax *float64 `json:"amount_max,omitempty"`

	// JSONBEquals becomes an ai_understanding @> containment predicate.
	JSONBEquals map[string]any `json:"jsonb_equals,omitempty"`

	// Deleted overrides the default exclusion of soft-deleted rows.
	Deleted *bool `json:"deleted,omitempty"`

	Limit int `json:"limit,omitempty"`
}

// EffectiveLimit applies the default and hard caps.
func (f Filters) EffectiveLimit(sharedThread bool) int {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	if sharedThread && limit > SharedThreadSearchLimit {
		limit = SharedThreadSearchLimit
	}
	return limit
}

// whereClause renders the filters into SQL conditions. argNum is the next
// positional placeholder; the updated value is returned together with the
// collected args.
func (f Filters) whereClause(userIDs []string, argNum int) (string, []any, int) {
	var conds []string
	var args []any

	add := func(cond string, value any) {
		conds = append(conds, fmt.Sprintf(cond, argNum))
		args = append(args, value)
		argNum++
	}

	switch len(userIDs) {
	case 0:
	case 1:
		add("user_id = $%d", userIDs[0])
	default:
		add("user_id = ANY($%d)", pq.Array(userIDs))
	}

	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.ThreadID != "" {
		add("thread_id = $%d", f.ThreadID)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Person != "" {
		add("person = $%d", f.Person)
	}
	if f.Metric != "" {
		add("metric = $%d", f.Metric)
	}
	if f.Subject != "" {
		add("subject = $%d", f.Subject)
	}

	if t, ok := parseFilterTime(f.DateFrom); ok {
		add("occurred_at >= $%d", t)
	}
	if t, ok := parseFilterTime(f.DateTo); ok {
		add("occurred_at <= $%d", t)
	}
	if f.AmountMin != nil {
		add("amount >= $%d", *f.AmountMin)
	}
	if f.AmountMax != nil {
		add("amount <= $%d", *f.AmountMax)
	}

	if len(f.JSONBEquals) > 0 {
		if doc, err := json.Marshal(f.JSONBEquals); err == nil {
			add("ai_understanding @> $%d::jsonb", string(doc))
		}
	}

	// Soft-deleted rows are invisible unless the caller opts in.
	if f.Deleted == nil || !*f.Deleted {
		conds = append(conds, "(ai_understanding->>'deleted') IS DISTINCT FROM 'true'")
	} else {
		conds = append(conds, "(ai_understanding->>'deleted') = 'true'")
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + joinAnd(conds)
	}
	return where, args, argNum
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

func parseFilterTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var identRe = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

// safeIdent reports whether a caller-supplied field name is safe to
// interpolate (aggregate JSONB paths and group fields).
func safeIdent(s string) bool {
	return s != "" && len(s) <= 128 && identRe.MatchString(s)
}
