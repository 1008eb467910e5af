package store

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEffectiveLimit(t *testing.T) {
	tests := []struct {
		name         string
		limit        int
		sharedThread bool
		want         int
	}{
		{"default", 0, false, DefaultSearchLimit},
		{"explicit", 5, false, 5},
		{"hard cap", 500, false, MaxSearchLimit},
		{"shared thread cap", 100, true, SharedThreadSearchLimit},
		{"shared thread under cap", 10, true, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Filters{Limit: tt.limit}
			if got := f.EffectiveLimit(tt.sharedThread); got != tt.want {
				t.Errorf("EffectiveLimit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWhereClauseSingleUser(t *testing.T) {
	f := Filters{Type: "expense", ThreadID: "t-1"}
	where, args, next := f.whereClause([]string{"u-1"}, 1)

	if !strings.Contains(where, "user_id = $1") {
		t.Errorf("where = %q, want single user_id equality", where)
	}
	if !strings.Contains(where, "type = $2") || !strings.Contains(where, "thread_id = $3") {
		t.Errorf("where = %q", where)
	}
	if !strings.Contains(where, "(ai_understanding->>'deleted') IS DISTINCT FROM 'true'") {
		t.Errorf("where = %q, want default deleted exclusion", where)
	}
	if len(args) != 3 || next != 4 {
		t.Errorf("args = %v, next = %d", args, next)
	}
}

func TestWhereClauseUserList(t *testing.T) {
	f := Filters{}
	where, args, _ := f.whereClause([]string{"family_default", "u-1", "u-2"}, 1)
	if !strings.Contains(where, "user_id = ANY($1)") {
		t.Errorf("where = %q, want ANY for a principal list", where)
	}
	if len(args) != 1 {
		t.Errorf("args = %v", args)
	}
}

func TestWhereClauseJSONBEquals(t *testing.T) {
	f := Filters{JSONBEquals: map[string]any{"external_id": "X", "type": "expense"}}
	where, args, _ := f.whereClause(nil, 1)
	if !strings.Contains(where, "ai_understanding @> $1::jsonb") {
		t.Errorf("where = %q, want containment predicate", where)
	}
	doc, ok := args[0].(string)
	if !ok || !strings.Contains(doc, `"external_id":"X"`) {
		t.Errorf("containment arg = %v", args[0])
	}
}

func TestUnknownFilterKeysAreDroppedAtDecode(t *testing.T) {
	var f Filters
	raw := []byte(`{"type": "expense", "mood": "urgent", "jsonb_equals": {"tag": "food"}}`)
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatal(err)
	}

	// Keys outside the grammar vanish silently; only jsonb_equals
	// reaches ai_understanding.
	if len(f.JSONBEquals) != 1 || f.JSONBEquals["tag"] != "food" {
		t.Errorf("jsonb_equals = %v", f.JSONBEquals)
	}
	where, args, _ := f.whereClause(nil, 1)
	if strings.Contains(where, "mood") {
		t.Errorf("where = %q, unknown key leaked into SQL", where)
	}
	for _, a := range args {
		if s, ok := a.(string); ok && strings.Contains(s, "mood") {
			t.Errorf("args = %v, unknown key leaked into a predicate", args)
		}
	}
}

func TestWhereClauseDeletedOverride(t *testing.T) {
	deleted := true
	f := Filters{Deleted: &deleted}
	where, _, _ := f.whereClause(nil, 1)
	if !strings.Contains(where, "(ai_understanding->>'deleted') = 'true'") {
		t.Errorf("where = %q, want deleted-only predicate", where)
	}
}

func TestWhereClauseDateWindow(t *testing.T) {
	f := Filters{DateFrom: "2025-10-01", DateTo: "2025-10-31T23:59:59Z"}
	where, args, _ := f.whereClause(nil, 1)
	if !strings.Contains(where, "occurred_at >= $1") || !strings.Contains(where, "occurred_at <= $2") {
		t.Errorf("where = %q", where)
	}
	if len(args) != 2 {
		t.Errorf("args = %v", args)
	}
}

func TestSafeIdent(t *testing.T) {
	for _, ok := range []string{"amount", "entities.score", "a_b.c1"} {
		if !safeIdent(ok) {
			t.Errorf("safeIdent(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"", "a'b", "a;drop table", "a b"} {
		if safeIdent(bad) {
			t.Errorf("safeIdent(%q) = true, want false", bad)
		}
	}
}
