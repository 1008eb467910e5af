package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestAggregateExprColumns(t *testing.T) {
	expr, err := aggregateExpr("SUM", "amount")
	if err != nil || expr != "SUM(amount)::float8" {
		t.Errorf("expr = %q, err = %v", expr, err)
	}

	expr, err = aggregateExpr("AVG", "entities.score")
	if err != nil {
		t.Fatalf("jsonb path expr: %v", err)
	}
	if expr != "AVG((ai_understanding#>>'{entities,score}')::numeric)::float8" {
		t.Errorf("expr = %q", expr)
	}

	if _, err := aggregateExpr("SUM", "amount; DROP TABLE"); err == nil {
		t.Error("expected rejection of unsafe field")
	}
}

func TestAggregateUnsupportedOperation(t *testing.T) {
	s, _ := newMockStore(t)
	if _, err := s.Aggregate(context.Background(), AggregateQuery{Operation: "median"}); err == nil {
		t.Error("expected error for unsupported operation")
	}
}

func TestAggregateSumOverZeroRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT SUM\(amount\)::float8 FROM memories`).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(nil))

	res, err := s.Aggregate(context.Background(), AggregateQuery{
		UserIDs:   []string{"u-1"},
		Operation: "sum",
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Value == nil || *res.Value != 0 {
		t.Errorf("sum over zero rows = %v, want 0", res.Value)
	}
}

func TestAggregateAvgOverZeroRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT AVG\(amount\)::float8 FROM memories`).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(nil))

	res, err := s.Aggregate(context.Background(), AggregateQuery{
		UserIDs:   []string{"u-1"},
		Operation: "avg",
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Value != nil {
		t.Errorf("avg over zero rows = %v, want null", *res.Value)
	}
}

func TestAggregateGroupedByMonth(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"bucket", "sum", "count"}).
		AddRow("2025-09", 900.0, 12).
		AddRow("2025-10", 1150.0, 15)
	mock.ExpectQuery(`date_trunc\('month', occurred_at\)`).WillReturnRows(rows)

	res, err := s.Aggregate(context.Background(), AggregateQuery{
		UserIDs:   []string{"u-1"},
		Operation: "sum",
		GroupBy:   "month",
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(res.Groups) != 2 || res.Groups[1].Key != "2025-10" || *res.Groups[1].Value != 1150.0 {
		t.Errorf("groups = %+v", res.Groups)
	}
}

func TestGroupExprValidation(t *testing.T) {
	if _, err := groupExpr(AggregateQuery{GroupBy: "year"}); err == nil {
		t.Error("expected error for unsupported group_by")
	}
	if _, err := groupExpr(AggregateQuery{GroupBy: "day", GroupByAIField: "category"}); err == nil {
		t.Error("expected error for mutually exclusive grouping")
	}
	if _, err := groupExpr(AggregateQuery{GroupByAIField: "a.b"}); err == nil {
		t.Error("expected error for dotted ai field")
	}
}
