package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/guanpeibj/family-ai-assistant/internal/toolservice"
)

func newTestExecutor(tools *fakeTools) *Executor {
	return NewExecutor(tools, 0, DefaultVerifyMaxRounds, testLogger(), nil)
}

func queryAnalysis(steps ...ToolStep) *Analysis {
	return &Analysis{
		Understanding: Understanding{
			Intent:     "query",
			NeedAction: true,
			Entities:   map[string]any{"scope": "family"},
		},
		ToolPlan: ToolPlan{Steps: steps},
	}
}

func TestFamilyScopeInjectsPrincipalSetWithoutThreadFilter(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return searchHit("m1"), nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "search", Args: map[string]any{
		"filters": map[string]any{"type": "budget"},
	}})
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)
	if result.Failed() {
		t.Fatalf("execution failed: %+v", result.Results)
	}

	call := tools.callsTo("search")[0]
	ids, ok := call.Params["user_id"].([]any)
	if !ok || len(ids) != 4 {
		t.Fatalf("user_id = %v, want the 4-principal family set", call.Params["user_id"])
	}
	filters := call.Params["filters"].(map[string]any)
	if _, has := filters["thread_id"]; has {
		t.Error("family scope must not add a thread_id filter")
	}
}

func TestThreadScopeAddsThreadFilter(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return searchHit("m1"), nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "search", Args: map[string]any{}})
	analysis.Understanding.Entities["scope"] = "thread"
	exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	call := tools.callsTo("search")[0]
	if call.Params["user_id"] != "p-dad" {
		t.Errorf("user_id = %v, want current principal", call.Params["user_id"])
	}
	filters := call.Params["filters"].(map[string]any)
	if filters["thread_id"] != "t1" {
		t.Errorf("thread filter = %v, want t1", filters["thread_id"])
	}
}

func TestScheduleReminderInheritsMessageChannel(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return map[string]any{"reminder_id": "r1"}, nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "schedule_reminder", Args: map[string]any{
		"payload":   "打疫苗",
		"remind_at": "2026-09-01T09:00:00Z",
	}})
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)
	if result.Failed() {
		t.Fatalf("execution failed: %+v", result.Results)
	}

	call := tools.callsTo("schedule_reminder")[0]
	if call.Params["channel"] != "threema" {
		t.Errorf("channel = %v, want the originating channel", call.Params["channel"])
	}
}

func TestScheduleReminderKeepsPlannedChannel(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return map[string]any{"reminder_id": "r1"}, nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "schedule_reminder", Args: map[string]any{
		"payload":   "交房租",
		"remind_at": "2026-09-01T09:00:00Z",
		"channel":   "telegram",
	}})
	exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	call := tools.callsTo("schedule_reminder")[0]
	if call.Params["channel"] != "telegram" {
		t.Errorf("channel = %v, the planned channel must win", call.Params["channel"])
	}
}

func TestUnresolvablePersonFailsStepWithToolPlanningError(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return searchHit("m1"), nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "search", Args: map[string]any{}})
	analysis.Understanding.Entities = map[string]any{"scope": "personal", "person_key": "cousin"}
	analysis.Understanding.NeedAction = false
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if len(result.Results) != 1 || result.Results[0].Error == nil {
		t.Fatalf("results = %+v, want one failed step", result.Results)
	}
	if result.Results[0].Error.Kind != KindToolPlanning {
		t.Errorf("kind = %s, want tool_planning", result.Results[0].Error.Kind)
	}
	if len(tools.calls) != 0 {
		t.Error("failed resolution must not dispatch the tool")
	}
}

func TestLastStoreIDFlowsAcrossSteps(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		if name == "store" {
			return map[string]any{"success": true, "id": "mem-42"}, nil
		}
		return map[string]any{"success": true, "id": "r1"}, nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(
		ToolStep{Tool: "store", Args: map[string]any{"user_id": "p-dad", "content": "打疫苗"}},
		ToolStep{Tool: "schedule_reminder", Args: map[string]any{
			"user_id":   "p-dad",
			"memory_id": "$LAST_STORE_ID",
			"remind_at": "2025-10-18T01:00:00Z",
			"payload":   "打疫苗",
		}},
	)
	analysis.Understanding.NeedAction = false
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if result.LastStoreID != "mem-42" {
		t.Errorf("last store id = %q", result.LastStoreID)
	}
	call := tools.callsTo("schedule_reminder")[0]
	if call.Params["memory_id"] != "mem-42" {
		t.Errorf("memory_id = %v, want mem-42", call.Params["memory_id"])
	}
}

func TestMissingLastStoreIDSkipsStep(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return map[string]any{"success": true}, nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "soft_delete", Args: map[string]any{
		"memory_id": "$LAST_STORE_ID",
	}})
	analysis.Understanding.NeedAction = false
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if result.Results[0].Error == nil || result.Results[0].Error.Kind != KindToolPlanning {
		t.Errorf("result = %+v, want tool_planning error", result.Results[0])
	}
	if len(tools.calls) != 0 {
		t.Error("unresolvable reference must skip dispatch")
	}
}

func TestUseContextSubstitutesPayload(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return map[string]any{"success": true, "id": "m1"}, nil
	}}
	exec := newTestExecutor(tools)

	payload := map[string]any{
		"recent": []any{map[string]any{"id": "old-1"}},
	}
	analysis := queryAnalysis(ToolStep{Tool: "store", Args: map[string]any{
		"user_id": "p-dad",
		"content": "x",
		"ai_data": map[string]any{
			"type":    "note",
			"related": map[string]any{"use_context": "recent"},
		},
	}})
	analysis.Understanding.NeedAction = false
	exec.Execute(context.Background(), testMessage(), analysis, familyView(), payload, nil)

	aiData := tools.callsTo("store")[0].Params["ai_data"].(map[string]any)
	related, ok := aiData["related"].([]any)
	if !ok || len(related) != 1 {
		t.Errorf("related = %v, want substituted context payload", aiData["related"])
	}
}

func TestArgFromStepPicksPath(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		if name == "aggregate" {
			return map[string]any{"value": 11500.0}, nil
		}
		return map[string]any{"success": true, "id": "m1"}, nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(
		ToolStep{Tool: "aggregate", Args: map[string]any{
			"user_id": "p-dad", "operation": "sum", "field": "amount",
		}},
		ToolStep{Tool: "store", Args: map[string]any{
			"user_id": "p-dad",
			"content": "总计",
			"ai_data": map[string]any{
				"type":  "note",
				"total": map[string]any{"arg_from_step": 0, "path": "value"},
			},
		}},
	)
	analysis.Understanding.NeedAction = false
	exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	aiData := tools.callsTo("store")[0].Params["ai_data"].(map[string]any)
	if aiData["total"] != 11500.0 {
		t.Errorf("total = %v, want 11500", aiData["total"])
	}
}

func TestSoftUpsertRewritesToUpdate(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		switch name {
		case "search":
			return searchHit("existing-1"), nil
		case "update_memory_fields":
			return map[string]any{"success": true, "id": "existing-1"}, nil
		}
		return map[string]any{"success": true, "id": "new-1"}, nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "store", Args: map[string]any{
		"user_id": "p-dad",
		"content": "订单#X",
		"ai_data": map[string]any{"type": "expense", "amount": 50, "external_id": "X"},
	}})
	analysis.Understanding.NeedAction = false
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if len(tools.callsTo("store")) != 0 {
		t.Error("store must be rewritten, not dispatched")
	}
	update := tools.callsTo("update_memory_fields")
	if len(update) != 1 || update[0].Params["memory_id"] != "existing-1" {
		t.Fatalf("update calls = %+v", update)
	}
	probe := tools.callsTo("search")[0].Params["filters"].(map[string]any)["jsonb_equals"].(map[string]any)
	if probe["external_id"] != "X" || probe["type"] != "expense" {
		t.Errorf("upsert probe = %v", probe)
	}
	if result.Results[0].Tool != "update_memory_fields" {
		t.Errorf("recorded tool = %s", result.Results[0].Tool)
	}
}

func TestSoftUpsertMissFallsThroughToStore(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		if name == "search" {
			return emptySearch(), nil
		}
		return map[string]any{"success": true, "id": "new-1"}, nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "store", Args: map[string]any{
		"user_id": "p-dad",
		"content": "订单#Y",
		"ai_data": map[string]any{"type": "expense", "external_id": "Y"},
	}})
	analysis.Understanding.NeedAction = false
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if len(tools.callsTo("store")) != 1 {
		t.Error("miss must fall through to store")
	}
	if result.LastStoreID != "new-1" {
		t.Errorf("last store id = %q", result.LastStoreID)
	}
}

func TestEmbeddingAttachedToStoreAndSearch(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		if name == "search" {
			return searchHit("m1"), nil
		}
		return map[string]any{"success": true, "id": "m2"}, nil
	}}
	exec := newTestExecutor(tools)
	embedder := &fakeEmbedder{}

	analysis := queryAnalysis(
		ToolStep{Tool: "store", Args: map[string]any{"user_id": "p-dad", "content": "买菜80元", "ai_data": map[string]any{"type": "expense"}}},
		ToolStep{Tool: "search", Args: map[string]any{"user_id": "p-dad", "query": "买菜"}},
	)
	analysis.Understanding.NeedAction = false
	exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, embedder)

	if tools.callsTo("store")[0].Params["embedding"] == nil {
		t.Error("store call missing embedding")
	}
	if tools.callsTo("search")[0].Params["query_embedding"] == nil {
		t.Error("search call missing query_embedding")
	}
}

func TestEmbeddingFailureDegradesToPredicateSearch(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return searchHit("m1"), nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "search", Args: map[string]any{"user_id": "p-dad", "query": "买菜"}})
	analysis.Understanding.NeedAction = false
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, &fakeEmbedder{fail: true})

	if result.Failed() {
		t.Fatalf("embedding failure must not fail the step: %+v", result.Results)
	}
	if tools.callsTo("search")[0].Params["query_embedding"] != nil {
		t.Error("degraded search should carry no vector")
	}
}

func TestToolTimeoutIsCapturedAndPlanContinues(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		if name == "search" {
			return nil, toolservice.Errf(toolservice.KindTimeout, "search exceeded its 3s budget")
		}
		return map[string]any{"success": true, "id": "m1"}, nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(
		ToolStep{Tool: "search", Args: map[string]any{"user_id": "p-dad", "query": "x"}},
		ToolStep{Tool: "store", Args: map[string]any{"user_id": "p-dad", "content": "still runs", "ai_data": map[string]any{"type": "note"}}},
	)
	analysis.Understanding.NeedAction = false
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if result.Results[0].Error == nil || result.Results[0].Error.Kind != KindToolTimeout {
		t.Errorf("first step = %+v, want captured timeout", result.Results[0])
	}
	if result.Results[1].Error != nil {
		t.Errorf("second step should still run: %+v", result.Results[1])
	}
}

func TestPlanCappedAtMaxSteps(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return searchHit("m1"), nil
	}}
	exec := NewExecutor(tools, 2, 0, testLogger(), nil)

	analysis := queryAnalysis(
		ToolStep{Tool: "search", Args: map[string]any{"user_id": "p-dad"}},
		ToolStep{Tool: "search", Args: map[string]any{"user_id": "p-dad"}},
		ToolStep{Tool: "search", Args: map[string]any{"user_id": "p-dad"}},
	)
	analysis.Understanding.NeedAction = false
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if len(result.Results) != 2 {
		t.Errorf("results = %d, want plan capped at 2", len(result.Results))
	}
}

func TestVerificationBroadensEmptyRetrieval(t *testing.T) {
	searches := 0
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		searches++
		if searches == 1 {
			return emptySearch(), nil
		}
		return searchHit("found-later"), nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "search", Args: map[string]any{
		"user_id": "p-dad",
		"query":   "预算",
		"filters": map[string]any{"type": "budget", "category": "monthly"},
	}})
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if result.Verified == 0 {
		t.Fatal("empty retrieval should trigger verification")
	}
	refined := tools.callsTo("search")[1].Params
	filters, _ := refined["filters"].(map[string]any)
	if filters["type"] != nil || filters["category"] != nil {
		t.Errorf("refined filters = %v, want predicates dropped", filters)
	}
	last := result.Results[len(result.Results)-1]
	if last.Error != nil {
		t.Errorf("refined result = %+v", last)
	}
	var out struct {
		Total int `json:"total"`
	}
	json.Unmarshal(last.Result, &out)
	if out.Total != 1 {
		t.Errorf("refined total = %d, want 1", out.Total)
	}
}

func TestVerificationBoundedByMaxRounds(t *testing.T) {
	tools := &fakeTools{handler: func(name string, params map[string]any) (any, error) {
		return emptySearch(), nil
	}}
	exec := newTestExecutor(tools)

	analysis := queryAnalysis(ToolStep{Tool: "search", Args: map[string]any{"user_id": "p-dad", "query": "x"}})
	result := exec.Execute(context.Background(), testMessage(), analysis, familyView(), nil, nil)

	if result.Verified != DefaultVerifyMaxRounds {
		t.Errorf("verified = %d, want %d", result.Verified, DefaultVerifyMaxRounds)
	}
	// 1 planned + 2 refinements.
	if got := len(tools.callsTo("search")); got != 3 {
		t.Errorf("total searches = %d, want 3", got)
	}
}
