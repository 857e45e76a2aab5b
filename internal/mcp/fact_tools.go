package mcp

import (
	"context"
	"errors"
	"time"

	"chatkeeper/internal/mangle"
)

var errEngineUnavailable = errors.New("telemetry engine disabled")

type FactsTool struct {
	engine *mangle.Engine
}

func (t *FactsTool) Name() string { return "agent-facts" }
func (t *FactsTool) Description() string {
	return `Read recent telemetry facts (newest last).

Predicates: proactive_click(Rule, Kind, Target, At), recovery_started(Session, Scenario, At),
recovery_click(Session, Scenario, Target, At), recovery_outcome(Session, Scenario, Outcome, At),
backup_plan(Session, Outcome, At). Filter by predicate, by session, or by a time window in
milliseconds since the epoch. Without a predicate, returns per-predicate counts too.`
}
func (t *FactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Only facts of this predicate",
			},
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Only facts whose first argument is this recovery session",
			},
			"after_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts recorded after this time",
			},
			"before_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts recorded before this time",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default 50, max 500)",
			},
		},
	}
}
func (t *FactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errEngineUnavailable
	}

	predicate := getStringArg(args, "predicate")
	limit := clamp(getIntArg(args, "limit", 50), 1, 500)

	var source []mangle.Fact
	switch {
	case predicate != "" && (hasArg(args, "after_ms") || hasArg(args, "before_ms")):
		source = t.engine.QueryTemporal(predicate, msArg(args, "after_ms"), msArg(args, "before_ms"))
	case predicate != "":
		source = t.engine.FactsByPredicate(predicate)
	default:
		source = t.engine.Facts()
	}

	facts := selectRecentFacts(source, getStringArg(args, "session_id"), limit)
	result := map[string]interface{}{
		"count": len(facts),
		"facts": facts,
	}
	if predicate == "" {
		result["summary"] = t.engine.Summary()
	}
	return result, nil
}

type QueryTool struct {
	engine *mangle.Engine
}

func (t *QueryTool) Name() string { return "agent-query" }
func (t *QueryTool) Description() string {
	return `Run a Mangle query against the telemetry, base or derived. Variables are bound per
matching fact, for example:

  backup_used(Session, Scenario, Outcome).
  recovery_outcome(S, "Network Connection Error", Outcome, At).
  repeated_failure(Scenario).`
}
func (t *QueryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "A single atom, terminated by a period",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errEngineUnavailable
	}
	query := getStringArg(args, "query")
	if query == "" {
		return nil, errors.New("query is required")
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(results), "results": results}, nil
}

type EvaluateTool struct {
	engine *mangle.Engine
}

func (t *EvaluateTool) Name() string { return "agent-evaluate" }
func (t *EvaluateTool) Description() string {
	return `Re-evaluate the telemetry rules and return every fact of one predicate. Useful for the
derived predicates recovered, backup_used, backup_delivered and repeated_failure.`
}
func (t *EvaluateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errEngineUnavailable
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, errors.New("predicate is required")
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}

func msArg(args map[string]interface{}, key string) time.Time {
	if !hasArg(args, key) {
		return time.Time{}
	}
	return time.UnixMilli(int64(getIntArg(args, key, 0)))
}
