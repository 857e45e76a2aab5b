package mcp

import (
	"context"
	"errors"

	"chatkeeper/internal/agent"
)

type StatusTool struct {
	ctrl Controller
}

func (t *StatusTool) Name() string { return "agent-status" }
func (t *StatusTool) Description() string {
	return `Report whether the agent is running, its recovery state (idle, recovering, verifying),
the active recovery session if any, the time of the last action, and action counters.`
}
func (t *StatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *StatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.ctrl.Status(), nil
}

type StartTool struct {
	ctrl Controller
}

func (t *StartTool) Name() string { return "agent-start" }
func (t *StartTool) Description() string {
	return `Start the check loop. Starting an agent that is already running changes nothing and
reports already_running.`
}
func (t *StartTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *StartTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return lifecycleResult(t.ctrl, t.ctrl.Start(), agent.ErrAlreadyRunning, "already_running")
}

type StopTool struct {
	ctrl Controller
}

func (t *StopTool) Name() string { return "agent-stop" }
func (t *StopTool) Description() string {
	return `Stop the check loop and abandon any recovery in progress. Stopping an agent that is not
running changes nothing and reports not_running.`
}
func (t *StopTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *StopTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return lifecycleResult(t.ctrl, t.ctrl.Stop(), agent.ErrNotRunning, "not_running")
}

// lifecycleResult turns the benign lifecycle sentinel into a successful no-op reply.
func lifecycleResult(ctrl Controller, err, benign error, note string) (interface{}, error) {
	switch {
	case err == nil:
		return map[string]interface{}{"success": true, "running": ctrl.Running()}, nil
	case errors.Is(err, benign):
		return map[string]interface{}{"success": false, "note": note, "running": ctrl.Running()}, nil
	default:
		return nil, err
	}
}

type RulesTool struct {
	ctrl Controller
}

func (t *RulesTool) Name() string { return "agent-rules" }
func (t *RulesTool) Description() string {
	return `List the proactive action rules and error scenarios in priority order. Error scenarios
whose substring contains another scenario's substring are reported under overlaps, since only the
earlier one can ever match.`
}
func (t *RulesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *RulesTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	table := t.ctrl.Rules()

	proactive := make([]map[string]interface{}, 0, len(table.Proactive))
	for _, r := range table.Proactive {
		proactive = append(proactive, map[string]interface{}{
			"name":    r.Name,
			"kind":    r.Kind.String(),
			"pattern": r.Pattern(),
			"target":  r.TargetSelector,
		})
	}

	overlaps := make([]map[string]string, 0)
	for _, pair := range table.Errors.OverlappingScenarios() {
		overlaps = append(overlaps, map[string]string{"container": pair[0], "contained": pair[1]})
	}

	return map[string]interface{}{
		"proactive_actions": proactive,
		"error_scenarios":   table.Errors,
		"overlaps":          overlaps,
	}, nil
}
