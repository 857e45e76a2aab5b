package mcp

import (
	"fmt"
	"strconv"
	"strings"

	"chatkeeper/internal/mangle"
)

// selectRecentFacts returns up to limit of the newest facts, oldest first. A non-empty
// sessionID keeps only facts whose first argument equals it.
func selectRecentFacts(source []mangle.Fact, sessionID string, limit int) []mangle.Fact {
	if limit <= 0 {
		return []mangle.Fact{}
	}
	out := make([]mangle.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if sessionID != "" && (len(f.Args) == 0 || fmt.Sprintf("%v", f.Args[0]) != sessionID) {
			continue
		}
		out = append(out, f)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func hasArg(args map[string]interface{}, key string) bool {
	v, ok := args[key]
	return ok && v != nil
}

func getStringArg(args map[string]interface{}, key string) string {
	return argString(args[key])
}

func argString(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
		return fallback
	case []string:
		if len(v) > 0 {
			if i, err := strconv.Atoi(strings.TrimSpace(v[0])); err == nil {
				return i
			}
		}
		return fallback
	default:
		return fallback
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
