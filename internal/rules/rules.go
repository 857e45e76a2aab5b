// Package rules holds the declarative tables the agent matches page text against:
// proactive actions to click and error scenarios to recover from.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"chatkeeper/internal/config"

	"github.com/andybalholm/cascadia"
)

// MatchKind selects how a proactive rule's pattern is compared to element text.
type MatchKind int

const (
	// MatchRegex tests the trimmed text against a regular expression (case-sensitive).
	MatchRegex MatchKind = iota + 1
	// MatchExactText requires the trimmed text to equal the pattern byte for byte.
	MatchExactText
)

func (k MatchKind) String() string {
	switch k {
	case MatchRegex:
		return "regex"
	case MatchExactText:
		return "text"
	default:
		return fmt.Sprintf("MatchKind(%d)", int(k))
	}
}

// ParseMatchKind maps the config spelling ("regex" / "text") to a MatchKind.
func ParseMatchKind(s string) (MatchKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regex":
		return MatchRegex, nil
	case "text", "exact":
		return MatchExactText, nil
	default:
		return 0, fmt.Errorf("unknown match type %q", s)
	}
}

// ProactiveActionRule describes an affordance to click whenever it appears.
type ProactiveActionRule struct {
	Name           string
	Kind           MatchKind
	TargetSelector string

	text string
	re   *regexp.Regexp
}

// NewRegexRule compiles a regex rule.
func NewRegexRule(name, pattern, target string) (ProactiveActionRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ProactiveActionRule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	return ProactiveActionRule{Name: name, Kind: MatchRegex, TargetSelector: target, text: pattern, re: re}, nil
}

// NewTextRule builds an exact-text rule.
func NewTextRule(name, text, target string) ProactiveActionRule {
	return ProactiveActionRule{Name: name, Kind: MatchExactText, TargetSelector: target, text: text}
}

// Pattern returns the rule's pattern in its source form.
func (r ProactiveActionRule) Pattern() string {
	return r.text
}

// Matches reports whether an element's text satisfies the rule. The text is trimmed first.
func (r ProactiveActionRule) Matches(text string) bool {
	text = strings.TrimSpace(text)
	switch r.Kind {
	case MatchRegex:
		return r.re != nil && r.re.MatchString(text)
	case MatchExactText:
		return text == r.text
	default:
		return false
	}
}

// ErrorScenario pairs an error banner message with the control that dismisses it.
type ErrorScenario struct {
	Name               string
	ErrorSubstring     string
	RecoveryButtonText string
}

// Matches reports whether text contains the scenario's error message.
func (s ErrorScenario) Matches(text string) bool {
	return s.ErrorSubstring != "" && strings.Contains(text, s.ErrorSubstring)
}

// ErrorScenarios is an ordered scenario list; earlier entries win.
type ErrorScenarios []ErrorScenario

// Match returns the first scenario whose error message occurs in text.
func (ss ErrorScenarios) Match(text string) (ErrorScenario, bool) {
	for _, s := range ss {
		if s.Matches(text) {
			return s, true
		}
	}
	return ErrorScenario{}, false
}

// Table is the compiled, immutable rule set the agent runs with.
type Table struct {
	Proactive []ProactiveActionRule
	Errors    ErrorScenarios
}

// Compile validates the configured rules and builds the table, preserving order.
func Compile(cfg config.AgentConfig) (Table, error) {
	var errs []error
	table := Table{
		Proactive: make([]ProactiveActionRule, 0, len(cfg.ProactiveActions)),
		Errors:    make(ErrorScenarios, 0, len(cfg.ErrorScenarios)),
	}

	for i, a := range cfg.ProactiveActions {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("proactive_actions[%d]: name is required", i))
			continue
		}
		if strings.TrimSpace(a.Target) == "" {
			errs = append(errs, fmt.Errorf("proactive_actions[%d] %q: target is required", i, a.Name))
			continue
		}
		if _, err := cascadia.Compile(a.Target); err != nil {
			errs = append(errs, fmt.Errorf("proactive_actions[%d] %q: target %q: %w", i, a.Name, a.Target, err))
			continue
		}
		if a.Value == "" {
			errs = append(errs, fmt.Errorf("proactive_actions[%d] %q: value is required", i, a.Name))
			continue
		}
		kind, err := ParseMatchKind(a.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("proactive_actions[%d] %q: %w", i, a.Name, err))
			continue
		}
		switch kind {
		case MatchRegex:
			rule, err := NewRegexRule(a.Name, a.Value, a.Target)
			if err != nil {
				errs = append(errs, fmt.Errorf("proactive_actions[%d]: %w", i, err))
				continue
			}
			table.Proactive = append(table.Proactive, rule)
		case MatchExactText:
			table.Proactive = append(table.Proactive, NewTextRule(a.Name, a.Value, a.Target))
		}
	}

	for i, s := range cfg.ErrorScenarios {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("error_scenarios[%d]: name is required", i))
		case s.ErrorMessage == "":
			errs = append(errs, fmt.Errorf("error_scenarios[%d] %q: error_message is required", i, s.Name))
		case strings.TrimSpace(s.ButtonText) == "":
			errs = append(errs, fmt.Errorf("error_scenarios[%d] %q: button_text is required", i, s.Name))
		default:
			table.Errors = append(table.Errors, ErrorScenario{
				Name:               s.Name,
				ErrorSubstring:     s.ErrorMessage,
				RecoveryButtonText: strings.TrimSpace(s.ButtonText),
			})
		}
	}

	if len(errs) > 0 {
		return Table{}, errors.Join(errs...)
	}
	return table, nil
}

// Default returns the built-in table.
func Default() Table {
	table, err := Compile(config.DefaultConfig().Agent)
	if err != nil {
		panic(fmt.Sprintf("built-in rule table does not compile: %v", err))
	}
	return table
}

// OverlappingScenarios lists pairs where one scenario's message contains another's.
// Such pairs are resolved by order, which may hide the later scenario.
func (ss ErrorScenarios) OverlappingScenarios() [][2]string {
	var out [][2]string
	for i := range ss {
		for j := range ss {
			if i == j {
				continue
			}
			if strings.Contains(ss[i].ErrorSubstring, ss[j].ErrorSubstring) {
				out = append(out, [2]string{ss[i].Name, ss[j].Name})
			}
		}
	}
	return out
}
