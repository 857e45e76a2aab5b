package agent

import (
	"context"
	"fmt"
	"time"

	"chatkeeper/internal/logging"
)

const stageProactive = "proactive"

// proactiveStage clicks the first element matching any proactive rule. Rules are
// tried in order and elements in document order; one click per tick at most.
type proactiveStage struct {
	a *Agent
}

func (s *proactiveStage) Name() string { return stageProactive }

func (s *proactiveStage) Run(ctx context.Context, now time.Time) (bool, error) {
	a := s.a
	for _, rule := range a.opts.Rules.Proactive {
		elements, err := a.doc.QueryAll(ctx, rule.TargetSelector)
		if err != nil {
			a.log(fmt.Sprintf("rule %q: query %q: %v", rule.Name, rule.TargetSelector, err), logging.Debug)
			continue
		}

		for _, el := range elements {
			text, err := el.Text(ctx)
			if err != nil {
				a.log(fmt.Sprintf("rule %q: skipping %s: %v", rule.Name, el.Describe(), err), logging.Debug)
				continue
			}
			if !rule.Matches(text) {
				continue
			}

			target, err := el.Closest(ctx, a.opts.Selectors.ProactiveClickable)
			if err != nil || target == nil {
				target = el
			}
			if err := target.Click(ctx); err != nil {
				a.log(fmt.Sprintf("rule %q matched %s but click failed: %v", rule.Name, target.Describe(), err), logging.Debug)
				continue
			}

			a.lastActionAt = now
			a.stats.ProactiveClicks++
			a.log(fmt.Sprintf("proactive action %q: clicked %s", rule.Name, target.Describe()), logging.Success)
			a.emit(ctx, "proactive_click", "", rule.Name, rule.Kind.String(), target.Describe())
			return true, nil
		}
	}
	return false, nil
}
