package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatkeeper/internal/dom"
	"chatkeeper/internal/logging"
	"chatkeeper/internal/rules"
)

const stageRecovery = "recovery"

// RecoveryOutcome is how a recovery session ended.
type RecoveryOutcome string

const (
	OutcomeRecovered              RecoveryOutcome = "recovered"
	OutcomeRecoveryIneffective    RecoveryOutcome = "recovery_ineffective"
	OutcomeMissingContainer       RecoveryOutcome = "missing_container"
	OutcomeMissingRecoveryControl RecoveryOutcome = "missing_recovery_control"
	OutcomeRecoveryClickFailed    RecoveryOutcome = "recovery_click_failed"
)

// VerifyResult is what Verify did with a continuation.
type VerifyResult int

const (
	// VerifyStale means the session id did not match the active session.
	VerifyStale VerifyResult = iota
	// VerifyCleared means the error was gone and recovery succeeded.
	VerifyCleared
	// VerifyPersisted means the error was still present and the backup plan ran.
	VerifyPersisted
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyStale:
		return "stale"
	case VerifyCleared:
		return "cleared"
	case VerifyPersisted:
		return "persisted"
	default:
		return fmt.Sprintf("VerifyResult(%d)", int(r))
	}
}

// recoveryStage detects a known error and drives Idle -> Recovering -> Verifying.
type recoveryStage struct {
	a *Agent
}

func (s *recoveryStage) Name() string { return stageRecovery }

func (s *recoveryStage) Run(ctx context.Context, now time.Time) (bool, error) {
	a := s.a
	el, scenario, err := a.findActiveError(ctx)
	if err != nil {
		return false, err
	}
	if el == nil {
		return false, nil
	}
	if a.session != nil {
		return false, ErrRecoveryInFlight
	}

	sess := &RecoverySession{ID: a.opts.NewID(), Scenario: scenario, StartedAt: now}
	a.session = sess
	a.state = StateRecovering
	a.lastActionAt = now
	a.stats.RecoveryAttempts++
	a.log(fmt.Sprintf("detected error %q, starting recovery", scenario.Name), logging.Warn)
	a.emit(ctx, "recovery_started", sess.ID, sess.ID, scenario.Name)

	container, err := el.Closest(ctx, a.opts.Selectors.ErrorContainer)
	if err != nil || container == nil {
		a.log(fmt.Sprintf("no container found for error %q, falling back to backup plan", scenario.Name), logging.Error)
		a.finishWithBackup(ctx, OutcomeMissingContainer)
		return true, nil
	}

	button, err := a.findRecoveryControl(ctx, container, scenario)
	if err != nil || button == nil {
		a.log(fmt.Sprintf("%q button not found for error %q, falling back to backup plan", scenario.RecoveryButtonText, scenario.Name), logging.Error)
		a.finishWithBackup(ctx, OutcomeMissingRecoveryControl)
		return true, nil
	}

	if err := button.Click(ctx); err != nil {
		a.log(fmt.Sprintf("clicking %q failed: %v, falling back to backup plan", scenario.RecoveryButtonText, err), logging.Error)
		a.finishWithBackup(ctx, OutcomeRecoveryClickFailed)
		return true, nil
	}

	a.state = StateVerifying
	a.log(fmt.Sprintf("clicked %q, verifying in %s", scenario.RecoveryButtonText, a.opts.VerificationTimeout), logging.Success)
	a.emit(ctx, "recovery_click", sess.ID, sess.ID, scenario.Name, button.Describe())
	return true, nil
}

// findActiveError returns the first error-text element, in document order, whose text
// contains the substring of any configured scenario.
func (a *Agent) findActiveError(ctx context.Context) (dom.Element, rules.ErrorScenario, error) {
	elements, err := a.doc.QueryAll(ctx, a.opts.Selectors.ErrorText)
	if err != nil {
		return nil, rules.ErrorScenario{}, fmt.Errorf("query %q: %w", a.opts.Selectors.ErrorText, err)
	}
	for _, el := range elements {
		text, err := el.Text(ctx)
		if err != nil {
			continue
		}
		if scenario, ok := a.opts.Rules.Errors.Match(text); ok {
			return el, scenario, nil
		}
	}
	return nil, rules.ErrorScenario{}, nil
}

// findRecoveryControl looks inside container for the first text element whose trimmed
// text equals the scenario's button label and returns its nearest clickable ancestor.
// Only the first label match is considered.
func (a *Agent) findRecoveryControl(ctx context.Context, container dom.Element, scenario rules.ErrorScenario) (dom.Element, error) {
	labels, err := container.QueryAll(ctx, a.opts.Selectors.RecoveryText)
	if err != nil {
		return nil, err
	}
	for _, label := range labels {
		text, err := label.Text(ctx)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) == scenario.RecoveryButtonText {
			return label.Closest(ctx, a.opts.Selectors.RecoveryClickable)
		}
	}
	return nil, nil
}

// Verify re-checks the page at the end of a verification window. Continuations whose
// id does not match the active session are ignored.
func (a *Agent) Verify(ctx context.Context, sessionID string) VerifyResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil || a.session.ID != sessionID || a.state != StateVerifying {
		a.log(fmt.Sprintf("ignoring stale verification for session %s", sessionID), logging.Debug)
		return VerifyStale
	}

	scenario := a.session.Scenario
	a.log("verification window elapsed, re-checking page", logging.Info)

	el, _, err := a.findActiveError(ctx)
	if err != nil {
		a.log(fmt.Sprintf("verification check failed: %v", err), logging.Error)
	}
	if err != nil || el != nil {
		a.log(fmt.Sprintf("recovery for %q did not clear the error", scenario.Name), logging.Error)
		a.finishWithBackup(ctx, OutcomeRecoveryIneffective)
		return VerifyPersisted
	}

	a.stats.Recovered++
	a.log(fmt.Sprintf("recovery for %q succeeded, error cleared", scenario.Name), logging.Success)
	a.finish(ctx, OutcomeRecovered)
	return VerifyCleared
}

// finishWithBackup runs the backup plan and closes the session.
func (a *Agent) finishWithBackup(ctx context.Context, outcome RecoveryOutcome) {
	backup := a.executeBackupPlan(ctx)
	if a.session != nil {
		a.emit(ctx, "backup_plan", a.session.ID, a.session.ID, string(backup))
	}
	a.finish(ctx, outcome)
}

func (a *Agent) finish(ctx context.Context, outcome RecoveryOutcome) {
	if a.session != nil {
		a.emit(ctx, "recovery_outcome", a.session.ID, a.session.ID, a.session.Scenario.Name, string(outcome))
	}
	a.session = nil
	a.state = StateIdle
	a.log("recovery finished", logging.Info)
}
