// Package agent implements the detection-and-recovery loop: a prioritized pipeline of
// stages run on every tick, a single-flight recovery state machine with a timed
// verification window, and the backup plan used when recovery cannot be verified.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatkeeper/internal/config"
	"chatkeeper/internal/dom"
	"chatkeeper/internal/logging"
	"chatkeeper/internal/mangle"
	"chatkeeper/internal/rules"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyRunning is returned by Scheduler.Start when the loop is active.
	ErrAlreadyRunning = errors.New("agent already running")
	// ErrNotRunning is returned by Scheduler.Stop when there is nothing to stop.
	ErrNotRunning = errors.New("agent not running")
	// ErrRecoveryInFlight rejects a second recovery session.
	ErrRecoveryInFlight = errors.New("recovery already in flight")
)

// State is the recovery state machine's position.
type State int

const (
	StateIdle State = iota
	StateRecovering
	StateVerifying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecovering:
		return "recovering"
	case StateVerifying:
		return "verifying"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RecoverySession exists only while a recovery attempt is active.
type RecoverySession struct {
	ID        string               `json:"id"`
	Scenario  rules.ErrorScenario  `json:"scenario"`
	StartedAt time.Time            `json:"started_at"`
}

// EngineSink receives telemetry facts.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// TraceSink receives flight-recorder events.
type TraceSink interface {
	Log(eventType, sessionID string, data interface{})
}

// Options configures an Agent. Zero values fall back to the built-in defaults.
type Options struct {
	Rules               rules.Table
	Selectors           config.SelectorConfig
	VerificationTimeout time.Duration
	ActionCooldown      time.Duration
	SendDelay           time.Duration
	FallbackPhrase      string

	Log    logging.Sink
	Engine EngineSink
	Trace  TraceSink

	// Now, Sleep and NewID are overridable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// OptionsFromConfig builds Options from the agent config section and a compiled rule table.
func OptionsFromConfig(cfg config.AgentConfig, table rules.Table) Options {
	return Options{
		Rules:               table,
		Selectors:           cfg.Selectors,
		VerificationTimeout: cfg.GetVerificationTimeout(),
		ActionCooldown:      cfg.GetActionCooldown(),
		SendDelay:           cfg.GetSendDelay(),
		FallbackPhrase:      cfg.FallbackPhrase,
	}
}

// Stats counts what the agent has done since the last reset.
type Stats struct {
	Ticks            int `json:"ticks"`
	SkippedCooldown  int `json:"skipped_cooldown"`
	SkippedRecovery  int `json:"skipped_recovery"`
	ProactiveClicks  int `json:"proactive_clicks"`
	RecoveryAttempts int `json:"recovery_attempts"`
	Recovered        int `json:"recovered"`
	BackupRuns       int `json:"backup_runs"`
	BackupSent       int `json:"backup_sent"`
}

// Status is a point-in-time snapshot for the control surface.
type Status struct {
	Running      bool             `json:"running"`
	State        string           `json:"state"`
	LastActionAt time.Time        `json:"last_action_at,omitempty"`
	Session      *RecoverySession `json:"session,omitempty"`
	Stats        Stats            `json:"stats"`
	Stages       []string         `json:"stages"`
}

// Stage is one step of the tick pipeline. Stages run in order and the first one
// that acts ends the tick. Run is called with the agent lock held.
type Stage interface {
	Name() string
	Run(ctx context.Context, now time.Time) (acted bool, err error)
}

// Agent owns the per-page state: last action time, the active recovery session and
// the stage pipeline. It is driven by a Scheduler or directly by tests.
type Agent struct {
	doc  dom.Document
	opts Options

	mu           sync.Mutex
	stages       []Stage
	state        State
	session      *RecoverySession
	lastActionAt time.Time
	stats        Stats
}

// New builds an agent over doc with the default stage order: proactive actions, then
// error recovery.
func New(doc dom.Document, opts Options) *Agent {
	if len(opts.Rules.Proactive) == 0 && len(opts.Rules.Errors) == 0 {
		opts.Rules = rules.Default()
	}
	opts.Selectors = withDefaultSelectors(opts.Selectors)
	if opts.VerificationTimeout <= 0 {
		opts.VerificationTimeout = 5 * time.Second
	}
	if opts.ActionCooldown < 0 {
		opts.ActionCooldown = 0
	}
	if opts.FallbackPhrase == "" {
		opts.FallbackPhrase = config.DefaultConfig().Agent.FallbackPhrase
	}
	if opts.Log == nil {
		opts.Log = logging.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepWithContext
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	a := &Agent{doc: doc, opts: opts}
	a.stages = []Stage{
		&proactiveStage{a: a},
		&recoveryStage{a: a},
	}
	return a
}

func withDefaultSelectors(s config.SelectorConfig) config.SelectorConfig {
	d := config.DefaultSelectors()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.ProactiveClickable, d.ProactiveClickable)
	fill(&s.ErrorText, d.ErrorText)
	fill(&s.ErrorContainer, d.ErrorContainer)
	fill(&s.RecoveryText, d.RecoveryText)
	fill(&s.RecoveryClickable, d.RecoveryClickable)
	fill(&s.InputBox, d.InputBox)
	fill(&s.SendIcon, d.SendIcon)
	fill(&s.SendButton, d.SendButton)
	return s
}

// InsertStage adds a stage at position i of the pipeline (clamped to its bounds).
func (a *Agent) InsertStage(i int, st Stage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 {
		i = 0
	}
	if i > len(a.stages) {
		i = len(a.stages)
	}
	a.stages = append(a.stages, nil)
	copy(a.stages[i+1:], a.stages[i:])
	a.stages[i] = st
}

// TickOutcome says what a tick did.
type TickOutcome int

const (
	TickNoMatch TickOutcome = iota
	TickSkippedCooldown
	TickSkippedRecovery
	TickActed
)

func (o TickOutcome) String() string {
	switch o {
	case TickNoMatch:
		return "no_match"
	case TickSkippedCooldown:
		return "skipped_cooldown"
	case TickSkippedRecovery:
		return "skipped_recovery"
	case TickActed:
		return "acted"
	default:
		return fmt.Sprintf("TickOutcome(%d)", int(o))
	}
}

// VerifyRequest asks the caller to invoke Verify(SessionID) after the delay.
type VerifyRequest struct {
	SessionID string
	After     time.Duration
}

// TickResult reports a tick's outcome and any continuation the caller must schedule.
type TickResult struct {
	Outcome TickOutcome
	Stage   string
	Verify  *VerifyRequest
}

// Tick runs one check-and-act pass. It never returns an error: failures are logged
// where they are detected and degrade to the next remediation tier.
func (a *Agent) Tick(ctx context.Context) TickResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.opts.Now()
	a.stats.Ticks++

	if !a.lastActionAt.IsZero() && now.Sub(a.lastActionAt) < a.opts.ActionCooldown {
		a.stats.SkippedCooldown++
		return TickResult{Outcome: TickSkippedCooldown}
	}

	if a.session != nil {
		a.stats.SkippedRecovery++
		a.log("recovery in progress, skipping this check", logging.Debug)
		return TickResult{Outcome: TickSkippedRecovery}
	}

	for _, st := range a.stages {
		acted, err := st.Run(ctx, now)
		if err != nil {
			a.log(fmt.Sprintf("stage %s failed: %v", st.Name(), err), logging.Error)
			continue
		}
		if !acted {
			continue
		}
		res := TickResult{Outcome: TickActed, Stage: st.Name()}
		if a.session != nil && a.state == StateVerifying {
			res.Verify = &VerifyRequest{SessionID: a.session.ID, After: a.opts.VerificationTimeout}
		}
		return res
	}
	return TickResult{Outcome: TickNoMatch}
}

// Reset drops the active session and the action history. Called on stop.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	a.state = StateIdle
	a.lastActionAt = time.Time{}
}

// Rules returns the compiled rule table.
func (a *Agent) Rules() rules.Table {
	return a.opts.Rules
}

// RecoveryInFlight reports whether a recovery session is active.
func (a *Agent) RecoveryInFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil
}

// LastActionAt returns the time of the last click the agent performed.
func (a *Agent) LastActionAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActionAt
}

// Status returns a snapshot of the agent's state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		State:        a.state.String(),
		LastActionAt: a.lastActionAt,
		Stats:        a.stats,
		Stages:       make([]string, 0, len(a.stages)),
	}
	if a.session != nil {
		sess := *a.session
		st.Session = &sess
	}
	for _, s := range a.stages {
		st.Stages = append(st.Stages, s.Name())
	}
	return st
}

func (a *Agent) log(msg string, sev logging.Severity) {
	a.opts.Log.Log(msg, sev)
}

// emit records an agent event as a fact and a trace entry. The timestamp is appended
// as the last fact argument.
func (a *Agent) emit(ctx context.Context, predicate, sessionID string, args ...interface{}) {
	now := a.opts.Now()
	if a.opts.Engine != nil {
		factArgs := append(append([]interface{}{}, args...), now.UnixMilli())
		if err := a.opts.Engine.AddFacts(ctx, []mangle.Fact{{
			Predicate: predicate,
			Args:      factArgs,
			Timestamp: now,
		}}); err != nil {
			a.log(fmt.Sprintf("%s fact error: %v", predicate, err), logging.Debug)
		}
	}
	if a.opts.Trace != nil {
		a.opts.Trace.Log(predicate, sessionID, args)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
