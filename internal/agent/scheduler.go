package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatkeeper/internal/logging"
	"chatkeeper/internal/rules"
)

// Scheduler drives an Agent from a single goroutine: periodic ticks plus the one
// verification continuation a recovery session may request.
type Scheduler struct {
	agent    *Agent
	interval time.Duration
	log      logging.Sink

	// lifecycle serializes Start and Stop so a Stop's reset cannot land on a newer run.
	lifecycle sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(a *Agent, interval time.Duration, log logging.Sink) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &Scheduler{agent: a, interval: interval, log: log}
}

// Start begins ticking. It fails with ErrAlreadyRunning if the loop is active.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Log("agent is already running; stop it before starting again", logging.Warn)
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.log.Log(fmt.Sprintf("agent started, checking every %s", s.interval), logging.Success)
	s.log.Log("call agent-stop or interrupt the process to stop it", logging.Info)
	return nil
}

// Stop halts the loop, waits for an in-progress tick to return, and clears any
// active recovery session. It fails with ErrNotRunning if already stopped, including
// after the loop ended with its parent context.
func (s *Scheduler) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Log("agent is not running", logging.Warn)
		return ErrNotRunning
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.agent.Reset()
	s.log.Log("agent stopped manually", logging.Info)
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done returns a channel closed when the current loop exits, or nil if never started.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.exited(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		verifyTimer *time.Timer
		verifyC     <-chan time.Time
		pendingID   string
	)
	defer func() {
		if verifyTimer != nil {
			verifyTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil || !s.Running() {
				return
			}
			res := s.agent.Tick(ctx)
			if res.Verify != nil {
				if verifyTimer != nil {
					verifyTimer.Stop()
				}
				verifyTimer = time.NewTimer(res.Verify.After)
				verifyC = verifyTimer.C
				pendingID = res.Verify.SessionID
			}
		case <-verifyC:
			verifyC = nil
			if ctx.Err() != nil {
				return
			}
			s.agent.Verify(ctx, pendingID)
		}
	}
}

// exited marks the scheduler stopped when the loop ends on its own (parent context
// done). After a Stop, running is already false and nothing happens here.
func (s *Scheduler) exited(done chan struct{}) {
	s.mu.Lock()
	owned := s.running && s.done == done
	s.mu.Unlock()
	if !owned {
		return
	}

	// Reset while still marked running so a concurrent Start is refused until it is done.
	s.agent.Reset()

	s.mu.Lock()
	if s.running && s.done == done {
		s.running = false
		s.cancel()
	}
	s.mu.Unlock()
	s.log.Log("agent stopped: context ended", logging.Info)
}

// Runtime binds a scheduler to a long-lived context so callers without one (the
// control surface) can start and stop the agent.
type Runtime struct {
	ctx       context.Context
	agent     *Agent
	scheduler *Scheduler
}

// NewRuntime returns a Runtime whose loop runs under ctx.
func NewRuntime(ctx context.Context, a *Agent, s *Scheduler) *Runtime {
	return &Runtime{ctx: ctx, agent: a, scheduler: s}
}

func (r *Runtime) Start() error  { return r.scheduler.Start(r.ctx) }
func (r *Runtime) Stop() error   { return r.scheduler.Stop() }
func (r *Runtime) Running() bool { return r.scheduler.Running() }

// Status is the agent snapshot with the scheduler's running flag.
func (r *Runtime) Status() Status {
	st := r.agent.Status()
	st.Running = r.scheduler.Running()
	return st
}

// Rules returns the agent's rule table.
func (r *Runtime) Rules() rules.Table { return r.agent.Rules() }
