// Package poll drives the bounded-time wait for a launched job.
//
// Each tick queries the job state and evaluates every condition:
//
//	WAITING --job FAILED/CANCELLED--> JOB_FAILED
//	WAITING --all conditions pass---> SUCCEEDED
//	WAITING --elapsed >= timeout----> TIMED_OUT
//
// Conditions are checked while the job is still active, so a long-running
// job succeeds as soon as its side effects match expectations. Sleeps are
// clamped to the remaining time, and every state query and condition runs
// under a deadline of timeout plus one interval from the first check, so
// WaitFor returns within that budget even when a query stalls.
package poll

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/localrunner/internal/condition"
	"github.com/roach88/localrunner/internal/job"
	"github.com/roach88/localrunner/internal/runerr"
)

// Outcome is the terminal state of a wait.
type Outcome string

const (
	OutcomeWaiting   Outcome = "WAITING"
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
	OutcomeJobFailed Outcome = "JOB_FAILED"
)

// Clock abstracts time so tests can drive the loop without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// StateQuerier is the part of job.Launcher the loop needs.
type StateQuerier interface {
	QueryState(ctx context.Context, h *job.Handle) (job.State, error)
}

// Config bounds the wait.
type Config struct {
	// Interval is the delay between checks.
	Interval time.Duration

	// Timeout is the maximum wait measured from the first check.
	Timeout time.Duration
}

// Attempt is one tick of the loop.
type Attempt struct {
	Number     int
	State      job.State
	Results    []condition.Result
	ObservedAt time.Time
}

// Observer receives every attempt as it completes.
type Observer func(Attempt)

// Result summarizes a finished wait.
type Result struct {
	Outcome   Outcome
	LastState job.State
	Attempts  int
	Pending   []string
	Elapsed   time.Duration
}

// Operator runs the polling loop.
type Operator struct {
	clock     Clock
	logger    *zap.Logger
	observers []Observer
}

// Option configures an Operator.
type Option func(*Operator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *Operator) { o.clock = c }
}

// WithObserver registers an attempt observer.
func WithObserver(fn Observer) Option {
	return func(o *Operator) { o.observers = append(o.observers, fn) }
}

// NewOperator creates an Operator.
func NewOperator(logger *zap.Logger, opts ...Option) *Operator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Operator{clock: RealClock{}, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WaitFor polls until the job fails, every condition passes, or the timeout
// elapses. TIMED_OUT and JOB_FAILED are returned both in the Result and as
// a runerr error (KindPollingTimeout, KindJobFailure). Context cancellation
// stops the wait with an interrupted error.
func (o *Operator) WaitFor(ctx context.Context, launcher StateQuerier, h *job.Handle,
	conds []condition.Condition, res condition.Resources, cfg Config) (*Result, error) {
	if cfg.Interval <= 0 {
		return nil, runerr.New(runerr.KindConfiguration, "poll", "check interval must be positive")
	}
	if cfg.Timeout < 0 {
		return nil, runerr.New(runerr.KindConfiguration, "poll", "timeout must not be negative")
	}

	logger := o.logger.With(zap.String("job_id", h.ID))
	start := o.clock.Now()
	result := &Result{Outcome: OutcomeWaiting, LastState: h.State()}

	budget, cancel := context.WithTimeout(ctx, cfg.Timeout+cfg.Interval)
	defer cancel()

	for {
		if err := ctx.Err(); err != nil {
			return result, interrupted(err, result)
		}

		result.Attempts++
		state, err := launcher.QueryState(budget, h)
		if overran(ctx, budget) {
			if result.Pending == nil {
				result.Pending = conditionNames(conds)
			}
			return result, o.overrun(logger, start, result)
		}
		if err != nil {
			if ctx.Err() != nil {
				return result, interrupted(ctx.Err(), result)
			}
			logger.Warn("failed to query job state", zap.Int("attempt", result.Attempts), zap.Error(err))
			state = job.StateUnknown
		} else {
			h.Observe(state)
		}
		result.LastState = state

		attempt := Attempt{Number: result.Attempts, State: state}
		if state.IsFailure() {
			attempt.ObservedAt = o.clock.Now()
			o.notify(attempt)
			result.Outcome = OutcomeJobFailed
			result.Elapsed = attempt.ObservedAt.Sub(start)
			if result.Attempts == 1 {
				result.Pending = conditionNames(conds)
			}
			logger.Warn("job reached failure state", zap.Stringer("state", state))
			return result, failure(runerr.KindJobFailure, "job reached a failure state", result)
		}

		attempt.Results = condition.EvaluateAll(budget, conds, res)
		attempt.ObservedAt = o.clock.Now()
		o.notify(attempt)
		result.Pending = condition.Pending(attempt.Results)
		result.Elapsed = attempt.ObservedAt.Sub(start)

		if condition.AllPassed(attempt.Results) {
			result.Outcome = OutcomeSucceeded
			logger.Info("all conditions passed",
				zap.Int("attempts", result.Attempts),
				zap.Stringer("state", state),
				zap.Duration("elapsed", result.Elapsed),
			)
			return result, nil
		}

		if overran(ctx, budget) {
			return result, o.overrun(logger, start, result)
		}

		for _, r := range attempt.Results {
			if r.Err != nil {
				logger.Debug("condition check failed", zap.String("condition", r.Name), zap.Error(r.Err))
			}
		}

		if result.Elapsed >= cfg.Timeout {
			result.Outcome = OutcomeTimedOut
			logger.Warn("timed out waiting for conditions",
				zap.Int("attempts", result.Attempts),
				zap.Strings("pending", result.Pending),
			)
			return result, failure(runerr.KindPollingTimeout, "conditions not met before timeout", result)
		}

		logger.Debug("conditions pending",
			zap.Int("attempt", result.Attempts),
			zap.Stringer("state", state),
			zap.Strings("pending", result.Pending),
		)

		wait := min(cfg.Interval, cfg.Timeout-result.Elapsed)
		select {
		case <-ctx.Done():
			return result, interrupted(ctx.Err(), result)
		case <-o.clock.After(wait):
		}
	}
}

// overrun ends a wait whose tick did not finish within the budget.
func (o *Operator) overrun(logger *zap.Logger, start time.Time, r *Result) error {
	r.Outcome = OutcomeTimedOut
	r.Elapsed = o.clock.Now().Sub(start)
	logger.Warn("check did not finish before the polling deadline",
		zap.Int("attempts", r.Attempts),
		zap.Strings("pending", r.Pending),
	)
	return failure(runerr.KindPollingTimeout, "checks did not finish before the polling deadline", r)
}

// overran reports whether the polling budget expired while the caller's
// context is still live.
func overran(parent, budget context.Context) bool {
	return parent.Err() == nil && budget.Err() != nil
}

func (o *Operator) notify(a Attempt) {
	for _, fn := range o.observers {
		fn(a)
	}
}

func conditionNames(conds []condition.Condition) []string {
	names := make([]string, 0, len(conds))
	for _, c := range conds {
		names = append(names, c.Name())
	}
	return names
}

func failure(kind runerr.Kind, message string, r *Result) error {
	return annotate(runerr.New(kind, "poll", message), r)
}

func interrupted(err error, r *Result) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return annotate(runerr.Wrap(runerr.KindPollingTimeout, "poll", "wait deadline exceeded", err), r)
	}
	return annotate(runerr.Wrap(runerr.KindInterrupted, "poll", "wait interrupted", err), r)
}

func annotate(e *runerr.Error, r *Result) *runerr.Error {
	e.WithDetail("last_state", r.LastState.String()).
		WithDetail("attempts", strconv.Itoa(r.Attempts))
	if len(r.Pending) > 0 {
		e.WithDetail("pending", strings.Join(r.Pending, "; "))
	}
	return e
}
