// Package condition evaluates user-declared expectations against the
// resources of a run.
//
// Conditions are side-effect-free reads, so EvaluateAll runs them in
// parallel. The overall wait succeeds only when every condition passes.
package condition

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Querier executes a read query against the run's database instance and
// returns the result rows keyed by column name.
type Querier interface {
	Query(ctx context.Context, query string) ([]map[string]any, error)
}

// Resources are the live resources a condition may read.
type Resources struct {
	Database Querier
}

// Condition is one expectation checked during polling.
type Condition interface {
	// Name identifies the condition in reports.
	Name() string

	// Evaluate reports whether the expectation currently holds. An error
	// means the check could not be performed; it counts as not passing.
	Evaluate(ctx context.Context, res Resources) (bool, error)
}

// Result is the outcome of evaluating one condition.
type Result struct {
	Name   string
	Passed bool
	Err    error
}

// EvaluateAll evaluates every condition concurrently and returns one result
// per condition, in input order.
func EvaluateAll(ctx context.Context, conds []Condition, res Resources) []Result {
	results := make([]Result, len(conds))

	var g errgroup.Group
	for i, c := range conds {
		g.Go(func() error {
			passed, err := c.Evaluate(ctx, res)
			results[i] = Result{Name: c.Name(), Passed: passed && err == nil, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// AllPassed reports whether every result passed. An empty slice passes.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Pending returns the names of results that did not pass.
func Pending(results []Result) []string {
	var names []string
	for _, r := range results {
		if !r.Passed {
			names = append(names, r.Name)
		}
	}
	return names
}
