package cli

import (
	"strings"

	"github.com/roach88/localrunner/internal/condition"
)

// countCheckFlag collects --count-query-check values. Each value is parsed
// as soon as it is set, so a malformed check fails before anything is
// provisioned. Repeated identical checks are kept once.
type countCheckFlag struct {
	checks []condition.CountCheck
}

func (f *countCheckFlag) String() string {
	names := make([]string, len(f.checks))
	for i, c := range f.checks {
		names[i] = c.Name()
	}
	return "[" + strings.Join(names, ",") + "]"
}

func (f *countCheckFlag) Set(value string) error {
	check, err := condition.ParseCountCheck(value)
	if err != nil {
		return err
	}
	for _, existing := range f.checks {
		if existing == check {
			return nil
		}
	}
	f.checks = append(f.checks, check)
	return nil
}

func (f *countCheckFlag) Type() string {
	return "countCheck"
}

// Conditions returns the checks as polling conditions.
func (f *countCheckFlag) Conditions() []condition.Condition {
	conds := make([]condition.Condition, len(f.checks))
	for i, c := range f.checks {
		conds[i] = c
	}
	return conds
}
