package condition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/localrunner/internal/runerr"
)

// CountColumn is the result column a count query must return.
const CountColumn = "count"

const countCheckUsage = `count queries must be written as: <expected_count>:<count_query> (e.g.: "42:RETURN 42 AS count")`

// CountCheck passes when its query returns exactly one row whose count
// column equals Expected.
type CountCheck struct {
	Expected int64
	Query    string
}

// ParseCountCheck parses "<expected_count>:<count_query>". The expected
// count is everything before the first ':' and must be a base-10 integer;
// the query is everything after it, further ':' characters included.
func ParseCountCheck(expr string) (CountCheck, error) {
	idx := strings.Index(expr, ":")
	if idx == -1 {
		return CountCheck{}, runerr.New(runerr.KindConfiguration, "parse", countCheckUsage).
			WithDetail("expression", expr)
	}
	expected, err := strconv.ParseInt(expr[:idx], 10, 64)
	if err != nil {
		return CountCheck{}, runerr.Wrap(runerr.KindConfiguration, "parse",
			"invalid expected count in count query check", err).
			WithDetail("expression", expr)
	}
	return CountCheck{Expected: expected, Query: expr[idx+1:]}, nil
}

// Name returns the check in its "<count>:<query>" form.
func (c CountCheck) Name() string {
	return strconv.FormatInt(c.Expected, 10) + ":" + c.Query
}

func (c CountCheck) String() string {
	return fmt.Sprintf("CountQueryCheck{expectedCount=%d, countQuery='%s'}", c.Expected, c.Query)
}

// Evaluate runs the query against the database resource.
func (c CountCheck) Evaluate(ctx context.Context, res Resources) (bool, error) {
	if res.Database == nil {
		return false, errors.New("no database resource to run count query against")
	}
	rows, err := res.Database.Query(ctx, c.Query)
	if err != nil {
		return false, fmt.Errorf("count query %q: %w", c.Query, err)
	}
	if len(rows) != 1 {
		return false, nil
	}
	got, ok := asInt64(rows[0][CountColumn])
	return ok && got == c.Expected, nil
}

// asInt64 converts integer values returned by database drivers. Floats and
// other types are not counts.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	case uint:
		if uint64(n) > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
