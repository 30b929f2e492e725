package resource

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// RunIDGenerator produces the identifier that namespaces one run's
// resources. Identifiers must not collide across concurrent runs.
type RunIDGenerator interface {
	Generate() string
}

// DefaultRunIDPrefix prefixes generated run identifiers.
const DefaultRunIDPrefix = "local-runner"

// RunIDSuffixLength is the number of random lowercase letters appended to
// the timestamp.
const RunIDSuffixLength = 8

// TimestampGenerator generates "<prefix>-<unix-millis>-<8 lowercase letters>".
//
// Thread-safety: safe for concurrent use when Now and IntN are.
type TimestampGenerator struct {
	Prefix string

	// Now defaults to time.Now.
	Now func() time.Time

	// IntN returns a uniform value in [0, n). Defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

// NewTimestampGenerator creates a generator with the given prefix.
func NewTimestampGenerator(prefix string) *TimestampGenerator {
	if prefix == "" {
		prefix = DefaultRunIDPrefix
	}
	return &TimestampGenerator{Prefix: prefix, Now: time.Now, IntN: rand.IntN}
}

// Generate returns a new run identifier.
func (g *TimestampGenerator) Generate() string {
	now, intN := g.Now, g.IntN
	if now == nil {
		now = time.Now
	}
	if intN == nil {
		intN = rand.IntN
	}

	var b strings.Builder
	b.WriteString(g.Prefix)
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(now().UnixMilli(), 10))
	b.WriteByte('-')
	for range RunIDSuffixLength {
		b.WriteByte(byte('a' + intN(26)))
	}
	return b.String()
}
