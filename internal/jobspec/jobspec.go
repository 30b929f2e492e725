// Package jobspec loads the local job specification file.
//
// The file is uploaded verbatim, so loading never rewrites it; it only checks
// that the content is a JSON object before any resource is provisioned.
package jobspec

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/localrunner/internal/runerr"
)

// Spec is a loaded job specification.
type Spec struct {
	// Path is the file the spec was read from.
	Path string

	// Content is the exact file content.
	Content []byte

	// Fields are the top-level keys, in document order.
	Fields []string
}

// Load reads and validates the spec at path. Every failure is a
// configuration error.
func Load(path string) (*Spec, error) {
	if path == "" {
		return nil, runerr.New(runerr.KindConfiguration, "spec", "job specification path is required")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindConfiguration, "spec", "unable to read job specification", err).
			WithDetail("path", path)
	}
	fields, err := Validate(path, content)
	if err != nil {
		return nil, err
	}
	return &Spec{Path: path, Content: content, Fields: fields}, nil
}

// Validate checks that content is a JSON object and returns its top-level
// keys.
func Validate(name string, content []byte) ([]string, error) {
	expr, err := cuejson.Extract(name, content)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindConfiguration, "spec", "job specification is not valid JSON", err).
			WithDetail("path", name)
	}

	v := cuecontext.New().BuildExpr(expr)
	if err := v.Err(); err != nil {
		return nil, runerr.Wrap(runerr.KindConfiguration, "spec", "job specification is not valid JSON", err).
			WithDetail("path", name)
	}
	if v.Kind() != cue.StructKind {
		return nil, runerr.New(runerr.KindConfiguration, "spec",
			fmt.Sprintf("job specification must be a JSON object, got %s", v.Kind())).
			WithDetail("path", name)
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, runerr.Wrap(runerr.KindConfiguration, "spec", "unable to read job specification fields", err).
			WithDetail("path", name)
	}
	var fields []string
	for iter.Next() {
		fields = append(fields, iter.Label())
	}
	return fields, nil
}
