package artifact

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localrunner/internal/resource"
)

func TestConnectionMetadata_Golden(t *testing.T) {
	meta := ConnectionFor(&resource.Database{
		InstanceID: "local-runner-0-testtest",
		URI:        "neo4j://localhost:7687",
		Name:       resource.Neo4jDatabase,
		Username:   resource.Neo4jUsername,
		Password:   resource.DefaultNeo4jPassword,
	})
	assert.Equal(t, BasicAuth, meta.AuthType)

	data, err := meta.Encode()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "connection_metadata", data)
}

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"no html escaping", "a<b>&c", `"a<b>&c"`},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"bool", true, "true"},
		{"empty object", map[string]any{}, "{}"},
		{"sorted keys", map[string]any{"zebra": 1, "alpha": 2}, `{"alpha":2,"zebra":1}`},
		{"nested", map[string]any{"b": []any{"x", 1}, "a": map[string]string{"k": "v"}}, `{"a":{"k":"v"},"b":["x",1]}`},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonical_NFC(t *testing.T) {
	// "e" followed by a combining acute accent normalizes to U+00E9.
	out, err := MarshalCanonical("cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"caf\u00e9\"", string(out))
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes to a surrogate pair (0xD83D...) that sorts before U+FF61
	// in UTF-16 but after it in UTF-8.
	out, err := MarshalCanonical(map[string]any{"\uff61": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uff61\":1}", string(out))
}

func TestMarshalCanonical_Rejects(t *testing.T) {
	for name, v := range map[string]any{
		"null":        nil,
		"float":       1.5,
		"nested null": map[string]any{"a": nil},
		"struct":      struct{}{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := MarshalCanonical(v)
			assert.Error(t, err)
		})
	}
}
