package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// applyConfigFile fills flags from a YAML file whose keys are flag names:
//
//	region: us-east-1
//	bucket: my-bucket
//	max-timeout: 10m
//	count-query-check:
//	  - "42:MATCH (n) RETURN count(n) AS count"
//
// Flags set on the command line take precedence.
func applyConfigFile(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		if name == "config" {
			return fmt.Errorf("config file %s: nested config files are not supported", path)
		}
		flag := fs.Lookup(name)
		if flag == nil {
			return fmt.Errorf("config file %s: unknown setting %q", path, name)
		}
		if flag.Changed {
			continue
		}

		items, isList := values[name].([]any)
		if !isList {
			items = []any{values[name]}
		}
		for _, item := range items {
			if item == nil {
				continue
			}
			if err := fs.Set(name, fmt.Sprint(item)); err != nil {
				return fmt.Errorf("config file %s: %s: %w", path, name, err)
			}
		}
	}
	return nil
}
