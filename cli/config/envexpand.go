// Package config loads codechat.yaml.
package config

import (
	"os"
	"regexp"
	"slices"
)

// envRef matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references.
//
// A set, non-empty variable wins; otherwise the default is used, or the
// empty string when there is none. Missing required values (an adapter URL,
// an S3 bucket) are caught by the validation that consumes them.
func ExpandEnv(input string) string {
	return envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})
}

func sortedPairs(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
