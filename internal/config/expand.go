package config

import (
	"fmt"
	"os"
	"strings"
)

// expandEnv replaces ${VAR} and ${VAR:-default} references in s with values
// from the process environment. A ${VAR} reference to an unset variable is
// an error; the ${VAR:-default} form substitutes the default instead.
func expandEnv(s string) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		end += start

		b.WriteString(s[:start])
		ref := s[start+2 : end]

		name, def, hasDefault := strings.Cut(ref, ":-")
		val, ok := os.LookupEnv(name)
		switch {
		case ok:
			b.WriteString(val)
		case hasDefault:
			b.WriteString(def)
		default:
			return "", fmt.Errorf("config: environment variable %q is not set", name)
		}

		s = s[end+1:]
	}
}

// expandValue walks a decoded YAML value and expands environment references
// in every string it contains.
func expandValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return expandEnv(val)
	case map[string]any:
		for k, inner := range val {
			expanded, err := expandValue(inner)
			if err != nil {
				return nil, err
			}
			val[k] = expanded
		}
		return val, nil
	case []any:
		for i, inner := range val {
			expanded, err := expandValue(inner)
			if err != nil {
				return nil, err
			}
			val[i] = expanded
		}
		return val, nil
	default:
		return v, nil
	}
}
