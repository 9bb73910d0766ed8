package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Flatten renders a settings document as KEY=VALUE lines, one per leaf.
// Nested keys are joined with "_" and upper-cased, so
// {"editor": {"fontSize": 14}} becomes EDITOR_FONTSIZE=14.
// Keys are emitted in sorted order for stable output.
func Flatten(s Settings) string {
	pairs := map[string]string{}
	flattenInto(pairs, "", s)

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(pairs[k])
		b.WriteByte('\n')
	}
	return b.String()
}

func flattenInto(pairs map[string]string, prefix string, s Settings) {
	for k, v := range s {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if m, ok := asMap(v); ok {
			flattenInto(pairs, key, m)
			continue
		}
		pairs[key] = fmt.Sprintf("%v", v)
	}
}

// Unflatten parses KEY=VALUE lines back into a flat settings document.
//
// Values are guessed: "true"/"false" become bools, integer literals
// become int64, other numeric literals become float64, everything else
// stays a string. The guess is best-effort and intentionally lenient;
// a value that fails every parse is kept verbatim rather than rejected.
//
// Nesting is not reconstructed: keys stay in their flattened form.
// Blank lines and lines starting with '#' are skipped.
func Unflatten(text string) Settings {
	out := Settings{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = guessValue(strings.TrimSpace(value))
	}
	return out
}

// guessValue coerces a flattened string value to bool, int64, or float64
// where the literal allows it.
func guessValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
