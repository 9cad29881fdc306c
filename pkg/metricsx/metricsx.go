// Package metricsx extends github.com/VictoriaMetrics/metrics with the
// curly-brace label syntax its Set.NewCounter/GetOrCreateCounter expect,
// so callers build label sets with ordinary Go values instead of
// hand-formatting fmt.Sprintf label strings.
package metricsx

import "strings"

// SplitName splits a VictoriaMetrics metric name of the form
// "base{labels}" into its base and label-set portions.
func SplitName(name string) (base, arg string) {
	if n := len(name); n != 0 {
		base = name
		for i, r := range base {
			if r == '{' {
				if j := len(base) - 1; j > i && base[j] == '}' {
					base, arg = base[:i], base[i+1:j]
					break
				}
			}
		}
	}
	return
}

// FormatName builds a "base{arg,k1="v1",k2="v2",...}" metric name, where
// arg is an already-formatted leading label (or "" for none) and args is a
// flat key/value list appended after it.
func FormatName(base, arg string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
	}
	for i := 1; i < len(args); i += 2 {
		if arg != "" || i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
