// Package metrics maps NUT variables onto Prometheus gauges.
//
// Numeric variables become plain gauges named after the variable. ups.status
// and ups.beeper.status become gauges with a single "status" label whose
// values come from a fixed vocabulary, one 0/1 flag per state.
package metrics

import "strings"

// Normalize maps a NUT variable name to an exported metric name: dots become
// underscores and "ups_" is prepended unless the result already starts with
// "ups" (so "upsadvstat" is kept as is).
func Normalize(name string) string {
	name = strings.ReplaceAll(name, ".", "_")
	if !strings.HasPrefix(name, "ups") {
		name = "ups_" + name
	}
	return name
}
