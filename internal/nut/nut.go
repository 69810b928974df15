// Package nut talks to a Network UPS Tools upsd daemon over its text protocol.
package nut

import "context"

// Variable holds a single NUT variable name/value pair.
// Value is the raw string sent by upsd; callers parse as needed.
type Variable struct {
	Name  string
	Value string
}

// Conn is the subset of the NUT protocol the exporter uses. The go.nut backed
// Client and FakeConn both implement it.
type Conn interface {
	ListUPS(ctx context.Context) ([]string, error)
	ListVars(ctx context.Context, ups string) ([]Variable, error)
	GetVarDescription(ctx context.Context, ups, name string) (string, error)
	Close() error
}

// Dialer opens a fresh Conn. The poller calls it again to rebuild a
// connection after an I/O error.
type Dialer func(ctx context.Context) (Conn, error)

// VarsToMap converts a []Variable slice into a name→value map.
func VarsToMap(vars []Variable) map[string]string {
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Name] = v.Value
	}
	return m
}
