package nut

import (
	"context"
	"sync"
)

// FakeConn is a test double for Conn.
//
// Single-snapshot mode: pre-seed Variables; every ListVars returns that slice.
// Sequence mode: pre-seed Sequence; each ListVars returns the next element and
// repeats the last one once the sequence is exhausted. Errs is consulted by
// call index first: a non-nil entry fails that call. Err fails every call.
type FakeConn struct {
	mu sync.Mutex

	UPSNames     []string
	Variables    []Variable   // returned when Sequence is nil/empty
	Sequence     [][]Variable // each ListVars advances through this list
	Descriptions map[string]string
	Errs         []error
	Err          error
	DescErr      error
	CallCount    int
	Closed       bool
}

// ListUPS returns UPSNames.
func (f *FakeConn) ListUPS(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]string(nil), f.UPSNames...), nil
}

// ListVars returns a copy of the pre-seeded variables for the current call.
func (f *FakeConn) ListVars(ctx context.Context, ups string) ([]Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CallCount++
	idx := f.CallCount - 1
	if idx < len(f.Errs) && f.Errs[idx] != nil {
		return nil, f.Errs[idx]
	}
	if f.Err != nil {
		return nil, f.Err
	}

	src := f.Variables
	if len(f.Sequence) > 0 {
		if idx >= len(f.Sequence) {
			idx = len(f.Sequence) - 1 // repeat last element
		}
		src = f.Sequence[idx]
	}

	out := make([]Variable, len(src))
	copy(out, src)
	return out, nil
}

// GetVarDescription looks name up in Descriptions.
func (f *FakeConn) GetVarDescription(ctx context.Context, ups, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescErr != nil {
		return "", f.DescErr
	}
	return f.Descriptions[name], nil
}

// Close records that the connection was closed.
func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Calls returns the number of ListVars calls so far.
func (f *FakeConn) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CallCount
}

// IsClosed reports whether Close has been called.
func (f *FakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}
