package nut

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a NUT failure.
type Kind int

const (
	// KindIO covers transport failures: refused, reset, closed, timed out.
	// The connection must be rebuilt.
	KindIO Kind = iota
	// KindProtocol covers errors upsd reported or replies we could not parse.
	// The connection itself is still usable.
	KindProtocol
)

func (k Kind) String() string {
	if k == KindIO {
		return "i/o"
	}
	return "protocol"
}

// Error is returned by every Client operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("nut %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsIO reports whether err is a transport-level NUT error.
func IsIO(err error) bool {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Kind == KindIO
	}
	return false
}

// errAbandoned is returned by a Client whose previous round trip timed out.
// The goroutine serving that round trip may still own the socket.
var errAbandoned = errors.New("connection abandoned after timeout")

// go.nut formats read failures with %v, so the cause is only visible in the text.
const readFailurePrefix = "error reading response"

// classify decides whether err came from the transport or from upsd.
func classify(op string, err error) *Error {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) Kind {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, errAbandoned),
		strings.HasPrefix(err.Error(), readFailurePrefix):
		return KindIO
	}
	return KindProtocol
}
