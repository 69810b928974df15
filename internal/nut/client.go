package nut

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gonut "github.com/robbiet480/go.nut"
)

// defaultCloseTimeout bounds LOGOUT when the client has no round-trip timeout.
const defaultCloseTimeout = 5 * time.Second

// Client is a go.nut connection whose round trips are bounded by a timeout.
// go.nut exposes no socket deadlines, so each request runs in its own
// goroutine. When one times out the Client is marked abandoned and every later
// request fails with an I/O error; the owner is expected to dial a new one.
//
// A Client is not safe for concurrent use.
type Client struct {
	host      string
	port      int
	timeout   time.Duration
	conn      *gonut.Client
	abandoned bool
}

type response struct {
	lines []string
	err   error
}

// Dial connects to upsd at host:port. timeout bounds the dial and every later
// round trip; zero disables the bound.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*Client, error) {
	c := &Client{host: host, port: port, timeout: timeout}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewDialer returns a Dialer producing Clients for host:port.
func NewDialer(host string, port int, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		c, err := Dial(ctx, host, port, timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (c *Client) connect(ctx context.Context) error {
	op := fmt.Sprintf("connect %s:%d", c.host, c.port)
	ctx, cancel := c.bound(ctx)
	defer cancel()

	type dialed struct {
		conn gonut.Client
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := gonut.Connect(c.host, c.port)
		done <- dialed{conn: conn, err: err}
	}()

	select {
	case d := <-done:
		if d.err != nil {
			return &Error{Kind: KindIO, Op: op, Err: d.err}
		}
		c.conn = &d.conn
		return nil
	case <-ctx.Done():
		// The dial may still succeed; hang up on it instead of leaking it.
		go func() {
			if d := <-done; d.err == nil {
				_, _ = d.conn.Disconnect()
			}
		}()
		return &Error{Kind: KindIO, Op: op, Err: ctx.Err()}
	}
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// send issues cmd and returns the reply lines.
func (c *Client) send(ctx context.Context, cmd string) ([]string, error) {
	switch {
	case c.abandoned:
		return nil, &Error{Kind: KindIO, Op: cmd, Err: errAbandoned}
	case c.conn == nil:
		return nil, &Error{Kind: KindIO, Op: cmd, Err: errors.New("connection closed")}
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	conn := c.conn
	done := make(chan response, 1)
	go func() {
		lines, err := conn.SendCommand(cmd)
		done <- response{lines: lines, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(cmd, r.err)
		}
		if len(r.lines) > 0 && strings.HasPrefix(r.lines[0], "ERR ") {
			return nil, &Error{Kind: KindProtocol, Op: cmd, Err: errors.New(strings.TrimPrefix(r.lines[0], "ERR "))}
		}
		return r.lines, nil
	case <-ctx.Done():
		c.abandoned = true
		return nil, &Error{Kind: KindIO, Op: cmd, Err: ctx.Err()}
	}
}

// ListUPS returns the names of the UPS devices upsd knows about.
func (c *Client) ListUPS(ctx context.Context) ([]string, error) {
	const cmd = "LIST UPS"
	lines, err := c.send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range lines {
		if !strings.HasPrefix(line, "UPS ") {
			continue
		}
		args, _, ok := parseReply(line, "UPS", 1)
		if !ok {
			return nil, malformed(cmd, line)
		}
		names = append(names, args[0])
	}
	return names, nil
}

// ListVars fetches the current variable set of ups.
func (c *Client) ListVars(ctx context.Context, ups string) ([]Variable, error) {
	cmd := "LIST VAR " + ups
	lines, err := c.send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	vars := make([]Variable, 0, len(lines))
	for _, line := range lines {
		if !strings.HasPrefix(line, "VAR ") {
			continue
		}
		args, value, ok := parseReply(line, "VAR", 2)
		if !ok {
			return nil, malformed(cmd, line)
		}
		vars = append(vars, Variable{Name: args[1], Value: value})
	}
	return vars, nil
}

// GetVarDescription returns the human readable description of a variable.
func (c *Client) GetVarDescription(ctx context.Context, ups, name string) (string, error) {
	cmd := "GET DESC " + ups + " " + name
	lines, err := c.send(ctx, cmd)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", malformed(cmd, "")
	}
	_, desc, ok := parseReply(lines[0], "DESC", 2)
	if !ok {
		return "", malformed(cmd, lines[0])
	}
	return desc, nil
}

// Close logs out and disconnects. It waits at most the round-trip timeout.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil

	wait := c.timeout
	if wait <= 0 {
		wait = defaultCloseTimeout
	}
	done := make(chan error, 1)
	go func() {
		_, err := conn.Disconnect()
		done <- err
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return classify("LOGOUT", err)
		}
		return nil
	case <-timer.C:
		return &Error{Kind: KindIO, Op: "LOGOUT", Err: context.DeadlineExceeded}
	}
}

func malformed(cmd, line string) *Error {
	return &Error{Kind: KindProtocol, Op: cmd, Err: fmt.Errorf("malformed reply %q", line)}
}

// parseReply splits a reply line shaped `<keyword> <arg>... "<value>"` into
// its nargs bare arguments and the unquoted trailing value.
func parseReply(line, keyword string, nargs int) ([]string, string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimRight(line, "\r"), keyword+" ")
	if !ok {
		return nil, "", false
	}
	parts := strings.SplitN(rest, " ", nargs+1)
	if len(parts) != nargs+1 {
		return nil, "", false
	}
	value, ok := unquote(parts[nargs])
	if !ok {
		return nil, "", false
	}
	return parts[:nargs], value, true
}

// unquote strips the surrounding double quotes of a NUT value and resolves
// the backslash escapes upsd applies to `"` and `\`.
func unquote(s string) (string, bool) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", false
	}
	s = s[1 : len(s)-1]
	if !strings.Contains(s, `\`) {
		return s, true
	}
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteByte(s[i])
	}
	return b.String(), true
}
