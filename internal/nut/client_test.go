package nut

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestParseReply_Var(t *testing.T) {
	args, value, ok := parseReply(`VAR cyberpower ups.status "OL CHRG"`, "VAR", 2)
	if !ok {
		t.Fatal("parseReply should accept a well-formed VAR line")
	}
	if args[0] != "cyberpower" || args[1] != "ups.status" {
		t.Errorf("args = %v, want [cyberpower ups.status]", args)
	}
	if value != "OL CHRG" {
		t.Errorf("value = %q, want %q", value, "OL CHRG")
	}
}

func TestParseReply_Desc(t *testing.T) {
	_, value, ok := parseReply(`DESC ups input.voltage "Input voltage (V)"`+"\r", "DESC", 2)
	if !ok {
		t.Fatal("parseReply should accept a DESC line with a trailing CR")
	}
	if value != "Input voltage (V)" {
		t.Errorf("value = %q, want %q", value, "Input voltage (V)")
	}
}

func TestParseReply_UPS(t *testing.T) {
	args, value, ok := parseReply(`UPS myups "CyberPower CP1500"`, "UPS", 1)
	if !ok {
		t.Fatal("parseReply should accept a UPS line")
	}
	if args[0] != "myups" || value != "CyberPower CP1500" {
		t.Errorf("got (%v, %q)", args, value)
	}
}

func TestParseReply_Malformed(t *testing.T) {
	cases := []string{
		`VAR ups`,
		`VAR ups ups.load 8`,
		`VAR ups ups.load "8`,
		`DESC ups ups.load "Load"`,
	}
	for _, line := range cases {
		if _, _, ok := parseReply(line, "VAR", 2); ok {
			t.Errorf("parseReply(%q) should fail", line)
		}
	}
}

func TestUnquote_Escapes(t *testing.T) {
	cases := map[string]string{
		`""`:               "",
		`"plain"`:          "plain",
		`"say \"hi\""`:     `say "hi"`,
		`"back\\slash"`:    `back\slash`,
		`"C:\\ups\\model"`: `C:\ups\model`,
	}
	for in, want := range cases {
		got, ok := unquote(in)
		if !ok {
			t.Errorf("unquote(%s) failed", in)
			continue
		}
		if got != want {
			t.Errorf("unquote(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"eof", io.EOF, KindIO},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), KindIO},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, KindIO},
		{"reset", syscall.ECONNRESET, KindIO},
		{"deadline", context.DeadlineExceeded, KindIO},
		{"abandoned", errAbandoned, KindIO},
		{"go.nut read failure", errors.New("error reading response: EOF"), KindIO},
		{"upsd error", errors.New("UNKNOWN-UPS"), KindProtocol},
		{"access denied", errors.New("ACCESS-DENIED"), KindProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := kindOf(tc.err); got != tc.want {
				t.Errorf("kindOf(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsIO(t *testing.T) {
	ioErr := fmt.Errorf("polling: %w", &Error{Kind: KindIO, Op: "LIST VAR ups", Err: io.EOF})
	if !IsIO(ioErr) {
		t.Error("IsIO should see through wrapping")
	}
	protoErr := &Error{Kind: KindProtocol, Op: "LIST VAR ups", Err: errors.New("UNKNOWN-UPS")}
	if IsIO(protoErr) {
		t.Error("protocol errors are not I/O errors")
	}
	if IsIO(io.EOF) {
		t.Error("unclassified errors are not I/O errors")
	}
}

func TestClassify_KeepsExistingError(t *testing.T) {
	orig := &Error{Kind: KindProtocol, Op: "GET DESC", Err: errors.New("x")}
	if got := classify("LIST VAR", fmt.Errorf("wrap: %w", orig)); got != orig {
		t.Errorf("classify should return the wrapped *Error, got %v", got)
	}
}

func TestClient_AbandonedFailsFast(t *testing.T) {
	c := &Client{abandoned: true}
	_, err := c.ListVars(context.Background(), "ups")
	if !IsIO(err) {
		t.Fatalf("expected I/O error from abandoned client, got %v", err)
	}
}

func TestClient_ClosedFailsFast(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on unconnected client: %v", err)
	}
	if _, err := c.ListUPS(context.Background()); !IsIO(err) {
		t.Fatalf("expected I/O error from closed client, got %v", err)
	}
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() //nolint:errcheck

	_, err = Dial(context.Background(), "127.0.0.1", port, 0)
	if err == nil {
		t.Fatal("expected error dialing a closed port")
	}
	if !IsIO(err) {
		t.Errorf("dial failure should be an I/O error, got %v", err)
	}
}

// fakeUpsd is a loopback upsd speaking just enough of the NUT protocol for
// the Client: canned replies per command, silence for the commands in
// silent, and ERR UNKNOWN-COMMAND for everything else.
type fakeUpsd struct {
	ln      net.Listener
	replies map[string]string
	silent  map[string]bool

	mu    sync.Mutex
	conns []net.Conn
}

func startUpsd(t *testing.T) *fakeUpsd {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	u := &fakeUpsd{
		ln: ln,
		replies: map[string]string{
			"VER":    "Network UPS Tools upsd 2.8.1 - http://www.networkupstools.org/\n",
			"NETVER": "1.3\n",
			"LIST UPS": "BEGIN LIST UPS\n" +
				`UPS cyberpower "CP1500EPFCLCD"` + "\n" +
				"END LIST UPS\n",
			"LIST VAR cyberpower": "BEGIN LIST VAR cyberpower\n" +
				`VAR cyberpower input.voltage "122.0"` + "\n" +
				`VAR cyberpower ups.status "OL CHRG"` + "\n" +
				`VAR cyberpower ups.mfr "say \"hi\""` + "\n" +
				"END LIST VAR cyberpower\n",
			"LIST VAR stale":                   "ERR DATA-STALE\n",
			"GET DESC cyberpower input.voltage": `DESC cyberpower input.voltage "Input voltage (V)"` + "\n",
			"GET DESC cyberpower no.such.var":   "ERR VAR-NOT-SUPPORTED\n",
			"LOGOUT":                            "OK Goodbye\n",
		},
		silent: map[string]bool{"LIST VAR silent": true},
	}
	go u.serve()
	t.Cleanup(u.close)
	return u
}

func (u *fakeUpsd) port() int {
	return u.ln.Addr().(*net.TCPAddr).Port
}

func (u *fakeUpsd) serve() {
	for {
		conn, err := u.ln.Accept()
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conns = append(u.conns, conn)
		u.mu.Unlock()
		go u.handle(conn)
	}
}

func (u *fakeUpsd) handle(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := strings.TrimSpace(sc.Text())
		if u.silent[cmd] {
			continue
		}
		reply, ok := u.replies[cmd]
		if !ok {
			reply = "ERR UNKNOWN-COMMAND\n"
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
		if cmd == "LOGOUT" {
			conn.Close() //nolint:errcheck
			return
		}
	}
}

func (u *fakeUpsd) close() {
	u.ln.Close() //nolint:errcheck
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range u.conns {
		c.Close() //nolint:errcheck
	}
}

func dialUpsd(t *testing.T, u *fakeUpsd, timeout time.Duration) *Client {
	t.Helper()
	c, err := Dial(context.Background(), "127.0.0.1", u.port(), timeout)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func TestClient_Upsd_RoundTrips(t *testing.T) {
	u := startUpsd(t)
	c := dialUpsd(t, u, 2*time.Second)
	ctx := context.Background()

	names, err := c.ListUPS(ctx)
	if err != nil {
		t.Fatalf("ListUPS: %v", err)
	}
	if !slices.Equal(names, []string{"cyberpower"}) {
		t.Errorf("ListUPS = %v, want [cyberpower]", names)
	}

	vars, err := c.ListVars(ctx, "cyberpower")
	if err != nil {
		t.Fatalf("ListVars: %v", err)
	}
	want := []Variable{
		{Name: "input.voltage", Value: "122.0"},
		{Name: "ups.status", Value: "OL CHRG"},
		{Name: "ups.mfr", Value: `say "hi"`},
	}
	if !slices.Equal(vars, want) {
		t.Errorf("ListVars = %v, want %v", vars, want)
	}

	desc, err := c.GetVarDescription(ctx, "cyberpower", "input.voltage")
	if err != nil {
		t.Fatalf("GetVarDescription: %v", err)
	}
	if desc != "Input voltage (V)" {
		t.Errorf("description = %q, want %q", desc, "Input voltage (V)")
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := c.ListUPS(ctx); !IsIO(err) {
		t.Errorf("ListUPS after Close = %v, want I/O error", err)
	}
}

func TestClient_Upsd_ErrReplyIsProtocolError(t *testing.T) {
	u := startUpsd(t)
	c := dialUpsd(t, u, 2*time.Second)
	defer c.Close() //nolint:errcheck
	ctx := context.Background()

	_, err := c.GetVarDescription(ctx, "cyberpower", "no.such.var")
	if err == nil {
		t.Fatal("expected an error for an unsupported variable")
	}
	if IsIO(err) {
		t.Errorf("ERR reply should be a protocol error, got %v", err)
	}
	var nerr *Error
	if !errors.As(err, &nerr) || nerr.Kind != KindProtocol {
		t.Errorf("expected *Error of kind protocol, got %v", err)
	}

	// The connection survives a protocol error.
	if _, err := c.ListUPS(ctx); err != nil {
		t.Errorf("ListUPS after protocol error: %v", err)
	}
}

func TestClient_Upsd_TimeoutAbandonsConnection(t *testing.T) {
	u := startUpsd(t)
	c := dialUpsd(t, u, 300*time.Millisecond)
	defer c.Close() //nolint:errcheck
	ctx := context.Background()

	start := time.Now()
	_, err := c.ListVars(ctx, "silent")
	elapsed := time.Since(start)
	if !IsIO(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ListVars on a silent upsd = %v, want I/O deadline error", err)
	}
	if elapsed > 1500*time.Millisecond {
		t.Errorf("round trip took %v, want it bounded near 300ms", elapsed)
	}
	if !c.abandoned {
		t.Error("client should be abandoned after a timed out round trip")
	}

	start = time.Now()
	_, err = c.ListUPS(ctx)
	if !errors.Is(err, errAbandoned) {
		t.Fatalf("next call = %v, want errAbandoned", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("abandoned client should fail fast, took %v", time.Since(start))
	}
}

// go.nut keeps reading until END LIST, so an ERR reply to a LIST command
// only surfaces as a read timeout and is classified as I/O. If this starts
// failing, go.nut reports such replies directly and LIST errors can be
// treated as protocol errors.
func TestClient_Upsd_ErrReplyToListIsSeenAsIO(t *testing.T) {
	u := startUpsd(t)
	c := dialUpsd(t, u, 3*time.Second)
	defer c.Close() //nolint:errcheck

	_, err := c.ListVars(context.Background(), "stale")
	if err == nil {
		t.Fatal("expected an error for ERR DATA-STALE")
	}
	if !IsIO(err) {
		t.Errorf("ERR reply to LIST VAR = %v, want it classified as I/O", err)
	}
}
