package s3ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oarkflow/s3ftp/fs/afos"
	"github.com/oarkflow/s3ftp/providers"
)

// Each test server gets its own slice of the passive range so parallel
// tests cannot collide on data ports.
var nextPortRange atomic.Int32

func init() {
	nextPortRange.Store(42100)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startServer runs Serve in the background and blocks until the listener
// is registered, so tests never dial before the server can answer.
func startServer(t *testing.T, server *Server, listener net.Listener) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(listener)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never registered its listener")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestServer(t *testing.T, opts ...func(*Server)) (*Server, *afos.Afos) {
	t.Helper()

	backend := afos.NewMem()
	first := int(nextPortRange.Add(8)) - 8

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	all := append([]func(*Server){
		WithUserProvider(providers.NewStatic("alice", "hunter2")),
		WithPassivePorts(first, 8),
		WithAddress("127.0.0.1"),
		WithDataTimeout(500 * time.Millisecond),
	}, opts...)
	server := New(backend, all...)
	startServer(t, server, listener)
	return server, backend
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialServer(t *testing.T, server *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
	c.expect(220)
	return c
}

// readReply consumes one reply, multi-line ones included, and returns the
// code and the final line's text.
func (c *testClient) readReply() (int, string) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading reply: %v", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		c.t.Fatalf("short reply line %q", line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		c.t.Fatalf("bad reply code in %q", line)
	}
	if line[3] == '-' {
		end := line[:3] + " "
		for {
			next, err := c.reader.ReadString('\n')
			if err != nil {
				c.t.Fatalf("reading multiline reply: %v", err)
			}
			if strings.HasPrefix(next, end) {
				line = strings.TrimRight(next, "\r\n")
				break
			}
		}
	}
	return code, line[4:]
}

func (c *testClient) send(format string, args ...any) (int, string) {
	c.t.Helper()
	fmt.Fprintf(c.conn, format+"\r\n", args...)
	return c.readReply()
}

func (c *testClient) expect(want int) string {
	c.t.Helper()
	code, text := c.readReply()
	if code != want {
		c.t.Fatalf("reply = %d %q, want %d", code, text, want)
	}
	return text
}

func (c *testClient) cmd(want int, format string, args ...any) string {
	c.t.Helper()
	code, text := c.send(format, args...)
	if code != want {
		c.t.Fatalf("%s: reply = %d %q, want %d", fmt.Sprintf(format, args...), code, text, want)
	}
	return text
}

func (c *testClient) login() {
	c.t.Helper()
	c.cmd(331, "USER alice")
	c.cmd(230, "PASS hunter2")
}

// pasv issues PASV and returns the advertised data address.
func (c *testClient) pasv() string {
	c.t.Helper()
	text := c.cmd(227, "PASV")
	open := strings.Index(text, "(")
	closing := strings.Index(text, ")")
	if open < 0 || closing < open {
		c.t.Fatalf("unparseable PASV reply %q", text)
	}
	parts := strings.Split(text[open+1:closing], ",")
	if len(parts) != 6 {
		c.t.Fatalf("unparseable PASV reply %q", text)
	}
	hi, _ := strconv.Atoi(parts[4])
	lo, _ := strconv.Atoi(parts[5])
	host := strings.Join(parts[:4], ".")
	return fmt.Sprintf("%s:%d", host, hi*256+lo)
}

func (c *testClient) dialData(addr string) net.Conn {
	c.t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		c.t.Fatalf("dialing data %s: %v", addr, err)
	}
	return conn
}

func (c *testClient) store(verb, path, content string) {
	c.t.Helper()
	addr := c.pasv()
	data := c.dialData(addr)
	c.cmd(150, "%s %s", verb, path)
	if _, err := io.WriteString(data, content); err != nil {
		c.t.Fatalf("writing data: %v", err)
	}
	data.Close()
	c.expect(226)
}

func (c *testClient) retrieve(path string) string {
	c.t.Helper()
	addr := c.pasv()
	data := c.dialData(addr)
	defer data.Close()
	c.cmd(150, "RETR %s", path)
	body, err := io.ReadAll(data)
	if err != nil {
		c.t.Fatalf("reading data: %v", err)
	}
	c.expect(226)
	return string(body)
}

func (c *testClient) list(arg string) []string {
	c.t.Helper()
	addr := c.pasv()
	data := c.dialData(addr)
	defer data.Close()
	c.cmd(150, "LIST %s", arg)
	body, err := io.ReadAll(data)
	if err != nil {
		c.t.Fatalf("reading listing: %v", err)
	}
	c.expect(226)
	var lines []string
	for _, line := range strings.Split(string(body), "\r\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestLoginFlow(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)

	// Commands needing auth are refused before login.
	c.cmd(530, "PWD")

	c.cmd(331, "USER alice")
	c.cmd(530, "PASS wrong")

	// A failed login leaves the session usable.
	c.cmd(331, "USER alice")
	c.cmd(230, "PASS hunter2")
	c.cmd(257, "PWD")

	c.cmd(221, "QUIT")
}

func TestUserUnknownRejected(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)

	c.cmd(530, "USER mallory")

	// The session stays open for the configured login.
	c.cmd(331, "USER alice")
	c.cmd(230, "PASS hunter2")

	// A rejected name also clears any earlier login state.
	c.cmd(530, "USER mallory")
	c.cmd(503, "PASS hunter2")
}

func TestPassBeforeUser(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)

	c.cmd(503, "PASS hunter2")
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)

	c.cmd(500, "GOBBLEDYGOOK")
}

func TestSystFeatNoop(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)

	if text := c.cmd(215, "SYST"); !strings.Contains(text, "UNIX") {
		t.Errorf("SYST = %q", text)
	}
	c.cmd(211, "FEAT")
	c.cmd(200, "NOOP")
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)
	c.login()

	c.cmd(257, "MKD /uploads")
	c.cmd(250, "CWD uploads")
	if text := c.cmd(257, "PWD"); !strings.Contains(text, `"/uploads"`) {
		t.Errorf("PWD = %q", text)
	}

	const content = "the quick brown fox\njumps over the lazy dog\n"
	c.store("STOR", "fox.txt", content)

	if got := c.retrieve("fox.txt"); got != content {
		t.Errorf("RETR = %q, want %q", got, content)
	}

	lines := c.list("")
	if len(lines) != 1 || !strings.Contains(lines[0], "fox.txt") {
		t.Errorf("LIST = %q", lines)
	}
	if !strings.Contains(lines[0], fmt.Sprint(len(content))) {
		t.Errorf("LIST line %q missing size %d", lines[0], len(content))
	}

	c.store("APPE", "fox.txt", "again\n")
	if got := c.retrieve("fox.txt"); got != content+"again\n" {
		t.Errorf("after APPE = %q", got)
	}

	c.cmd(350, "RNFR fox.txt")
	c.cmd(250, "RNTO wolf.txt")
	c.cmd(550, "RETR fox.txt") // old name gone; no data conn expected on failure
	if got := c.retrieve("wolf.txt"); got != content+"again\n" {
		t.Errorf("after rename = %q", got)
	}

	c.cmd(250, "DELE wolf.txt")
	c.cmd(250, "CDUP")
	c.cmd(250, "RMD uploads")
}

func TestDirectorySemantics(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)
	c.login()

	c.cmd(257, "MKD /dir")
	if text := c.cmd(550, "MKD /dir"); !strings.Contains(text, "exists") {
		t.Errorf("MKD existing = %q", text)
	}

	c.store("STOR", "/dir/f", "x")
	if text := c.cmd(550, "RMD /dir"); !strings.Contains(text, "not empty") {
		t.Errorf("RMD non-empty = %q", text)
	}

	c.cmd(250, "DELE /dir/f")
	c.cmd(250, "RMD /dir")

	c.cmd(550, "DELE /missing")
	c.cmd(550, "CWD /missing")
	c.cmd(550, "RNFR /missing")
	c.cmd(503, "RNTO /anywhere")
}

func TestCwdClampsAtRoot(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)
	c.login()

	c.cmd(250, "CWD ..")
	if text := c.cmd(257, "PWD"); !strings.Contains(text, `"/"`) {
		t.Errorf("PWD after CWD .. at root = %q", text)
	}
	c.cmd(250, "CWD ../../..")
	if text := c.cmd(257, "PWD"); !strings.Contains(text, `"/"`) {
		t.Errorf("PWD after deep .. = %q", text)
	}
}

func TestTypeCommand(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)
	c.login()

	c.cmd(200, "TYPE I")
	c.cmd(200, "TYPE A")
	c.cmd(504, "TYPE E")
}

func TestPasvNeverConnect(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)
	c.login()

	before := server.ports.available()
	c.pasv()
	// Never dial the data port; the transfer must fail in bounded time
	// instead of hanging.
	c.cmd(150, "LIST")
	c.expect(425)

	// The port went back to the pool.
	deadline := time.Now().Add(2 * time.Second)
	for server.ports.available() != before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.ports.available(); got != before {
		t.Errorf("available ports = %d, want %d", got, before)
	}

	// And passive mode still works afterwards.
	if lines := c.list(""); len(lines) != 0 {
		t.Errorf("LIST of empty root = %q", lines)
	}
}

func TestPasvPortExhaustion(t *testing.T) {
	t.Parallel()

	backend := afos.NewMem()
	first := int(nextPortRange.Add(8)) - 8
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := New(backend,
		WithUserProvider(providers.NewStatic("alice", "hunter2")),
		WithPassivePorts(first, 1),
		WithAddress("127.0.0.1"),
		WithDataTimeout(500*time.Millisecond),
	)
	startServer(t, server, listener)

	holder := dialServer(t, server)
	holder.login()
	holder.pasv()

	// The single data port is taken; a second session is told to retry,
	// not left hanging.
	other := dialServer(t, server)
	other.login()
	code, text := other.send("PASV")
	if code != 425 || !strings.Contains(text, "try again") {
		t.Errorf("PASV under exhaustion = %d %q, want 425", code, text)
	}
}

func TestMaxSessions(t *testing.T) {
	t.Parallel()

	backend := afos.NewMem()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := New(backend,
		WithUserProvider(providers.NewStatic("alice", "hunter2")),
		WithPassivePorts(int(nextPortRange.Add(8))-8, 8),
		WithAddress("127.0.0.1"),
		WithMaxSessions(1),
	)
	startServer(t, server, listener)

	first := dialServer(t, server)
	first.cmd(331, "USER alice")

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading over-capacity greeting: %v", err)
	}
	if !strings.HasPrefix(line, "421") {
		t.Errorf("over-capacity reply = %q, want 421", line)
	}
}

func TestControlCloseAbortsTransfer(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)
	c.login()

	before := server.ports.available()
	addr := c.pasv()
	data := c.dialData(addr)
	defer data.Close()
	c.cmd(150, "STOR pinned.txt")

	// Drop the control connection while the upload still holds the data
	// socket open; the transfer must die and give its port back.
	c.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for server.ports.available() != before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.ports.available(); got != before {
		t.Errorf("available ports = %d, want %d after control close", got, before)
	}
}

func TestShutdownAbortsActiveTransfer(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	c := dialServer(t, server)
	c.login()

	addr := c.pasv()
	data := c.dialData(addr)
	defer data.Close()
	c.cmd(150, "STOR held.txt")

	// The session is parked mid-upload; an expiring shutdown context must
	// force it down instead of waiting forever.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := server.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown returned after %v", elapsed)
	}
}

func TestShutdownStopsAccepting(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t)
	addr := server.Addr().String()

	if err := server.Shutdown(testContext(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Error("dial succeeded after shutdown")
	}
}
