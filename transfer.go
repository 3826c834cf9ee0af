package s3ftp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrNoPortsAvailable is returned when every passive data port is in use.
var ErrNoPortsAvailable = errors.New("no passive ports available")

// portPool hands out ports from a fixed contiguous range. Sessions that
// want a passive listener take a port and must give it back when the data
// connection closes, whether or not a client ever connected.
type portPool struct {
	mu   sync.Mutex
	free []int
}

func newPortPool(first, count int) *portPool {
	p := &portPool{free: make([]int, 0, count)}
	for port := first; port < first+count; port++ {
		p.free = append(p.free, port)
	}
	return p
}

func (p *portPool) acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrNoPortsAvailable
	}
	port := p.free[0]
	p.free = p.free[1:]
	return port, nil
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	p.free = append(p.free, port)
	p.mu.Unlock()
}

func (p *portPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// dataConn is one passive-mode data connection: a listener bound to a
// pooled port, later the accepted connection itself. Close is safe to call
// more than once and always returns the port to the pool.
type dataConn struct {
	listener net.Listener
	port     int
	pool     *portPool

	mu   sync.Mutex
	conn net.Conn
	once sync.Once
}

// openDataConn binds a listener on the next free pooled port. The
// listening socket is ready before this returns, so the port in the
// passive reply is always connectable.
func openDataConn(ip string, pool *portPool) (*dataConn, error) {
	port, err := pool.acquire()
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		pool.release(port)
		return nil, fmt.Errorf("binding data port %d: %w", port, err)
	}
	return &dataConn{listener: listener, port: port, pool: pool}, nil
}

// accept waits for the client to connect, giving up after timeout so a
// client that requests passive mode and never dials cannot hold the port
// forever.
func (d *dataConn) accept(timeout time.Duration) (net.Conn, error) {
	if tl, ok := d.listener.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := d.listener.Accept()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return conn, nil
}

func (d *dataConn) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		d.listener.Close()
		d.pool.release(d.port)
	})
	return nil
}

// passiveReply renders the 227 address as RFC 959 wants it:
// h1,h2,h3,h4,p1,p2 with the port split big-endian.
func passiveReply(ip string, port int) string {
	return fmt.Sprintf("Entering Passive Mode (%s,%d,%d).",
		strings.ReplaceAll(ip, ".", ","), port/256, port%256)
}
