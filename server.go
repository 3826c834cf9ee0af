// Package s3ftp serves FTP on top of a pluggable storage backend. The
// control loop, authentication and passive-mode data transfers live here;
// storage semantics live behind interfaces.Filesystem.
package s3ftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oarkflow/s3ftp/interfaces"
	"github.com/oarkflow/s3ftp/log"
	"github.com/oarkflow/s3ftp/providers"
)

const (
	defaultPort           = 2121
	defaultPortsFirst     = 4001
	defaultPortsCount     = 10
	defaultIdleTimeout    = 5 * time.Minute
	defaultCommandTimeout = 15 * time.Second
	defaultDataTimeout    = 10 * time.Second
)

// Server is an FTP server bound to one filesystem backend.
type Server struct {
	filesystem interfaces.Filesystem
	users      providers.UserProvider
	logger     log.Logger

	address  string
	port     int
	publicIP string
	welcome  string

	portsFirst int
	portsCount int

	idleTimeout    time.Duration
	commandTimeout time.Duration
	dataTimeout    time.Duration
	maxSessions    int

	ports    *portPool
	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New builds a server around the given filesystem. Options override the
// defaults; a server without WithUserProvider rejects every login.
func New(filesystem interfaces.Filesystem, opts ...func(*Server)) *Server {
	s := &Server{
		filesystem:     filesystem,
		logger:         log.Nop(),
		address:        "0.0.0.0",
		port:           defaultPort,
		welcome:        "Welcome",
		portsFirst:     defaultPortsFirst,
		portsCount:     defaultPortsCount,
		idleTimeout:    defaultIdleTimeout,
		commandTimeout: defaultCommandTimeout,
		dataTimeout:    defaultDataTimeout,
		sessions:       make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxSessions <= 0 {
		// Each active transfer holds one data port; idle sessions hold
		// none, so the cap is a multiple of the pool size.
		s.maxSessions = s.portsCount * 4
	}
	s.ports = newPortPool(s.portsFirst, s.portsCount)
	s.filesystem.SetLogger(s.logger)
	return s
}

// Addr reports the control listener's address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the control port and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		return fmt.Errorf("binding control port: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts control connections on the given listener. It returns nil
// after Shutdown, or the accept error otherwise.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return errors.New("server is shut down")
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("server listening",
		"addr", listener.Addr().String(),
		"backend", s.filesystem.Type(),
		"data_ports_first", s.portsFirst,
		"data_ports_count", s.portsCount,
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accepting control connection: %w", err)
		}
		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	sess := newSession(s, conn)

	s.mu.Lock()
	if s.closed || len(s.sessions) >= s.maxSessions {
		s.mu.Unlock()
		sess.reply(StatusServiceNotAvailable, "Service not available, closing control connection.")
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
			s.wg.Done()
		}()
		sess.serve()
	}()
}

// Shutdown stops accepting connections and waits for active sessions to
// finish. When ctx expires first, the remaining sessions are closed hard.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for sess := range s.sessions {
			sess.abort()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
