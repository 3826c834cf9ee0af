package s3ftp

import (
	"time"

	"github.com/oarkflow/s3ftp/log"
	"github.com/oarkflow/s3ftp/providers"
)

// WithAddress sets the address the control listener binds to.
func WithAddress(address string) func(*Server) {
	return func(s *Server) {
		s.address = address
	}
}

// WithPort sets the control port.
func WithPort(port int) func(*Server) {
	return func(s *Server) {
		s.port = port
	}
}

// WithPublicIP sets the address advertised in passive-mode replies. Use it
// when the server sits behind NAT and the bind address is not routable
// from clients.
func WithPublicIP(ip string) func(*Server) {
	return func(s *Server) {
		s.publicIP = ip
	}
}

// WithPassivePorts sets the range [first, first+count) used for passive
// data connections. The range bounds how many transfers can run at once.
func WithPassivePorts(first, count int) func(*Server) {
	return func(s *Server) {
		s.portsFirst = first
		s.portsCount = count
	}
}

// WithUserProvider sets the credential backend consulted on PASS.
func WithUserProvider(users providers.UserProvider) func(*Server) {
	return func(s *Server) {
		s.users = users
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger log.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithIdleTimeout bounds how long a control connection may sit without
// sending a command before it is dropped.
func WithIdleTimeout(d time.Duration) func(*Server) {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithCommandTimeout bounds the storage work behind a single
// non-transfer command.
func WithCommandTimeout(d time.Duration) func(*Server) {
	return func(s *Server) {
		s.commandTimeout = d
	}
}

// WithDataTimeout bounds how long a passive listener waits for the client
// to connect.
func WithDataTimeout(d time.Duration) func(*Server) {
	return func(s *Server) {
		s.dataTimeout = d
	}
}

// WithMaxSessions caps concurrent control connections; further clients are
// greeted with 421 and disconnected.
func WithMaxSessions(n int) func(*Server) {
	return func(s *Server) {
		s.maxSessions = n
	}
}

// WithWelcomeMessage sets the 220 greeting text.
func WithWelcomeMessage(message string) func(*Server) {
	return func(s *Server) {
		s.welcome = message
	}
}
