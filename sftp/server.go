// Package sftp exposes the same filesystem backends over SFTP, for clients
// that prefer SSH to plain FTP. Authentication goes through the shared user
// provider, so both protocols accept the same credential.
package sftp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/oarkflow/s3ftp/interfaces"
	"github.com/oarkflow/s3ftp/log"
	"github.com/oarkflow/s3ftp/providers"
)

// Settings for the SFTP listener.
type Settings struct {
	BindAddress string
	BindPort    int
	HostKeyPath string
}

// Server serves the SFTP subsystem over one filesystem backend.
type Server struct {
	settings   Settings
	filesystem interfaces.Filesystem
	users      providers.UserProvider
	logger     log.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func New(filesystem interfaces.Filesystem, users providers.UserProvider, settings Settings, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Nop()
	}
	return &Server{
		settings:   settings,
		filesystem: filesystem,
		users:      users,
		logger:     logger,
	}
}

// ListenAndServe binds the SSH port and serves until Close.
func (s *Server) ListenAndServe() error {
	config := &ssh.ServerConfig{
		MaxAuthTries: 6,
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			user, err := s.users.Login(conn.User(), string(pass))
			if err != nil {
				return nil, fmt.Errorf("password rejected for %s", conn.User())
			}
			return &ssh.Permissions{
				Extensions: map[string]string{"user": user.Username},
			}, nil
		},
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("loading host key: %w", err)
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.settings.BindAddress, s.settings.BindPort))
	if err != nil {
		return fmt.Errorf("binding sftp port: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return errors.New("server is closed")
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("sftp subsystem listening",
		"addr", listener.Addr().String(),
		"backend", s.filesystem.Type(),
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
			return fmt.Errorf("accepting sftp connection: %w", err)
		}
		go s.acceptInbound(conn, config)
	}
}

// Close stops the listener; in-flight sessions finish on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		return listener.Close()
	}
	return nil
}

func (s *Server) acceptInbound(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()

	go ssh.DiscardRequests(reqs)

	logger := s.logger.With(
		"remote", sconn.RemoteAddr().String(),
		"user", sconn.Permissions.Extensions["user"],
	)
	logger.Info("sftp session opened")

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		// Only the "sftp" subsystem request is honored; shells and ptys
		// are refused.
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" &&
					len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(requests)

		server := sftp.NewRequestServer(channel, newHandlers(s.filesystem, logger))
		if err := server.Serve(); err == io.EOF {
			server.Close()
		}
	}
	logger.Info("sftp session closed")
}

// loadOrGenerateHostKey reads the configured host key, creating a fresh
// RSA key on first start so the server comes up without manual key
// management.
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath := s.settings.HostKeyPath
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := generateHostKey(keyPath); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	privateBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(privateBytes)
}

func generateHostKey(keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return err
	}
	o, err := os.OpenFile(keyPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer o.Close()

	return pem.Encode(o, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}
