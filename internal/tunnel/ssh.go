package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/internal/sshclient"
	"github.com/ssuji15/loracloud/model"
	"golang.org/x/crypto/ssh"
)

// SSHDialer forwards 127.0.0.1:<local> to 127.0.0.1:<remote> on the
// instance over an SSH connection.
type SSHDialer struct {
	connector   *sshclient.Connector
	pingTimeout time.Duration
}

func NewSSHDialer(c *sshclient.Connector, pingTimeout time.Duration) *SSHDialer {
	return &SSHDialer{connector: c, pingTimeout: pingTimeout}
}

func (d *SSHDialer) Dial(ctx context.Context, conn model.Connection, remotePort, localPortHint int) (Session, error) {
	client, err := d.connector.Dial(ctx, conn)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPortHint)))
	if err != nil {
		_ = client.Close()
		return nil, errdefs.Wrap(errdefs.KindConflict, "tunnel.Listen", err)
	}

	s := &sshSession{
		client:      client,
		listener:    ln,
		remoteAddr:  net.JoinHostPort("127.0.0.1", strconv.Itoa(remotePort)),
		pingTimeout: d.pingTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

type sshSession struct {
	client      *ssh.Client
	listener    net.Listener
	remoteAddr  string
	pingTimeout time.Duration

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func (s *sshSession) LocalPort() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *sshSession) Alive(ctx context.Context) error {
	return sshclient.Ping(ctx, s.client, s.pingTimeout)
}

func (s *sshSession) serve() {
	defer s.wg.Done()
	for {
		local, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Log.Warn().Err(err).Str("remote", s.remoteAddr).Msg("tunnel accept")
			}
			return
		}
		if !s.track(local) {
			_ = local.Close()
			return
		}
		s.wg.Add(1)
		go s.forward(local)
	}
}

func (s *sshSession) forward(local net.Conn) {
	defer s.wg.Done()
	defer s.untrack(local)

	remote, err := s.client.Dial("tcp", s.remoteAddr)
	if err != nil {
		logger.Log.Warn().Err(err).Str("remote", s.remoteAddr).Msg("tunnel remote dial")
		_ = local.Close()
		return
	}
	s.track(remote)
	defer s.untrack(remote)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(remote, local)
		_ = remote.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(local, remote)
		_ = local.Close()
	}()
	wg.Wait()
}

func (s *sshSession) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *sshSession) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

// Close releases the local port and drops every forwarded connection.
func (s *sshSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	lerr := s.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	cerr := s.client.Close()
	s.wg.Wait()

	if lerr != nil {
		return fmt.Errorf("close listener: %w", lerr)
	}
	if cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		return fmt.Errorf("close ssh client: %w", cerr)
	}
	return nil
}
