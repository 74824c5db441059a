package tunnel

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/sshclient"
	"github.com/ssuji15/loracloud/internal/sshclient/sshtest"
	"github.com/stretchr/testify/require"
)

// echoServer stands in for the trainer's HTTP port on the instance.
func echoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newSSHDialer(t *testing.T, srv *sshtest.Server) *SSHDialer {
	t.Helper()
	c, err := sshclient.NewConnectorFromKey(srv.ClientKey, "trainer", 2*time.Second)
	require.NoError(t, err)
	return NewSSHDialer(c, time.Second)
}

func roundTrip(t *testing.T, port int, msg string) {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = c.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

func TestSSHDialer_ForwardsBytes(t *testing.T) {
	srv := sshtest.NewServer(t)
	remote := echoServer(t)
	d := newSSHDialer(t, srv)

	s, err := d.Dial(context.Background(), srv.Connection(), remote, 0)
	require.NoError(t, err)
	defer s.Close()

	require.NotZero(t, s.LocalPort())
	roundTrip(t, s.LocalPort(), "hello trainer")
	// each accepted connection gets its own channel
	roundTrip(t, s.LocalPort(), "second connection")
	require.NoError(t, s.Alive(context.Background()))
}

func TestSSHDialer_CloseReleasesPort(t *testing.T) {
	srv := sshtest.NewServer(t)
	remote := echoServer(t)
	d := newSSHDialer(t, srv)

	s, err := d.Dial(context.Background(), srv.Connection(), remote, 0)
	require.NoError(t, err)
	port := s.LocalPort()
	roundTrip(t, port, "ping")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	// the hinted port can be reopened by a new session
	s2, err := d.Dial(context.Background(), srv.Connection(), remote, port)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, port, s2.LocalPort())
	roundTrip(t, port, "again")
}

func TestSSHDialer_PortInUse(t *testing.T) {
	srv := sshtest.NewServer(t)
	d := newSSHDialer(t, srv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = d.Dial(context.Background(), srv.Connection(), echoServer(t), ln.Addr().(*net.TCPAddr).Port)
	require.Error(t, err)
	require.Equal(t, errdefs.KindConflict, errdefs.KindOf(err))
}

func TestSSHDialer_AliveFailsAfterServerDrops(t *testing.T) {
	srv := sshtest.NewServer(t)
	d := newSSHDialer(t, srv)

	s, err := d.Dial(context.Background(), srv.Connection(), echoServer(t), 0)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Alive(context.Background()))

	srv.Close()
	require.Eventually(t, func() bool {
		return s.Alive(context.Background()) != nil
	}, 5*time.Second, 20*time.Millisecond)
}
