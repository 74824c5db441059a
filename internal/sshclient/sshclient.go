package sshclient

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/ssh"
)

// Connector opens SSH client connections to rented instances.
type Connector struct {
	signer      ssh.Signer
	user        string
	dialTimeout time.Duration
}

func NewConnector(cfg *config.TunnelConfig) (*Connector, error) {
	key, err := os.ReadFile(cfg.SSH_KEY_PATH)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	return NewConnectorFromKey(key, cfg.SSH_USER, time.Duration(cfg.DIAL_TIMEOUT_SECONDS)*time.Second)
}

func NewConnectorFromKey(pemBytes []byte, user string, dialTimeout time.Duration) (*Connector, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return &Connector{signer: signer, user: user, dialTimeout: dialTimeout}, nil
}

// Dial connects and authenticates. Instance host keys change whenever the
// provider recycles a machine, so they are not pinned.
func (c *Connector) Dial(ctx context.Context, conn model.Connection) (*ssh.Client, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "SSH/Dial")
	defer span.End()
	span.SetAttributes(attribute.String("host", conn.Host), attribute.Int("port", conn.Port))

	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	user := conn.User
	if user == "" {
		user = c.user
	}
	addr := net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))

	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		err = errdefs.Wrap(errdefs.KindTransportError, "ssh.Dial", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.dialTimeout,
	})
	if err != nil {
		_ = nc.Close()
		err = errdefs.Wrap(errdefs.KindTransportError, "ssh.Handshake", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

// Ping sends an OpenSSH keepalive and waits at most timeout for the reply.
func Ping(ctx context.Context, client *ssh.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errdefs.Wrap(errdefs.KindTransportError, "ssh.Ping", err)
		}
		return nil
	case <-ctx.Done():
		return errdefs.Wrap(errdefs.KindTransportError, "ssh.Ping", ctx.Err())
	}
}
