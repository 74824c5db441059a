package worker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ssuji15/loracloud/internal/sshclient"
	"github.com/ssuji15/loracloud/model"
)

// SSHRunner runs commands over a fresh SSH connection per call.
type SSHRunner struct {
	connector *sshclient.Connector
}

func NewSSHRunner(c *sshclient.Connector) *SSHRunner {
	return &SSHRunner{connector: c}
}

func (r *SSHRunner) Run(ctx context.Context, conn model.Connection, cmd string, stdin []byte) ([]byte, error) {
	client, err := r.connector.Dial(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("run: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		// closing the client unblocks session.Run
		_ = client.Close()
		<-done
		return nil, ctx.Err()
	}
}
