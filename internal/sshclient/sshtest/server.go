// Package sshtest runs an in-process SSH server for tests: it accepts one
// client key, answers keepalives, forwards direct-tcpip channels and hands
// exec requests to a handler.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/ssuji15/loracloud/model"
	"golang.org/x/crypto/ssh"
)

// ExecFunc runs cmd. ctx ends when the client connection goes away.
type ExecFunc func(ctx context.Context, cmd string, stdin []byte, stderr io.Writer) (stdout []byte, status uint32)

type Server struct {
	// ClientKey is the PEM private key the server accepts.
	ClientKey []byte

	listener net.Listener
	config   *ssh.ServerConfig

	mu     sync.Mutex
	exec   ExecFunc
	users  []string
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	hostSigner, _ := newKey(t)
	clientSigner, clientPEM := newKey(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		ClientKey: clientPEM,
		listener:  ln,
		conns:     make(map[net.Conn]struct{}),
	}
	want := clientSigner.PublicKey().Marshal()
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) != string(want) {
				return nil, errors.New("unknown key")
			}
			s.mu.Lock()
			s.users = append(s.users, meta.User())
			s.mu.Unlock()
			return nil, nil
		},
	}
	s.config.AddHostKey(hostSigner)

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func newKey(t testing.TB) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return signer, pem.EncodeToMemory(block)
}

// Connection addresses the server. User is left for the connector to fill.
func (s *Server) Connection() model.Connection {
	return model.Connection{Host: "127.0.0.1", Port: s.listener.Addr().(*net.TCPAddr).Port}
}

func (s *Server) HandleExec(fn ExecFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = fn
}

// Users lists the user names of authenticated connections, in order.
func (s *Server) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

// Close stops accepting and drops every client connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		_ = nc.Close()
	}()

	sc, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sc.Wait()
		cancel()
	}()
	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	var wg sync.WaitGroup
	for nch := range chans {
		switch nch.ChannelType() {
		case "direct-tcpip":
			wg.Add(1)
			go func() {
				defer wg.Done()
				forward(nch)
			}()
		case "session":
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.session(ctx, nch)
			}()
		default:
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel")
		}
	}
	wg.Wait()
}

func forward(nch ssh.NewChannel) {
	var p struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
	if err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, ch)
		_ = target.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, target)
		_ = ch.Close()
	}()
	wg.Wait()
}

func (s *Server) session(ctx context.Context, nch ssh.NewChannel) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var p struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)
		go ssh.DiscardRequests(reqs)

		stdin, _ := io.ReadAll(ch)
		s.mu.Lock()
		fn := s.exec
		s.mu.Unlock()

		var (
			out    []byte
			status uint32
		)
		if fn != nil {
			out, status = fn(ctx, p.Command, stdin, ch.Stderr())
		}
		_, _ = ch.Write(out)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}
