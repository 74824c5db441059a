package tunnel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/metrics"
	"github.com/ssuji15/loracloud/internal/provider"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/model"
)

// Session is one established forwarding path.
type Session interface {
	LocalPort() int
	Alive(ctx context.Context) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, conn model.Connection, remotePort, localPortHint int) (Session, error)
}

type entry struct {
	tunnel  model.Tunnel
	session Session
	// closed when the connect attempt finishes, nil once settled
	done chan struct{}
}

// Manager keeps at most one forwarding session per instance.
type Manager struct {
	provider provider.Provider
	dialer   Dialer

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	healthInterval time.Duration
	healthTimeout  time.Duration
	stop           chan struct{}
	wg             sync.WaitGroup
	log            zerolog.Logger
}

func NewManager(p provider.Provider, d Dialer, healthInterval, healthTimeout time.Duration) *Manager {
	return &Manager{
		provider:       p,
		dialer:         d,
		entries:        make(map[string]*entry),
		healthInterval: healthInterval,
		healthTimeout:  healthTimeout,
		stop:           make(chan struct{}),
		log:            logger.Component("tunnel"),
	}
}

// Open returns the existing open tunnel for instanceID or establishes one.
// Concurrent calls for one instance share a single connect attempt.
func (m *Manager) Open(ctx context.Context, instanceID string, remotePort, localPortHint int) (model.Tunnel, error) {
	if remotePort <= 0 || remotePort > 65535 {
		return model.Tunnel{}, errdefs.New(errdefs.KindInvalidArgument, "tunnel.Open", "invalid remote port %d", remotePort)
	}
	if localPortHint < 0 || localPortHint > 65535 {
		return model.Tunnel{}, errdefs.New(errdefs.KindInvalidArgument, "tunnel.Open", "invalid local port %d", localPortHint)
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return model.Tunnel{}, errdefs.WithOp(errdefs.ErrClosed, "tunnel.Open", nil)
		}
		e, ok := m.entries[instanceID]
		if ok && e.done != nil {
			done := e.done
			m.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return model.Tunnel{}, errdefs.Wrap(errdefs.KindTransportError, "tunnel.Open", ctx.Err())
			}
		}
		if ok && e.tunnel.Status == model.TunnelOpen {
			t := e.tunnel
			m.mu.Unlock()
			return t, nil
		}

		// absent or failed: this caller connects
		var stale Session
		if ok {
			stale = e.session
		}
		pending := &entry{
			tunnel: model.Tunnel{InstanceID: instanceID, RemotePort: remotePort, Status: model.TunnelConnecting},
			done:   make(chan struct{}),
		}
		m.entries[instanceID] = pending
		m.mu.Unlock()

		if stale != nil {
			_ = stale.Close()
		}
		return m.connect(ctx, pending, instanceID, remotePort, localPortHint)
	}
}

func (m *Manager) connect(ctx context.Context, pending *entry, instanceID string, remotePort, localPortHint int) (model.Tunnel, error) {
	session, err := m.dial(ctx, instanceID, remotePort, localPortHint)

	m.mu.Lock()
	defer close(pending.done)
	defer m.mu.Unlock()

	if err != nil {
		if m.entries[instanceID] == pending {
			delete(m.entries, instanceID)
		}
		metrics.TunnelOpens.WithLabelValues("error").Inc()
		m.log.Warn().Err(err).Str("instance_id", instanceID).Msg("tunnel open failed")
		return model.Tunnel{}, err
	}

	// shut down while connecting
	if m.closed || m.entries[instanceID] != pending {
		if m.entries[instanceID] == pending {
			delete(m.entries, instanceID)
		}
		_ = session.Close()
		return model.Tunnel{}, errdefs.New(errdefs.KindConflict, "tunnel.Open", "tunnel for %s closed while connecting", instanceID)
	}

	now := time.Now().UTC()
	pending.session = session
	pending.tunnel.LocalPort = session.LocalPort()
	pending.tunnel.Status = model.TunnelOpen
	pending.tunnel.OpenedAt = &now
	pending.done = nil
	metrics.TunnelOpens.WithLabelValues("ok").Inc()
	m.log.Info().Str("instance_id", instanceID).Int("local_port", pending.tunnel.LocalPort).Int("remote_port", remotePort).Msg("tunnel open")
	return pending.tunnel, nil
}

// dial resolves the instance fresh from the provider and connects.
func (m *Manager) dial(ctx context.Context, instanceID string, remotePort, localPortHint int) (Session, error) {
	inst, err := m.provider.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsRunning() {
		return nil, errdefs.WithOp(errdefs.ErrInstanceNotReady, "tunnel.Open", nil)
	}
	return m.dialer.Dial(ctx, *inst.Connection, remotePort, localPortHint)
}

// Close tears down the session for instanceID. Closing an absent tunnel is
// a no-op. An in-flight open for the same instance is waited for first.
func (m *Manager) Close(ctx context.Context, instanceID string) error {
	for {
		m.mu.Lock()
		e, ok := m.entries[instanceID]
		if !ok {
			m.mu.Unlock()
			return nil
		}
		if e.done != nil {
			done := e.done
			m.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return errdefs.Wrap(errdefs.KindTransportError, "tunnel.Close", ctx.Err())
			}
		}
		delete(m.entries, instanceID)
		m.mu.Unlock()

		if e.session != nil {
			if err := e.session.Close(); err != nil {
				m.log.Warn().Err(err).Str("instance_id", instanceID).Msg("tunnel close")
			}
		}
		m.log.Info().Str("instance_id", instanceID).Msg("tunnel closed")
		return nil
	}
}

func (m *Manager) StatusOf(instanceID string) (model.Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[instanceID]
	if !ok {
		return model.Tunnel{}, false
	}
	return e.tunnel, true
}

func (m *Manager) List() []model.Tunnel {
	m.mu.Lock()
	out := make([]model.Tunnel, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.tunnel)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func (m *Manager) Start() {
	if m.healthInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.CheckHealth(context.Background())
			}
		}
	}()
}

// CheckHealth pings every open session and marks dead ones failed. Failed
// tunnels are not reopened here.
func (m *Manager) CheckHealth(ctx context.Context) {
	type target struct {
		id      string
		e       *entry
		session Session
	}

	m.mu.Lock()
	targets := make([]target, 0, len(m.entries))
	for id, e := range m.entries {
		if e.tunnel.Status == model.TunnelOpen && e.session != nil {
			targets = append(targets, target{id: id, e: e, session: e.session})
		}
	}
	m.mu.Unlock()

	for _, p := range targets {
		pctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
		err := p.session.Alive(pctx)
		cancel()
		if err == nil {
			continue
		}

		// the entry may have been closed or replaced while pinging
		m.mu.Lock()
		marked := m.entries[p.id] == p.e && p.e.tunnel.Status == model.TunnelOpen
		if marked {
			p.e.tunnel.Status = model.TunnelFailed
			p.e.tunnel.Error = errdefs.Message(err)
		}
		m.mu.Unlock()

		if marked {
			metrics.TunnelFailures.Inc()
			m.log.Warn().Err(err).Str("instance_id", p.id).Msg("tunnel marked failed")
		}
	}
}

// ShutDown stops the health sweep and closes every session.
func (m *Manager) ShutDown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("instance_id", id).Msg("tunnel shutdown")
		}
	}
}
