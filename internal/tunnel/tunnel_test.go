package tunnel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/metrics"
	"github.com/ssuji15/loracloud/internal/provider/memory"
	"github.com/ssuji15/loracloud/model"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	port   int
	mu     sync.Mutex
	dead   bool
	closed bool
	// runs at the start of every Alive call
	onAlive func()
}

func (s *fakeSession) LocalPort() int { return s.port }

func (s *fakeSession) Alive(ctx context.Context) error {
	s.mu.Lock()
	hook := s.onAlive
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return errors.New("connection reset")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	delay    time.Duration
	dials    atomic.Int32
	mu       sync.Mutex
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, conn model.Connection, remotePort, localPortHint int) (Session, error) {
	n := d.dials.Add(1)
	time.Sleep(d.delay)
	port := localPortHint
	if port == 0 {
		port = 40000 + int(n)
	}
	s := &fakeSession{port: port}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func setup(t *testing.T, state model.InstanceState) (*Manager, *fakeDialer, string) {
	t.Helper()
	p := memory.NewProvider(nil, 0)
	inst, err := p.Rent(context.Background(), model.RentRequest{OfferID: "1001", Image: "img", DiskGB: 10})
	require.NoError(t, err)
	p.SetState(inst.ID, state)

	d := &fakeDialer{delay: 20 * time.Millisecond}
	m := NewManager(p, d, 0, time.Second)
	t.Cleanup(func() { m.ShutDown(context.Background()) })
	return m, d, inst.ID
}

func TestOpen_ConcurrentCallsShareOneSession(t *testing.T) {
	m, d, id := setup(t, model.InstanceRunning)

	const callers = 16
	ports := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tun, err := m.Open(context.Background(), id, 8188, 0)
			require.NoError(t, err)
			ports[i] = tun.LocalPort
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), d.dials.Load())
	for _, p := range ports {
		require.Equal(t, ports[0], p)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	m, d, id := setup(t, model.InstanceRunning)

	first, err := m.Open(context.Background(), id, 8188, 9000)
	require.NoError(t, err)
	require.Equal(t, model.TunnelOpen, first.Status)
	require.Equal(t, 9000, first.LocalPort)

	second, err := m.Open(context.Background(), id, 8188, 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), d.dials.Load())
}

func TestOpen_InstanceNotReady(t *testing.T) {
	for _, state := range []model.InstanceState{model.InstanceRequested, model.InstanceStarting, model.InstanceTerminated} {
		t.Run(string(state), func(t *testing.T) {
			m, d, id := setup(t, state)

			_, err := m.Open(context.Background(), id, 8188, 0)
			require.ErrorIs(t, err, errdefs.ErrInstanceNotReady)
			require.Equal(t, int32(0), d.dials.Load())

			_, ok := m.StatusOf(id)
			require.False(t, ok)
		})
	}
}

func TestOpen_UnknownInstance(t *testing.T) {
	m, _, _ := setup(t, model.InstanceRunning)

	_, err := m.Open(context.Background(), "nope", 8188, 0)
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestOpen_InvalidPorts(t *testing.T) {
	m, _, id := setup(t, model.InstanceRunning)

	tests := []struct {
		name   string
		remote int
		local  int
	}{
		{"zero remote", 0, 0},
		{"remote too big", 70000, 0},
		{"negative local", 8188, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Open(context.Background(), id, tt.remote, tt.local)
			require.ErrorIs(t, err, errdefs.ErrInvalidArgument)
		})
	}
}

func TestClose_ThenStatusNeverOpen(t *testing.T) {
	m, d, id := setup(t, model.InstanceRunning)

	_, err := m.Open(context.Background(), id, 8188, 0)
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background(), id))
	_, ok := m.StatusOf(id)
	require.False(t, ok)
	require.True(t, d.sessions[0].isClosed())

	// closing again is a no-op
	require.NoError(t, m.Close(context.Background(), id))
}

func TestClose_WaitsForInflightOpen(t *testing.T) {
	m, d, id := setup(t, model.InstanceRunning)
	d.delay = 100 * time.Millisecond

	opened := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), id, 8188, 0)
		opened <- err
	}()

	require.Eventually(t, func() bool {
		tun, ok := m.StatusOf(id)
		return ok && tun.Status == model.TunnelConnecting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close(context.Background(), id))
	require.NoError(t, <-opened)

	tun, ok := m.StatusOf(id)
	require.False(t, ok, "status after close: %+v", tun)
}

func TestCheckHealth_MarksFailedWithoutReopen(t *testing.T) {
	m, d, id := setup(t, model.InstanceRunning)

	_, err := m.Open(context.Background(), id, 8188, 0)
	require.NoError(t, err)

	d.sessions[0].mu.Lock()
	d.sessions[0].dead = true
	d.sessions[0].mu.Unlock()

	m.CheckHealth(context.Background())

	tun, ok := m.StatusOf(id)
	require.True(t, ok)
	require.Equal(t, model.TunnelFailed, tun.Status)
	require.NotEmpty(t, tun.Error)
	require.Equal(t, int32(1), d.dials.Load())

	// an explicit open replaces the failed session
	reopened, err := m.Open(context.Background(), id, 8188, 0)
	require.NoError(t, err)
	require.Equal(t, model.TunnelOpen, reopened.Status)
	require.Equal(t, int32(2), d.dials.Load())
	require.True(t, d.sessions[0].isClosed())
}

func TestCheckHealth_ClosedDuringPingNotCounted(t *testing.T) {
	m, d, id := setup(t, model.InstanceRunning)

	_, err := m.Open(context.Background(), id, 8188, 0)
	require.NoError(t, err)

	s := d.sessions[0]
	s.mu.Lock()
	s.dead = true
	s.onAlive = func() {
		require.NoError(t, m.Close(context.Background(), id))
	}
	s.mu.Unlock()

	before := testutil.ToFloat64(metrics.TunnelFailures)
	m.CheckHealth(context.Background())

	require.Equal(t, before, testutil.ToFloat64(metrics.TunnelFailures))
	if tun, ok := m.StatusOf(id); ok {
		require.NotEqual(t, model.TunnelFailed, tun.Status)
	}
}

func TestHealthSweepRunsInBackground(t *testing.T) {
	p := memory.NewProvider(nil, 0)
	inst, err := p.Rent(context.Background(), model.RentRequest{OfferID: "1001", Image: "img", DiskGB: 10})
	require.NoError(t, err)
	p.SetState(inst.ID, model.InstanceRunning)

	d := &fakeDialer{}
	m := NewManager(p, d, 10*time.Millisecond, time.Second)
	m.Start()
	defer m.ShutDown(context.Background())

	_, err = m.Open(context.Background(), inst.ID, 8188, 0)
	require.NoError(t, err)

	d.mu.Lock()
	s := d.sessions[0]
	d.mu.Unlock()
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		tun, _ := m.StatusOf(inst.ID)
		return tun.Status == model.TunnelFailed
	}, time.Second, 10*time.Millisecond)
}

func TestShutDown_ClosesSessions(t *testing.T) {
	m, d, id := setup(t, model.InstanceRunning)

	_, err := m.Open(context.Background(), id, 8188, 0)
	require.NoError(t, err)

	m.ShutDown(context.Background())
	require.True(t, d.sessions[0].isClosed())
	require.Empty(t, m.List())

	_, err = m.Open(context.Background(), id, 8188, 0)
	require.ErrorIs(t, err, errdefs.ErrClosed)
}
