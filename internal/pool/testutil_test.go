package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/consultra/poolman/internal/audit"
	"github.com/consultra/poolman/internal/connector"
	"github.com/consultra/poolman/internal/logger"
)

// fakeHandle is an in-memory physical connection.
type fakeHandle struct {
	id       string
	openedAt time.Time
}

func (h *fakeHandle) ID() string          { return h.id }
func (h *fakeHandle) OpenedAt() time.Time { return h.openedAt }

// fakeFactory tracks every open/probe/close so tests can assert that no
// connection is leaked or double-freed.
type fakeFactory struct {
	mu sync.Mutex

	seq    int
	live   map[string]bool
	closed map[string]bool

	openErr      error   // returned by every Open when set
	openScript   []error // consumed first, one per Open call
	probeErr     error   // default probe verdict
	probeScript  []error // consumed first, one per Probe call
	doubleCloses int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		live:   make(map[string]bool),
		closed: make(map[string]bool),
	}
}

func (f *fakeFactory) Open(_ context.Context) (connector.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openScript) > 0 {
		err := f.openScript[0]
		f.openScript = f.openScript[1:]
		if err != nil {
			return nil, err
		}
	} else if f.openErr != nil {
		return nil, f.openErr
	}
	f.seq++
	id := fmt.Sprintf("conn-%d", f.seq)
	f.live[id] = true
	return &fakeHandle{id: id, openedAt: time.Now()}, nil
}

func (f *fakeFactory) Probe(_ context.Context, _ connector.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.probeScript) > 0 {
		err := f.probeScript[0]
		f.probeScript = f.probeScript[1:]
		return err
	}
	return f.probeErr
}

func (f *fakeFactory) Close(h connector.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := h.ID()
	if f.closed[id] {
		f.doubleCloses++
		return nil
	}
	delete(f.live, id)
	f.closed[id] = true
	return nil
}

func (f *fakeFactory) setOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *fakeFactory) scriptOpens(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openScript = append(f.openScript, errs...)
}

func (f *fakeFactory) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

func (f *fakeFactory) scriptProbes(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeScript = append(f.probeScript, errs...)
}

func (f *fakeFactory) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeFactory) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

// quietConfig keeps background loops out of the way so tests drive
// probeOnce / scaleOnce / reapExpired deterministically.
func quietConfig(minSize, maxSize int) Configuration {
	return Configuration{
		MinSize:             minSize,
		MaxSize:             maxSize,
		ConnectTimeout:      2 * time.Second,
		LeaseMaxDuration:    time.Minute,
		HealthCheckInterval: time.Hour,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.3,
		ScaleUpIncrement:    2,
		ScaleDownDecrement:  1,
		ScaleInterval:       time.Hour,
		MaxIdleLifetime:     time.Hour,
	}
}

func quietManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(
		ManagerConfig{ReapInterval: time.Hour, DrainPollInterval: 10 * time.Millisecond},
		logger.Nop(),
		audit.NopSink{},
	)
}

func newTestPool(t *testing.T, m *Manager, id string, cfg Configuration, f connector.Factory) *Pool {
	t.Helper()
	p, err := m.CreatePool(context.Background(), PoolSpec{ID: id, Config: cfg, Factory: f})
	require.NoError(t, err)
	return p
}

// waitUntil polls cond for up to two seconds.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}
