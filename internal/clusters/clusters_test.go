package clusters

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/config"
	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/service"
	"github.com/dreamware/clusters/internal/storage"
	"github.com/dreamware/clusters/internal/transport"
)

// fakeGateway records pushes per connection id.
type fakeGateway struct {
	mu     sync.Mutex
	pushes map[string][][]byte
	closed []string
	errs   map[string]error
	onPush func(info cluster.ConnectionInfo, payload []byte)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{pushes: map[string][][]byte{}, errs: map[string]error{}}
}

func (g *fakeGateway) Push(_ context.Context, info cluster.ConnectionInfo, payload []byte) error {
	g.mu.Lock()
	err := g.errs[info.ConnectionID]
	if err == nil {
		g.pushes[info.ConnectionID] = append(g.pushes[info.ConnectionID], payload)
	}
	hook := g.onPush
	g.mu.Unlock()
	if err == nil && hook != nil {
		hook(info, payload)
	}
	return err
}

func (g *fakeGateway) Close(_ context.Context, info cluster.ConnectionInfo) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[info.ConnectionID]; err != nil {
		return err
	}
	g.closed = append(g.closed, info.ConnectionID)
	return nil
}

func (g *fakeGateway) fail(connectionID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[connectionID] = err
}

func (g *fakeGateway) sent(connectionID string) []protocol.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []protocol.Message
	for _, p := range g.pushes[connectionID] {
		out = append(out, protocol.ParseMessage(string(p)))
	}
	return out
}

func (g *fakeGateway) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, list := range g.pushes {
		n += len(list)
	}
	return n
}

type dispatched struct {
	kind    string
	jobType string
	target  string
	payload any
}

// fakeDispatcher records jobs instead of running them.
type fakeDispatcher struct {
	mu         sync.Mutex
	jobs       []dispatched
	enqueueErr error
	notifyErr  error
}

func (d *fakeDispatcher) Enqueue(_ context.Context, jobType string, payload any, target string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enqueueErr != nil {
		return "", d.enqueueErr
	}
	d.jobs = append(d.jobs, dispatched{"enqueue", jobType, target, payload})
	return fmt.Sprintf("job-%d", len(d.jobs)), nil
}

func (d *fakeDispatcher) Notify(_ context.Context, jobType string, payload any, target string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notifyErr != nil {
		return "", d.notifyErr
	}
	d.jobs = append(d.jobs, dispatched{"notify", jobType, target, payload})
	return fmt.Sprintf("job-%d", len(d.jobs)), nil
}

func (d *fakeDispatcher) recorded() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.jobs...)
}

// fakeReporter records reported errors.
type fakeReporter struct {
	mu     sync.Mutex
	errs   []error
	scopes []string
}

func (r *fakeReporter) Report(_ context.Context, err error, scope string, _ any, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.scopes = append(r.scopes, scope)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type fixture struct {
	c          *Clusters
	svc        *service.Service
	store      *storage.MemoryStore
	gateway    *fakeGateway
	dispatcher *fakeDispatcher
	reporter   *fakeReporter
	cfg        *config.Config
}

func newFixture(t *testing.T) *fixture {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1700000000000))
	store := storage.NewMemoryStore(storage.WithClock(clk))

	var mu sync.Mutex
	n := 0
	svc := service.New(store,
		service.WithClock(clk),
		service.WithLogger(zaptest.NewLogger(t)),
		service.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("uuid-%04d", n)
		}))

	cfg := config.Default()
	cfg.ApplyEnv(func(string) string { return "" })
	cfg.Secrets["agent"] = "lemon"
	cfg.Secrets["monitor"] = "watch"
	cfg.Secrets["bots"] = "beep"
	cfg.Execute.Interval = 10 * time.Millisecond

	f := &fixture{
		svc:        svc,
		store:      store,
		gateway:    newFakeGateway(),
		dispatcher: &fakeDispatcher{},
		reporter:   &fakeReporter{},
		cfg:        cfg,
	}
	f.c = New(svc, f.gateway, f.dispatcher,
		WithConfig(cfg),
		WithReporter(f.reporter),
		WithClock(clock.New()),
		WithLogger(zaptest.NewLogger(t)))
	return f
}

func basic(s string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(s))
}

func connectionID(n int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("conn-%07d", n)))
}

func connectEvent(n int, credential string) cluster.Event {
	return cluster.Event{
		ID:            fmt.Sprintf("ev-%d", n),
		Type:          cluster.EventConnect,
		Authorization: basic(credential),
		Stage:         "dev",
		Domain:        "localhost",
		ConnectionID:  connectionID(n),
		Agent:         "test",
	}
}

func messageEvent(n int, body string) cluster.Event {
	return cluster.Event{
		Type:         cluster.EventMessage,
		Stage:        "dev",
		Domain:       "localhost",
		ConnectionID: connectionID(n),
		Body:         body,
	}
}

// join connects peer n and adds its edge to the cluster membership.
func (f *fixture) join(t *testing.T, n int, credential string) *ConnectResult {
	t.Helper()
	ctx := context.Background()
	res, err := f.c.OnConnect(ctx, connectEvent(n, credential))
	require.NoError(t, err)
	_, err = f.c.UpdateClusterNodes(ctx, res.Cluster, res.Stereo, []int64{res.Idx}, nil)
	require.NoError(t, err)
	return res
}

func TestRunDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("missing type", func(t *testing.T) {
		err := f.c.Run(ctx, cluster.Event{ID: "x"})
		require.Error(t, err)
		assert.True(t, cluster.IsInvalid(err))
	})

	t.Run("unknown type", func(t *testing.T) {
		err := f.c.Run(ctx, cluster.Event{ID: "x", Type: "PING"})
		require.Error(t, err)
		assert.Equal(t, "@type[PING] is invalid!", err.Error())
	})

	t.Run("connect then disconnect", func(t *testing.T) {
		require.NoError(t, f.c.Run(ctx, connectEvent(1, "agent:lemon")))
		ev := connectEvent(1, "")
		ev.Type = cluster.EventDisconnect
		require.NoError(t, f.c.HandleEvent(ctx, ev))
	})

	t.Run("rejected connect is not reported", func(t *testing.T) {
		err := f.c.Run(ctx, connectEvent(2, "agent:nope"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrWrongPasscode))
		assert.Equal(t, 0, f.reporter.count())
	})
}

func TestPushCountsGone(t *testing.T) {
	f := newFixture(t)
	f.gateway.fail("gone", transport.ErrGone)
	err := f.c.push(context.Background(), cluster.ConnectionInfo{ConnectionID: "gone"}, protocol.Message{Type: protocol.TypeStat})
	assert.True(t, isGone(err))
}
