package grouping

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lotas/bubblegroups/internal/host/hosttest"
	"github.com/lotas/bubblegroups/internal/identity"
	"github.com/lotas/bubblegroups/internal/registry"
	"github.com/lotas/bubblegroups/internal/storage"
	"github.com/lotas/bubblegroups/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx    context.Context
	host   *hosttest.Host
	reg    *registry.Registry
	store  *storage.Store
	clock  *fakeClock
	parser *identity.Parser
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := storage.New(db).WithClock(clk.Now)
	reg := registry.New()
	h := hosttest.New()
	noSleep := RetryPolicy{
		Attempts: 3, Base: 100 * time.Millisecond, MaxJitter: 50 * time.Millisecond,
		Sleep: func(context.Context, time.Duration) error { return nil },
	}
	e := New(h, reg, store, Options{Now: clk.Now, Retry: &noSleep, Debounce: 10 * time.Millisecond})
	t.Cleanup(e.Stop)

	return &fixture{
		ctx:    context.Background(),
		host:   h,
		reg:    reg,
		store:  store,
		clock:  clk,
		parser: identity.NewParser(identity.Config{}, store, nil, nil),
		engine: e,
	}
}

func editorURL(app, version string) string {
	return "https://bubble.io/page?id=" + app + "&version=" + version
}

// open adds a tab to the host and registers its identity.
func (f *fixture) open(t *testing.T, tab types.Tab) {
	t.Helper()
	if tab.Index == 0 {
		tab.Index = tab.ID
	}
	f.host.AddTab(tab)
	id, ok := f.parser.ParseCanonical(tab.URL)
	require.True(t, ok, "url %s should parse", tab.URL)
	f.reg.SetTabIdentity(tab.ID, tab.WindowID, id, tab.URL)
}

func (f *fixture) pass(t *testing.T) PassResult {
	t.Helper()
	res, err := f.engine.PlanAndExecuteGrouping(f.ctx, "test")
	require.NoError(t, err)
	return res
}

func (f *fixture) group(t *testing.T, id int) types.TabGroup {
	t.Helper()
	for _, g := range f.host.Groups() {
		if g.ID == id {
			return g
		}
	}
	t.Fatalf("group %d not found", id)
	return types.TabGroup{}
}

func (f *fixture) branch(t *testing.T, app, version string) *types.Branch {
	t.Helper()
	b, err := f.store.GetBranch(f.ctx, types.BranchKey{AppID: app, VersionID: version})
	require.NoError(t, err)
	return b
}
