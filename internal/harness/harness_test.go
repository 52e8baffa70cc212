package harness

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/dom"
	"github.com/xcawolfe-amzn/clickharness/internal/dom/domtest"
	"github.com/xcawolfe-amzn/clickharness/internal/fixture"
	"github.com/xcawolfe-amzn/clickharness/internal/logging"
	"github.com/xcawolfe-amzn/clickharness/internal/portalloc"
	"github.com/xcawolfe-amzn/clickharness/internal/server"
)

type fakeBrowser struct {
	page      *domtest.Page
	launchErr error
	launches  atomic.Int32
	closes    atomic.Int32
	closeErr  error
}

func (b *fakeBrowser) Launch(context.Context) error {
	b.launches.Add(1)
	return b.launchErr
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) error {
	return b.page.Navigate(ctx, url)
}

func (b *fakeBrowser) Page() dom.Page { return b.page }

func (b *fakeBrowser) Close() error {
	b.closes.Add(1)
	return b.closeErr
}

type fakeServer struct {
	mu       sync.Mutex
	startErr []error // consumed in order; nil entries succeed
	ports    []int
	stops    int
	err      error
}

func (s *fakeServer) Start(_ context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = append(s.ports, port)
	if len(s.startErr) == 0 {
		return nil
	}
	err := s.startErr[0]
	s.startErr = s.startErr[1:]
	return err
}

func (s *fakeServer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

type fakeAllocator struct {
	mu    sync.Mutex
	ports []int
	calls int
}

func (a *fakeAllocator) Allocate(context.Context) (*portalloc.Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls >= len(a.ports) {
		return nil, portalloc.ErrExhausted
	}
	p := a.ports[a.calls]
	a.calls++
	return &portalloc.Reservation{Port: p}, nil
}

// backend is a fake application API listening on a real port.
type backend struct {
	port     int
	cleanups atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	r := chi.NewRouter()
	r.Post("/api/testing/cleanup", func(w http.ResponseWriter, _ *http.Request) {
		b.cleanups.Add(1)
	})
	r.Post("/api/testing/createtempdir", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"/tmp/harness-repo"}`))
	})
	r.Post("/api/init", func(http.ResponseWriter, *http.Request) {})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	b.port = srv.Listener.Addr().(*net.TCPAddr).Port
	return b
}

type fakes struct {
	browser *fakeBrowser
	server  *fakeServer
	alloc   *fakeAllocator
}

func newEnv(t *testing.T, f *fakes, mutate func(*config.Config)) *Environment {
	t.Helper()
	cfg := config.Default()
	cfg.Wait = config.WaitConfig{Timeout: 200 * time.Millisecond, Interval: 2 * time.Millisecond}
	if mutate != nil {
		mutate(cfg)
	}
	env, err := New(cfg,
		WithBrowser(f.browser),
		WithServer(f.server),
		WithAllocator(f.alloc),
		WithLogger(logging.Discard()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func TestInit(t *testing.T) {
	be := newBackend(t)
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage()},
		server:  &fakeServer{},
		alloc:   &fakeAllocator{ports: []int{be.port}},
	}
	env := newEnv(t, f, func(c *config.Config) { c.RootPath = "" })

	if env.Port() != 0 || env.RootURL() != "" || env.Fixtures() != nil || env.UI() != nil {
		t.Fatal("environment exposes state before Init")
	}
	if err := env.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if env.Port() != be.port {
		t.Errorf("Port() = %d, want %d", env.Port(), be.port)
	}
	if f.browser.launches.Load() != 1 {
		t.Errorf("browser launched %d times", f.browser.launches.Load())
	}
	if env.Fixtures() == nil || env.UI() == nil {
		t.Fatal("Fixtures/UI nil after Init")
	}
	if env.Fixtures().BaseURL() != env.RootURL() {
		t.Errorf("fixture base = %q, root = %q", env.Fixtures().BaseURL(), env.RootURL())
	}
	if len(env.RunID()) != 36 {
		t.Errorf("RunID() = %q, want a uuid", env.RunID())
	}

	cfg := &fixture.RepoConfig{}
	if err := env.InitRepo(context.Background(), cfg); err != nil {
		t.Fatalf("InitRepo: %v", err)
	}
	if cfg.Path != "/tmp/harness-repo" {
		t.Errorf("repo path = %q", cfg.Path)
	}

	if err := env.Init(context.Background()); err == nil {
		t.Error("second Init should fail")
	}

	if err := env.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if be.cleanups.Load() != 1 {
		t.Errorf("cleanup requests = %d, want 1", be.cleanups.Load())
	}
	if !env.phase.InTeardown() {
		t.Error("teardown phase not set by Shutdown")
	}
}

func TestRootURL(t *testing.T) {
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage()},
		server:  &fakeServer{},
		alloc:   &fakeAllocator{ports: []int{45123}},
	}
	env := newEnv(t, f, func(c *config.Config) { c.RootPath = "/deep" })
	if err := env.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got, want := env.RootURL(), "http://localhost:45123/deep"; got != want {
		t.Errorf("RootURL() = %q, want %q", got, want)
	}
}

func TestInit_RetriesAddressInUse(t *testing.T) {
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage()},
		server:  &fakeServer{startErr: []error{server.ErrAddressInUse, nil}},
		alloc:   &fakeAllocator{ports: []int{45001, 45002}},
	}
	env := newEnv(t, f, nil)
	if err := env.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if env.Port() != 45002 {
		t.Errorf("Port() = %d, want the retried port 45002", env.Port())
	}
	if len(f.server.ports) != 2 || f.server.ports[0] != 45001 {
		t.Errorf("start ports = %v", f.server.ports)
	}
}

func TestInit_AddressInUseExhausted(t *testing.T) {
	inUse := []error{server.ErrAddressInUse, server.ErrAddressInUse, server.ErrAddressInUse}
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage()},
		server:  &fakeServer{startErr: inUse},
		alloc:   &fakeAllocator{ports: []int{45001, 45002, 45003, 45004}},
	}
	env := newEnv(t, f, func(c *config.Config) { c.StartAttempts = 3 })
	err := env.Init(context.Background())
	if !errors.Is(err, server.ErrAddressInUse) {
		t.Fatalf("Init error = %v, want ErrAddressInUse", err)
	}
	if !strings.HasPrefix(err.Error(), "cannot confirm server start: ") {
		t.Errorf("error = %q, want cannot confirm prefix", err.Error())
	}
	if f.alloc.calls != 3 {
		t.Errorf("allocations = %d, want 3", f.alloc.calls)
	}
	if env.Port() != 0 {
		t.Errorf("Port() = %d after failed Init", env.Port())
	}
}

func TestInit_StartedTwiceIsFatal(t *testing.T) {
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage()},
		server:  &fakeServer{startErr: []error{server.ErrStartedTwice}},
		alloc:   &fakeAllocator{ports: []int{45001, 45002}},
	}
	env := newEnv(t, f, nil)
	if err := env.Init(context.Background()); !errors.Is(err, server.ErrStartedTwice) {
		t.Fatalf("Init error = %v, want ErrStartedTwice", err)
	}
	if f.alloc.calls != 1 {
		t.Errorf("crash restart was retried: %d allocations", f.alloc.calls)
	}
}

func TestInit_BrowserFailure(t *testing.T) {
	be := newBackend(t)
	boom := errors.New("no chrome")
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage(), launchErr: boom},
		server:  &fakeServer{},
		alloc:   &fakeAllocator{ports: []int{be.port}},
	}
	env := newEnv(t, f, nil)
	err := env.Init(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Init error = %v, want browser error", err)
	}
	if env.UI() != nil {
		t.Error("UI available after failed Init")
	}

	// The server came up, so a partial Init still cleans its fixtures.
	if err := env.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if be.cleanups.Load() != 1 {
		t.Errorf("cleanup requests = %d, want 1", be.cleanups.Load())
	}
	if f.server.stops != 1 || f.browser.closes.Load() != 1 {
		t.Errorf("stops = %d, closes = %d; want 1 each", f.server.stops, f.browser.closes.Load())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage()},
		server:  &fakeServer{},
		alloc:   &fakeAllocator{},
	}
	env := newEnv(t, f, nil)
	// Never initialized: no server, so no cleanup request.
	if err := env.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := env.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if f.server.stops != 1 || f.browser.closes.Load() != 1 {
		t.Errorf("stops = %d, closes = %d; want 1 each", f.server.stops, f.browser.closes.Load())
	}
	if err := env.Init(context.Background()); err == nil {
		t.Error("Init after Shutdown should fail")
	}
}

func TestShutdown_JoinsErrors(t *testing.T) {
	closeErr := errors.New("browser stuck")
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage(), closeErr: closeErr},
		server:  &fakeServer{},
		alloc:   &fakeAllocator{},
	}
	env := newEnv(t, f, nil)
	err := env.Shutdown(context.Background())
	if !errors.Is(err, closeErr) {
		t.Fatalf("Shutdown error = %v, want browser close error", err)
	}
	if f.server.stops != 1 {
		t.Error("server stop skipped")
	}
}

func TestServerCrashAfterInitIsReported(t *testing.T) {
	be := newBackend(t)
	page := domtest.NewPage()
	page.Add(".btn", domtest.Shown)
	f := &fakes{
		browser: &fakeBrowser{page: page},
		server:  &fakeServer{},
		alloc:   &fakeAllocator{ports: []int{be.port}},
	}
	env := newEnv(t, f, func(c *config.Config) { c.RootPath = "" })
	ctx := context.Background()
	if err := env.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	f.server.mu.Lock()
	f.server.err = server.ErrStartedTwice
	f.server.mu.Unlock()

	if err := env.Click(ctx, ".btn", 1); !errors.Is(err, server.ErrStartedTwice) {
		t.Errorf("Click after crash = %v, want ErrStartedTwice", err)
	}
	if err := env.InitRepo(ctx, &fixture.RepoConfig{}); !errors.Is(err, server.ErrStartedTwice) {
		t.Errorf("InitRepo after crash = %v, want ErrStartedTwice", err)
	}
	if len(page.Actions()) != 0 {
		t.Errorf("actions ran after crash: %q", page.Actions())
	}

	err := env.Shutdown(ctx)
	if !errors.Is(err, server.ErrStartedTwice) {
		t.Errorf("Shutdown = %v, want ErrStartedTwice joined", err)
	}
	if be.cleanups.Load() != 1 || f.server.stops != 1 {
		t.Errorf("cleanups = %d, stops = %d; teardown must still run", be.cleanups.Load(), f.server.stops)
	}
}

func TestWorkflowsBeforeInit(t *testing.T) {
	f := &fakes{
		browser: &fakeBrowser{page: domtest.NewPage()},
		server:  &fakeServer{},
		alloc:   &fakeAllocator{},
	}
	env := newEnv(t, f, nil)
	ctx := context.Background()

	checks := map[string]error{
		"Goto":          env.Goto(ctx, "http://x"),
		"Click":         env.Click(ctx, ".a", 1),
		"Commit":        env.Commit(ctx, "m"),
		"CreateBranch":  env.CreateBranch(ctx, "b"),
		"RefAction":     env.RefAction(ctx, "b", true, "delete"),
		"OpenRepo":      env.OpenRepository(ctx, "/r"),
		"InitRepo":      env.InitRepo(ctx, &fixture.RepoConfig{}),
		"CreateCommits": env.CreateCommits(ctx, &fixture.RepoConfig{}, 1),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNotInitialized) {
			t.Errorf("%s before Init = %v, want ErrNotInitialized", name, err)
		}
	}
}

func TestWorkflowsDelegate(t *testing.T) {
	page := domtest.NewPage()
	page.Add(".btn", domtest.Shown)
	page.Add(".repository-actions", domtest.Shown)
	f := &fakes{
		browser: &fakeBrowser{page: page},
		server:  &fakeServer{},
		alloc:   &fakeAllocator{ports: []int{45010}},
	}
	env := newEnv(t, f, func(c *config.Config) { c.Wait.SettleDelay = 0 })
	ctx := context.Background()
	if err := env.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if err := env.Click(ctx, ".btn", 2); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if _, err := env.WaitForElementVisible(ctx, ".btn", 0); err != nil {
		t.Fatalf("WaitForElementVisible: %v", err)
	}
	if err := env.WaitForElementHidden(ctx, ".gone", 0); err != nil {
		t.Fatalf("WaitForElementHidden: %v", err)
	}
	if err := env.Goto(ctx, "http://localhost:45010/"); err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if err := env.Type(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if err := env.Press(ctx, "Enter"); err != nil {
		t.Fatal(err)
	}
	want := []string{"click .btn x2", "navigate http://localhost:45010/", "type abc", "press Enter"}
	got := page.Actions()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("actions = %q, want %q", got, want)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.RootPath = "relative"
	if _, err := New(cfg); err == nil {
		t.Error("New should reject an invalid config")
	}
}
