// Package harness runs click tests against a live application: it starts the
// server on a free port, launches a browser, and exposes fixture and UI
// workflows for the test body.
package harness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xcawolfe-amzn/clickharness/internal/browser"
	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/dom"
	"github.com/xcawolfe-amzn/clickharness/internal/fixture"
	"github.com/xcawolfe-amzn/clickharness/internal/gesture"
	"github.com/xcawolfe-amzn/clickharness/internal/logging"
	"github.com/xcawolfe-amzn/clickharness/internal/portalloc"
	"github.com/xcawolfe-amzn/clickharness/internal/server"
)

// ErrNotInitialized is returned by workflow methods before a successful Init.
var ErrNotInitialized = errors.New("environment not initialized")

// Browser is the browser session the environment drives.
type Browser interface {
	Launch(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Page() dom.Page
	Close() error
}

// Server is the application process the environment supervises.
type Server interface {
	Start(ctx context.Context, port int) error
	Stop() error
	// Err reports a fatal condition seen after Start returned, such as
	// the server restarting itself after a crash.
	Err() error
}

// Allocator hands out server ports.
type Allocator interface {
	Allocate(ctx context.Context) (*portalloc.Reservation, error)
}

// Option customizes an Environment.
type Option func(*Environment)

// WithBrowser replaces the rod-backed browser session.
func WithBrowser(b Browser) Option {
	return func(e *Environment) { e.browser = b }
}

// WithServer replaces the subprocess manager.
func WithServer(s Server) Option {
	return func(e *Environment) { e.server = s }
}

// WithAllocator replaces the port allocator.
func WithAllocator(a Allocator) Option {
	return func(e *Environment) { e.alloc = a }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *log.Logger) Option {
	return func(e *Environment) { e.logger = l }
}

// WithHTTPClient sets the client used for fixture requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Environment) { e.httpClient = c }
}

// Environment coordinates the server, the browser and the fixture client for
// one test.
type Environment struct {
	cfg        *config.Config
	runID      string
	logger     *log.Logger
	phase      *browser.Phase
	browser    Browser
	server     Server
	alloc      Allocator
	httpClient *http.Client

	mu            sync.Mutex
	initialized   bool
	closed        bool
	serverStarted bool
	res           *portalloc.Reservation
	port          int
	rootURL       string
	fixtures      *fixture.Client
	ui            *gesture.Sequencer
}

// New validates cfg and assembles an environment. Nothing is started until Init.
func New(cfg *config.Config, opts ...Option) (*Environment, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Environment{
		cfg:   cfg,
		runID: uuid.NewString(),
		phase: &browser.Phase{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.New(logging.Options{Level: cfg.LogLevel, Prefix: e.runID[:8]})
	}
	if e.browser == nil {
		e.browser = browser.New(browser.OptionsFromConfig(cfg), e.phase, e.logger)
	}
	if e.server == nil {
		e.server = server.New(server.OptionsFromConfig(cfg), e.logger)
	}
	if e.alloc == nil {
		e.alloc = portalloc.New(cfg.Port, e.logger)
	}
	return e, nil
}

// RunID identifies this environment in logs.
func (e *Environment) RunID() string { return e.runID }

// Config returns the configuration the environment was built with.
func (e *Environment) Config() *config.Config { return e.cfg }

// Port returns the server port, or 0 before Init.
func (e *Environment) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

// RootURL returns http://localhost:<port><rootPath>, or "" before Init.
func (e *Environment) RootURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rootURL
}

// ServerPID returns the server process id, or 0 when it is not running or
// the server does not expose one.
func (e *Environment) ServerPID() int {
	if p, ok := e.server.(interface{ PID() int }); ok {
		return p.PID()
	}
	return 0
}

// Fixtures returns the fixture client, or nil before Init.
func (e *Environment) Fixtures() *fixture.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fixtures
}

// UI returns the workflow sequencer, or nil before Init.
func (e *Environment) UI() *gesture.Sequencer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ui
}

// Init launches the browser while it starts the server on a free port, and
// returns once both are ready.
func (e *Environment) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized || e.closed {
		e.mu.Unlock()
		return errors.New("environment already initialized")
	}
	e.initialized = true
	e.mu.Unlock()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.browser.Launch(gctx); err != nil {
			return fmt.Errorf("launching browser: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return e.startServer(gctx)
	})
	if err := g.Wait(); err != nil {
		e.logger.Error("init failed", "err", err)
		return fmt.Errorf("cannot confirm server start: %w", err)
	}

	e.mu.Lock()
	page := e.browser.Page()
	waiter := dom.NewWaiter(page, dom.StyleOracle{}, e.cfg.Wait, e.logger)
	e.ui = gesture.New(page, waiter, e.cfg.Wait, e.logger)
	url := e.rootURL
	e.mu.Unlock()

	e.logger.Info("environment ready", "url", url, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// startServer allocates a port and starts the server on it. An address
// conflict releases the port and retries on a fresh one.
func (e *Environment) startServer(ctx context.Context) error {
	attempts := e.cfg.StartAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		res, err := e.alloc.Allocate(ctx)
		if err != nil {
			return fmt.Errorf("allocating port: %w", err)
		}

		err = e.server.Start(ctx, res.Port)
		if err == nil {
			e.mu.Lock()
			e.res = res
			e.port = res.Port
			e.rootURL = fmt.Sprintf("http://localhost:%d%s", res.Port, e.cfg.RootPath)
			e.fixtures = fixture.New(e.rootURL, e.httpClient, e.logger)
			e.serverStarted = true
			e.mu.Unlock()
			return nil
		}

		_ = res.Release()
		if errors.Is(err, server.ErrAddressInUse) && attempt < attempts {
			e.logger.Info("retrying with different port", "port", res.Port, "attempt", attempt)
			continue
		}
		return err
	}
}

// Shutdown tears everything down. It runs every step even if earlier ones
// fail, and is safe after a partial Init and on repeat calls.
func (e *Environment) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started, fixtures, res := e.serverStarted, e.fixtures, e.res
	e.res = nil
	e.mu.Unlock()

	e.phase.BeginTeardown()
	var errs []error

	if started && fixtures != nil {
		if err := fixtures.Cleanup(ctx); err != nil {
			e.logger.Warn("fixture cleanup failed", "err", err)
			errs = append(errs, fmt.Errorf("cleaning up fixtures: %w", err))
		}
	}
	if started {
		if err := e.server.Err(); err != nil {
			errs = append(errs, fmt.Errorf("server failed during the run: %w", err))
		}
	}
	if err := e.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping server: %w", err))
	}
	if err := e.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing browser: %w", err))
	}
	if err := res.Release(); err != nil {
		errs = append(errs, fmt.Errorf("releasing port: %w", err))
	}
	e.logger.Debug("environment shut down")
	return errors.Join(errs...)
}
