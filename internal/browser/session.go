// Package browser drives the headless browser that renders the application.
//
// A Session owns one browser process and the single page the tests use. The
// page is not created: the first navigation adopts the tab the browser opened
// on launch.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/dom"
	"github.com/xcawolfe-amzn/clickharness/internal/logging"
)

// ErrNotLaunched is returned by page operations before Launch and navigation.
var ErrNotLaunched = errors.New("browser not launched")

// Options configure the browser process.
type Options struct {
	Headless bool
	// Bin is the browser executable. Empty lets the launcher find or fetch one.
	Bin    string
	Width  int
	Height int
}

// OptionsFromConfig maps the environment config onto browser options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Headless: cfg.Headless,
		Bin:      cfg.BrowserBin,
		Width:    cfg.ViewWidth,
		Height:   cfg.ViewHeight,
	}
}

// Session is a launched browser plus its active page.
type Session struct {
	opts   Options
	phase  *Phase
	logger *log.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	view *Page
}

// New creates a session. phase decides how console errors are logged; it
// may be nil.
func New(opts Options, phase *Phase, logger *log.Logger) *Session {
	s := &Session{opts: opts, phase: phase, logger: logging.OrDiscard(logger)}
	s.view = &Page{s: s}
	return s
}

// Launch starts the browser process and connects to it.
func (s *Session) Launch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l := launcher.New().Headless(s.opts.Headless)
	if s.opts.Bin != "" {
		l = l.Bin(s.opts.Bin)
	}
	start := time.Now()
	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("connecting to browser: %w", err)
	}
	// The viewport is set explicitly on the adopted page.
	b = b.NoDefaultDevice()

	if err := ctx.Err(); err != nil {
		_ = b.Close()
		l.Cleanup()
		return err
	}
	s.launcher = l
	s.browser = b
	s.logger.Info("browser launched", "headless", s.opts.Headless, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Navigate loads url in the active page, adopting the page on first use.
func (s *Session) Navigate(ctx context.Context, url string) error {
	p, err := s.acquire()
	if err != nil {
		return err
	}
	s.logger.Debug("navigating", "url", url)
	p = p.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("waiting for %s to load: %w", url, err)
	}
	return nil
}

// acquire returns the active page, adopting the browser's first tab once.
func (s *Session) acquire() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page != nil {
		return s.page, nil
	}
	if s.browser == nil {
		return nil, ErrNotLaunched
	}

	pages, err := s.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}
	p := pages.First()
	if p == nil {
		s.logger.Debug("browser has no open page, creating one")
		if p, err = s.browser.Page(proto.TargetCreateTarget{}); err != nil {
			return nil, fmt.Errorf("opening page: %w", err)
		}
	}

	if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.opts.Width,
		Height:            s.opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("setting viewport: %w", err)
	}

	logger, phase := s.logger, s.phase
	go p.EachEvent(func(ev *proto.RuntimeConsoleAPICalled) {
		logConsole(logger, phase, ev, time.Now())
	})()

	s.page = p
	return p, nil
}

// current returns the adopted page without adopting one.
func (s *Session) current() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil, ErrNotLaunched
	}
	return s.page, nil
}

// Page returns the session's page view. It stays valid across the session;
// calls fail with ErrNotLaunched until the first navigation.
func (s *Session) Page() dom.Page {
	return s.view
}

// Close shuts the browser down and removes its profile directory. It is a
// no-op when nothing is open.
func (s *Session) Close() error {
	s.mu.Lock()
	b, l := s.browser, s.launcher
	s.browser, s.launcher, s.page = nil, nil, nil
	s.mu.Unlock()

	if b == nil {
		return nil
	}
	err := b.Close()
	if l != nil {
		l.Cleanup()
	}
	if err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}
	s.logger.Debug("browser closed")
	return nil
}
