// Package server supervises the application server subprocess.
//
// The server reports its lifecycle on its output streams. Readiness is the
// startup marker on stdout; an address conflict is reported on stderr. Every
// line of output is forwarded to the logger.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kballard/go-shellquote"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/logging"
)

// Output markers written by the server.
const (
	MarkerAlreadyRunning = "Ungit server already running"
	MarkerStarted        = "## Ungit started ##"
	MarkerAddrInUse      = "EADDRINUSE"
)

var (
	// ErrAddressInUse means the server could not bind its port.
	ErrAddressInUse = errors.New("server address already in use")
	// ErrStartedTwice means the server reported startup more than once,
	// which happens when it crashed and was restarted behind our back.
	ErrStartedTwice = errors.New("server started twice")
	// ErrExitedEarly means the process exited before reporting readiness.
	ErrExitedEarly = errors.New("server exited before it was ready")
	// ErrAlreadyRunning is returned by Start while a process is still owned.
	ErrAlreadyRunning = errors.New("server already running")
)

// Options describe how the server is launched.
type Options struct {
	// Command is the executable plus leading arguments.
	Command []string
	Dir     string
	Env     []string

	RootPath      string
	ServerTimeout time.Duration
	NumRefsToShow int
	// Extra options appended after the fixed flags.
	Extra []string

	ReadyGrace  time.Duration
	StopTimeout time.Duration
}

// OptionsFromConfig maps the environment config onto launch options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:       cfg.ServerCommand,
		Dir:           cfg.ServerDir,
		Env:           cfg.ServerEnv,
		RootPath:      cfg.RootPath,
		ServerTimeout: cfg.ServerTimeout,
		NumRefsToShow: cfg.NumRefs(),
		Extra:         cfg.ServerStartupOptions,
		ReadyGrace:    cfg.ReadyGrace,
		StopTimeout:   cfg.StopTimeout,
	}
}

type eventKind int

const (
	evStarted eventKind = iota
	evAddrInUse
)

// process is one spawned server and the channels its supervisor feeds.
type process struct {
	cmd    *exec.Cmd
	events chan eventKind
	// ready receives nil on first startup, or the error that ended it.
	ready  chan error
	exited chan struct{}

	waitErr error
	started bool
}

func (p *process) notify(err error) {
	select {
	case p.ready <- err:
	default:
	}
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Manager owns at most one server process at a time.
type Manager struct {
	opts   Options
	logger *log.Logger

	mu   sync.Mutex
	proc *process
	err  error
}

// New creates a manager. A nil logger discards output.
func New(opts Options, logger *log.Logger) *Manager {
	return &Manager{opts: opts, logger: logging.OrDiscard(logger)}
}

// Args returns the full command line for a server on port.
func (m *Manager) Args(port int) []string {
	numRefs := m.opts.NumRefsToShow
	if numRefs <= 0 {
		numRefs = config.DefaultNumRefsToShow
	}
	args := append([]string{}, m.opts.Command...)
	args = append(args,
		"--cliconfigonly",
		"--port="+strconv.Itoa(port),
		"--rootPath="+m.opts.RootPath,
		"--no-launchBrowser",
		"--dev",
		"--no-bugtracking",
		"--autoShutdownTimeout="+strconv.FormatInt(m.opts.ServerTimeout.Milliseconds(), 10),
		"--logLevel=debug",
		"--maxNAutoRestartOnCrash=0",
		"--no-autoCheckoutOnBranchCreate",
		"--alwaysLoadActiveBranch",
		"--numRefsToShow="+strconv.Itoa(numRefs),
	)
	return append(args, m.opts.Extra...)
}

// Start spawns the server on port and blocks until it reports readiness.
func (m *Manager) Start(ctx context.Context, port int) error {
	m.mu.Lock()
	if m.proc != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(m.opts.Command) == 0 {
		m.mu.Unlock()
		return errors.New("no server command configured")
	}

	args := m.Args(port)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = m.opts.Dir
	cmd.Env = append(os.Environ(), m.opts.Env...)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("opening server stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("opening server stderr: %w", err)
	}

	m.logger.Info("starting server", "port", port, "cmd", shellquote.Join(args...))
	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("starting server: %w", err)
	}

	p := &process{
		cmd:    cmd,
		events: make(chan eventKind),
		ready:  make(chan error, 4),
		exited: make(chan struct{}),
	}
	m.proc = p
	m.err = nil
	m.mu.Unlock()

	go m.supervise(p, stdout, stderr)

	if err := m.awaitReady(ctx, p, port); err != nil {
		m.discard(p)
		return err
	}
	m.logger.Info("server started", "port", port, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) awaitReady(ctx context.Context, p *process, port int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.ready:
		if err != nil {
			return readyErr(port, err)
		}
	case <-p.exited:
		select {
		case err := <-p.ready:
			if err != nil {
				return readyErr(port, err)
			}
		default:
		}
		return fmt.Errorf("%w: %v", ErrExitedEarly, p.waitErr)
	}

	if m.opts.ReadyGrace <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.ready:
		return readyErr(port, err)
	case <-p.exited:
		return fmt.Errorf("%w: %v", ErrExitedEarly, p.waitErr)
	case <-time.After(m.opts.ReadyGrace):
		return nil
	}
}

func readyErr(port int, err error) error {
	if errors.Is(err, ErrAddressInUse) {
		return fmt.Errorf("port %d: %w", port, err)
	}
	return err
}

// supervise reads both output streams, turns markers into events, and reaps
// the process once the streams close.
func (m *Manager) supervise(p *process, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.scan(stdout, "[server] ", false, p.events)
	}()
	go func() {
		defer wg.Done()
		m.scan(stderr, "[server ERROR] ", true, p.events)
	}()
	go func() {
		wg.Wait()
		close(p.events)
	}()

	for ev := range p.events {
		switch ev {
		case evStarted:
			if p.started {
				m.logger.Error("server started twice, it has probably crashed")
				m.mu.Lock()
				m.err = ErrStartedTwice
				m.mu.Unlock()
				p.notify(ErrStartedTwice)
				continue
			}
			p.started = true
			p.notify(nil)
		case evAddrInUse:
			m.logger.Warn("server port already in use, interrupting")
			_ = interrupt(p.cmd.Process)
			p.notify(ErrAddressInUse)
		}
	}

	p.waitErr = p.cmd.Wait()
	m.logger.Debug("server exited", "pid", p.cmd.Process.Pid, "err", p.waitErr)
	close(p.exited)
}

func (m *Manager) scan(r io.Reader, prefix string, isErr bool, events chan<- eventKind) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if msg := logging.PrependLines(prefix, line); msg != "" {
			if isErr {
				m.logger.Error(msg)
			} else {
				m.logger.Debug(msg)
			}
		}
		switch {
		case isErr && strings.Contains(line, MarkerAddrInUse):
			events <- evAddrInUse
		case !isErr && strings.Contains(line, MarkerStarted):
			events <- evStarted
		case !isErr && strings.Contains(line, MarkerAlreadyRunning):
			m.logger.Info("server already running")
		}
	}
	if err := sc.Err(); err != nil {
		m.logger.Warn("server output unreadable, discarding the rest", "stream", strings.TrimSpace(prefix), "err", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// discard stops p after a failed Start and releases the handle.
func (m *Manager) discard(p *process) {
	m.halt(p)
	m.mu.Lock()
	if m.proc == p {
		m.proc = nil
	}
	m.mu.Unlock()
}

// halt interrupts p and kills it if it outlives StopTimeout.
func (m *Manager) halt(p *process) error {
	if p.hasExited() {
		return nil
	}
	if err := interrupt(p.cmd.Process); err != nil {
		m.logger.Debug("interrupt failed, killing server", "err", err)
	}
	timeout := m.opts.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(timeout):
	}
	m.logger.Warn("server did not exit after interrupt, killing", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing server: %w", err)
	}
	<-p.exited
	return nil
}

// Stop shuts the server down. It is a no-op when nothing is running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	p := m.proc
	m.proc = nil
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	m.logger.Info("stopping server", "pid", p.cmd.Process.Pid)
	return m.halt(p)
}

// Running reports whether an owned process is still alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil && !m.proc.hasExited()
}

// PID returns the process id of the owned server, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return 0
	}
	return m.proc.cmd.Process.Pid
}

// Err returns a fatal condition observed after Start returned, such as a
// second startup marker.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func interrupt(p *os.Process) error {
	err := p.Signal(os.Interrupt)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
