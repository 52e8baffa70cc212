// Package portalloc finds free ephemeral TCP ports for the server under test.
//
// A candidate port is Base plus a random offset in [0, Spread). The allocator
// binds a throwaway listener on the candidate and releases it right away; a
// successful bind means the port was free at that instant. The window between
// release and the server's own bind is a known gap. Harness processes running
// in parallel narrow it with a per-port advisory lock that the Reservation
// holds until Release.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/lock"
	"github.com/xcawolfe-amzn/clickharness/internal/logging"
)

// ErrExhausted is returned when every attempt found its candidate busy.
var ErrExhausted = errors.New("no free port found")

// Allocator picks free ports from a configured range.
type Allocator struct {
	Base       int
	Spread     int
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// LockDir holds reservation lock files. Empty means os.TempDir().
	LockDir string

	logger *log.Logger
	// intn returns a value in [0, n). Replaced in tests.
	intn func(n int) int
	// listen binds the candidate. Replaced in tests.
	listen func(port int) (net.Listener, error)
}

// New creates an allocator from the port section of the environment config.
func New(cfg config.PortConfig, logger *log.Logger) *Allocator {
	return &Allocator{
		Base:       cfg.Base,
		Spread:     cfg.Spread,
		Attempts:   cfg.Attempts,
		Backoff:    cfg.Backoff,
		MaxBackoff: cfg.MaxBackoff,
		LockDir:    cfg.LockDir,
		logger:     logging.OrDiscard(logger),
	}
}

// Reservation is an allocated port plus the lock that keeps other harness
// processes off it.
type Reservation struct {
	Port int
	lock *lock.Lock
}

// Release drops the reservation lock. Safe on nil and safe to repeat.
func (r *Reservation) Release() error {
	if r == nil {
		return nil
	}
	err := r.lock.Release()
	r.lock = nil
	return err
}

// Allocate returns a reservation for a port that was bindable when checked.
// Busy candidates are retried with a fresh random port after a backoff that
// doubles up to MaxBackoff. After Attempts failures the error wraps ErrExhausted.
func (a *Allocator) Allocate(ctx context.Context) (*Reservation, error) {
	if a.Spread <= 0 {
		return nil, fmt.Errorf("invalid port spread %d", a.Spread)
	}
	attempts := a.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := a.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		port := a.Base + a.randIntn(a.Spread)
		res, err := a.try(port)
		if err == nil {
			a.logger.Debug("allocated port", "port", port, "attempt", attempt)
			return res, nil
		}
		lastErr = err
		a.logger.Debug("port candidate busy", "port", port, "attempt", attempt, "err", err)

		if attempt == attempts || delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if a.MaxBackoff > 0 && delay > a.MaxBackoff {
			delay = a.MaxBackoff
		}
	}
	return nil, fmt.Errorf("%w in %d+[0,%d) after %d attempts: %v", ErrExhausted, a.Base, a.Spread, attempts, lastErr)
}

// try reserves and test-binds a single candidate.
func (a *Allocator) try(port int) (*Reservation, error) {
	l, err := lock.TryAcquire(a.lockPath(port))
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("port %d reserved by another harness", port)
	}

	ln, err := a.bind(port)
	if err != nil {
		_ = l.Release()
		return nil, err
	}
	if err := ln.Close(); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("releasing test listener: %w", err)
	}
	return &Reservation{Port: port, lock: l}, nil
}

func (a *Allocator) lockPath(port int) string {
	dir := a.LockDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "clickharness-ports")
	}
	return filepath.Join(dir, "port-"+strconv.Itoa(port)+".lock")
}

func (a *Allocator) bind(port int) (net.Listener, error) {
	if a.listen != nil {
		return a.listen(port)
	}
	return net.Listen("tcp", ":"+strconv.Itoa(port))
}

func (a *Allocator) randIntn(n int) int {
	if a.intn != nil {
		return a.intn(n)
	}
	return rand.IntN(n)
}
