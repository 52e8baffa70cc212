package portalloc

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
)

// freePort asks the kernel for an unused port and releases it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// sequence returns an intn that yields the given offsets in order, then repeats the last.
func sequence(offsets ...int) func(int) int {
	i := 0
	return func(int) int {
		v := offsets[i]
		if i < len(offsets)-1 {
			i++
		}
		return v
	}
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a := New(config.PortConfig{
		Base:     0,
		Spread:   65536,
		Attempts: 5,
		LockDir:  t.TempDir(),
	}, nil)
	return a
}

func assertBindable(t *testing.T, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("port %d not bindable after Allocate: %v", port, err)
	}
	ln.Close()
}

func TestAllocate_ReturnsBindablePort(t *testing.T) {
	a := newTestAllocator(t)
	want := freePort(t)
	a.intn = sequence(want)

	res, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer res.Release()
	if res.Port != want {
		t.Errorf("Port = %d, want %d", res.Port, want)
	}
	assertBindable(t, res.Port)
}

func TestAllocate_RetriesBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port
	free := freePort(t)

	a := newTestAllocator(t)
	a.intn = sequence(busyPort, free)

	res, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer res.Release()
	if res.Port != free {
		t.Errorf("Port = %d, want fallback %d", res.Port, free)
	}
}

func TestAllocate_BackToBackDistinct(t *testing.T) {
	first := freePort(t)
	second := freePort(t)
	for second == first {
		second = freePort(t)
	}

	a := newTestAllocator(t)
	// Both allocations draw the same first candidate; the held reservation
	// forces the second onto a different port.
	a.intn = sequence(first, first, second)

	r1, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	defer r1.Release()
	r2, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	defer r2.Release()

	if r1.Port == r2.Port {
		t.Fatalf("back-to-back allocations returned the same port %d", r1.Port)
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	a := newTestAllocator(t)
	a.Attempts = 4
	a.Backoff = time.Millisecond
	a.MaxBackoff = 2 * time.Millisecond
	calls := 0
	a.listen = func(port int) (net.Listener, error) {
		calls++
		return nil, errors.New("address already in use")
	}

	_, err := a.Allocate(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Allocate error = %v, want ErrExhausted", err)
	}
	if calls != 4 {
		t.Errorf("bind attempts = %d, want 4", calls)
	}
}

func TestAllocate_ContextCancelled(t *testing.T) {
	a := newTestAllocator(t)
	a.Backoff = time.Hour
	a.listen = func(int) (net.Listener, error) {
		return nil, errors.New("busy")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Allocate(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Allocate error = %v, want deadline exceeded", err)
	}
}

func TestAllocate_InvalidSpread(t *testing.T) {
	a := newTestAllocator(t)
	a.Spread = 0
	if _, err := a.Allocate(context.Background()); err == nil {
		t.Error("expected error for zero spread")
	}
}

func TestReservationRelease(t *testing.T) {
	a := newTestAllocator(t)
	port := freePort(t)
	a.intn = sequence(port)

	res, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := res.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	var nilRes *Reservation
	if err := nilRes.Release(); err != nil {
		t.Errorf("nil Release: %v", err)
	}

	// Released port can be reserved again.
	again, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("re-Allocate: %v", err)
	}
	again.Release()
}

func TestAllocate_PortInRange(t *testing.T) {
	lockDir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		base := rapid.IntRange(20000, 40000).Draw(rt, "base")
		spread := rapid.IntRange(1, 5000).Draw(rt, "spread")

		a := New(config.PortConfig{
			Base:     base,
			Spread:   spread,
			Attempts: 50,
			LockDir:  lockDir,
		}, nil)
		res, err := a.Allocate(context.Background())
		if err != nil {
			rt.Skipf("no free port in range: %v", err)
		}
		defer res.Release()
		if res.Port < base || res.Port >= base+spread {
			rt.Fatalf("port %d outside [%d, %d)", res.Port, base, base+spread)
		}
	})
}
