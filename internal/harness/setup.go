package harness

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
)

// EnvE2E must be set for Setup to run; otherwise the test is skipped.
const EnvE2E = "CLICKTEST_E2E"

// InitTimeout bounds Init inside Setup.
var InitTimeout = 2 * time.Minute

// Setup builds and initializes an environment for tb and registers its
// Shutdown with tb.Cleanup. Shutdown runs even when Init fails.
func Setup(tb testing.TB, cfg *config.Config, opts ...Option) *Environment {
	tb.Helper()
	if os.Getenv(EnvE2E) == "" {
		tb.Skipf("set %s=1 to run click tests", EnvE2E)
	}

	env, err := New(cfg, opts...)
	if err != nil {
		tb.Fatalf("harness: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := env.Shutdown(ctx); err != nil {
			tb.Logf("harness shutdown: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), InitTimeout)
	defer cancel()
	if err := env.Init(ctx); err != nil {
		tb.Fatalf("harness: %v", err)
	}
	return env
}
