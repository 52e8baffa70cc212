package dom

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/logging"
)

// Waiter polls a page for elements matching a selector.
type Waiter struct {
	page   Page
	oracle VisibilityOracle
	logger *log.Logger

	// Timeout applies when a call passes timeout <= 0.
	Timeout time.Duration
	// Interval is the pause between visibility polls.
	Interval time.Duration

	now func() time.Time
}

// NewWaiter creates a waiter over page. A nil oracle uses StyleOracle.
func NewWaiter(page Page, oracle VisibilityOracle, cfg config.WaitConfig, logger *log.Logger) *Waiter {
	if oracle == nil {
		oracle = StyleOracle{}
	}
	return &Waiter{
		page:     page,
		oracle:   oracle,
		logger:   logging.OrDiscard(logger),
		Timeout:  cfg.Timeout,
		Interval: cfg.Interval,
		now:      time.Now,
	}
}

func (w *Waiter) timeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	if w.Timeout > 0 {
		return w.Timeout
	}
	return 6 * time.Second
}

func (w *Waiter) since(start time.Time) time.Duration {
	return w.now().Sub(start)
}

// WaitVisible returns the first visible element matching selector.
//
// The timeout is measured once from the call. The presence wait, every
// query and style check, and the pauses between polls all run under the
// same deadline.
func (w *Waiter) WaitVisible(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	timeout = w.timeout(timeout)
	start := w.now()
	w.logger.Debug("waiting for visible", "selector", selector)

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// expired maps a failure under dctx to the caller's error or a timeout.
	expired := func(condition string, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Selector: selector, Condition: condition, Elapsed: w.since(start)}
		}
		return err
	}

	if _, err := w.page.WaitPresent(dctx, selector); err != nil {
		return nil, expired("present", err)
	}

	interval := w.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		els, err := w.page.Elements(dctx, selector)
		if err != nil {
			return nil, expired("visible", err)
		}
		for _, el := range els {
			if dctx.Err() != nil {
				break
			}
			visible, err := w.oracle.Visible(dctx, el)
			if err != nil {
				// Nodes can detach between the query and the style check.
				w.logger.Debug("visibility check failed", "selector", selector, "err", err)
				continue
			}
			if visible {
				return el, nil
			}
		}

		if dctx.Err() != nil {
			return nil, expired("visible", dctx.Err())
		}
		select {
		case <-dctx.Done():
			return nil, expired("visible", dctx.Err())
		case <-time.After(interval):
		}
	}
}

// WaitHidden blocks until nothing matching selector is visible.
func (w *Waiter) WaitHidden(ctx context.Context, selector string, timeout time.Duration) error {
	timeout = w.timeout(timeout)
	start := w.now()
	w.logger.Debug("waiting for hidden", "selector", selector)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := w.page.WaitHidden(hctx, selector)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if hctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Selector: selector, Condition: "hidden", Elapsed: w.since(start)}
	}
	return err
}
