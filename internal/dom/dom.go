// Package dom waits on page elements by CSS selector.
//
// Page and Element abstract the browser so workflows can be tested without
// one; the browser package provides the rod-backed implementation.
package dom

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every *TimeoutError.
var ErrTimeout = errors.New("timeout waiting for element")

// TimeoutError reports a wait that ran out of time.
type TimeoutError struct {
	Selector  string
	Condition string // "present", "visible" or "hidden"
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout after %s waiting for %s to be %s",
		e.Elapsed.Round(time.Millisecond), e.Selector, e.Condition)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Element is a handle to a node matched on the page.
type Element interface {
	// Click clicks the element count times in a single gesture.
	Click(ctx context.Context, count int) error
	// Clear empties the element's value.
	Clear(ctx context.Context) error
	Focus(ctx context.Context) error
}

// Page is the active browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Elements returns every current match without waiting.
	Elements(ctx context.Context, selector string) ([]Element, error)
	// WaitPresent blocks until at least one node matches selector.
	WaitPresent(ctx context.Context, selector string) (Element, error)
	// WaitHidden blocks until no matching node is visible.
	WaitHidden(ctx context.Context, selector string) error
	// Type sends text to the focused element as key presses.
	Type(ctx context.Context, text string) error
	// Press sends a single named key, such as "Enter".
	Press(ctx context.Context, key string) error
}

// VisibilityOracle decides whether an element is currently visible.
type VisibilityOracle interface {
	Visible(ctx context.Context, el Element) (bool, error)
}

// ElementStyle is a snapshot of the layout state that decides visibility.
type ElementStyle struct {
	HasOffsetParent bool   `json:"hasOffsetParent"`
	Display         string `json:"display"`
	Visibility      string `json:"visibility"`
	Opacity         string `json:"opacity"`
}

// Visible reports whether the snapshot describes a rendered, visible element.
// An element without an offset parent is detached or inside a display:none
// ancestor.
func (s ElementStyle) Visible() bool {
	return s.HasOffsetParent &&
		s.Display != "none" &&
		s.Visibility != "hidden" &&
		s.Opacity != "0"
}

// Styler is implemented by elements that can snapshot their computed style.
type Styler interface {
	Style(ctx context.Context) (ElementStyle, error)
}

// StyleOracle applies ElementStyle.Visible to elements implementing Styler.
type StyleOracle struct{}

// Visible implements VisibilityOracle.
func (StyleOracle) Visible(ctx context.Context, el Element) (bool, error) {
	s, ok := el.(Styler)
	if !ok {
		return false, fmt.Errorf("element %T cannot report its style", el)
	}
	style, err := s.Style(ctx)
	if err != nil {
		return false, err
	}
	return style.Visible(), nil
}
