// Package domtest provides an in-memory dom.Page for workflow tests.
package domtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xcawolfe-amzn/clickharness/internal/dom"
)

// Shown is the style of a plainly visible element.
var Shown = dom.ElementStyle{HasOffsetParent: true, Display: "block", Visibility: "visible", Opacity: "1"}

// Hidden is the style of an element under display:none.
var Hidden = dom.ElementStyle{HasOffsetParent: false, Display: "none", Visibility: "visible", Opacity: "1"}

// Page is a fake page holding elements keyed by the exact selector that
// matches them. Every interaction is appended to the action log.
type Page struct {
	mu       sync.Mutex
	nodes    map[string][]*Element
	focused  *Element
	actions  []string
	onClick  map[string]func(*Page)
	url      string
	poll     time.Duration
	failNext map[string]error
}

// NewPage returns an empty page.
func NewPage() *Page {
	return &Page{
		nodes:    make(map[string][]*Element),
		onClick:  make(map[string]func(*Page)),
		failNext: make(map[string]error),
		poll:     2 * time.Millisecond,
	}
}

// Element is a fake node.
type Element struct {
	page     *Page
	selector string
	style    dom.ElementStyle
	value    string
	clicks   int
}

// Add inserts a node matching selector with the given style.
func (p *Page) Add(selector string, style dom.ElementStyle) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	el := &Element{page: p, selector: selector, style: style}
	p.nodes[selector] = append(p.nodes[selector], el)
	return el
}

// Remove deletes every node matching selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, selector)
}

// OnClick registers fn to run after an element matching selector is clicked.
func (p *Page) OnClick(selector string, fn func(*Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick[selector] = fn
}

// FailNext makes the next call to op ("click", "navigate", "type") fail with err.
func (p *Page) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = err
}

// Actions returns a copy of the action log.
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

// URL returns the last navigated URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) record(format string, args ...any) {
	p.actions = append(p.actions, fmt.Sprintf(format, args...))
}

func (p *Page) takeFailure(op string) error {
	err := p.failNext[op]
	delete(p.failNext, op)
	return err
}

// Navigate implements dom.Page.
func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("navigate"); err != nil {
		return err
	}
	p.url = url
	p.record("navigate %s", url)
	return nil
}

// Elements implements dom.Page.
func (p *Page) Elements(_ context.Context, selector string) ([]dom.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]dom.Element, 0, len(p.nodes[selector]))
	for _, el := range p.nodes[selector] {
		out = append(out, el)
	}
	return out, nil
}

// WaitPresent implements dom.Page.
func (p *Page) WaitPresent(ctx context.Context, selector string) (dom.Element, error) {
	for {
		p.mu.Lock()
		els := p.nodes[selector]
		p.mu.Unlock()
		if len(els) > 0 {
			return els[0], nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

// WaitHidden implements dom.Page.
func (p *Page) WaitHidden(ctx context.Context, selector string) error {
	for {
		p.mu.Lock()
		visible := false
		for _, el := range p.nodes[selector] {
			if el.style.Visible() {
				visible = true
				break
			}
		}
		p.mu.Unlock()
		if !visible {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

// Type implements dom.Page.
func (p *Page) Type(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("type"); err != nil {
		return err
	}
	if p.focused != nil {
		p.focused.value += text
	}
	p.record("type %s", text)
	return nil
}

// Press implements dom.Page.
func (p *Page) Press(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("press %s", key)
	return nil
}

// Selector returns the selector the element was added under.
func (e *Element) Selector() string { return e.selector }

// Value returns the text typed into the element.
func (e *Element) Value() string {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.value
}

// Clicks returns how many clicks the element received.
func (e *Element) Clicks() int {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.clicks
}

// SetStyle replaces the element's style snapshot.
func (e *Element) SetStyle(s dom.ElementStyle) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	e.style = s
}

// Click implements dom.Element.
func (e *Element) Click(_ context.Context, count int) error {
	p := e.page
	p.mu.Lock()
	if err := p.takeFailure("click"); err != nil {
		p.mu.Unlock()
		return err
	}
	e.clicks += count
	p.record("click %s x%d", e.selector, count)
	hook := p.onClick[e.selector]
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

// Clear implements dom.Element.
func (e *Element) Clear(_ context.Context) error {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	e.value = ""
	e.page.record("clear %s", e.selector)
	return nil
}

// Focus implements dom.Element.
func (e *Element) Focus(_ context.Context) error {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	e.page.focused = e
	e.page.record("focus %s", e.selector)
	return nil
}

// Style implements dom.Styler.
func (e *Element) Style(_ context.Context) (dom.ElementStyle, error) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.style, nil
}

// Filter returns the actions starting with prefix.
func Filter(actions []string, prefix string) []string {
	var out []string
	for _, a := range actions {
		if strings.HasPrefix(a, prefix) {
			out = append(out, a)
		}
	}
	return out
}
