package browser

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/xcawolfe-amzn/clickharness/internal/dom"
)

// styleJS snapshots the computed style of the element bound to this.
const styleJS = `() => {
	const s = window.getComputedStyle(this);
	return {
		hasOffsetParent: this.offsetParent !== null,
		display: s ? s.display : "",
		visibility: s ? s.visibility : "",
		opacity: s ? s.opacity : "",
	};
}`

// hiddenJS reports whether no element matching the selector is visible.
const hiddenJS = `(sel) => {
	for (const el of document.querySelectorAll(sel)) {
		if (el.offsetParent === null) continue;
		const s = window.getComputedStyle(el);
		if (s.display !== "none" && s.visibility !== "hidden" && s.opacity !== "0") return false;
	}
	return true;
}`

// Page adapts the session's rod page to dom.Page.
type Page struct {
	s *Session
}

var _ dom.Page = (*Page)(nil)

// Navigate implements dom.Page.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.s.Navigate(ctx, url)
}

// Elements implements dom.Page.
func (p *Page) Elements(ctx context.Context, selector string) ([]dom.Element, error) {
	rp, err := p.s.current()
	if err != nil {
		return nil, err
	}
	els, err := rp.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", selector, err)
	}
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &Element{el: el})
	}
	return out, nil
}

// WaitPresent implements dom.Page.
func (p *Page) WaitPresent(ctx context.Context, selector string) (dom.Element, error) {
	rp, err := p.s.current()
	if err != nil {
		return nil, err
	}
	el, err := rp.Context(ctx).Element(selector)
	if err != nil {
		return nil, err
	}
	return &Element{el: el}, nil
}

// WaitHidden implements dom.Page.
func (p *Page) WaitHidden(ctx context.Context, selector string) error {
	rp, err := p.s.current()
	if err != nil {
		return err
	}
	return rp.Context(ctx).Wait(rod.Eval(hiddenJS, selector))
}

// Type implements dom.Page.
func (p *Page) Type(ctx context.Context, text string) error {
	rp, err := p.s.current()
	if err != nil {
		return err
	}
	return rp.Context(ctx).InsertText(text)
}

// Press implements dom.Page.
func (p *Page) Press(ctx context.Context, key string) error {
	rp, err := p.s.current()
	if err != nil {
		return err
	}
	k, err := keyFor(key)
	if err != nil {
		return err
	}
	return rp.Context(ctx).Keyboard.Type(k)
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Escape":     input.Escape,
	"Tab":        input.Tab,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"Space":      input.Space,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
}

// keyFor maps a key name or a single character on rod's keyboard layout to
// a rod key.
func keyFor(name string) (input.Key, error) {
	if k, ok := namedKeys[name]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		if k := input.Key(r); defined(k) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown key %q", name)
}

// defined reports whether rod has a layout entry for k. Key.Info panics
// on unknown keys.
func defined(k input.Key) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = k.Info()
	return true
}

// Element adapts a rod element to dom.Element and dom.Styler.
type Element struct {
	el *rod.Element
}

// Click implements dom.Element.
func (e *Element) Click(ctx context.Context, count int) error {
	if count <= 0 {
		count = 1
	}
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, count)
}

// Clear implements dom.Element.
func (e *Element) Clear(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => { this.value = "" }`)
	return err
}

// Focus implements dom.Element.
func (e *Element) Focus(ctx context.Context) error {
	return e.el.Context(ctx).Focus()
}

// Style implements dom.Styler.
func (e *Element) Style(ctx context.Context) (dom.ElementStyle, error) {
	var s dom.ElementStyle
	res, err := e.el.Context(ctx).Eval(styleJS)
	if err != nil {
		return s, err
	}
	if err := res.Value.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decoding element style: %w", err)
	}
	return s, nil
}
