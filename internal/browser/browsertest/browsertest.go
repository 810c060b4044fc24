// Package browsertest provides a browser.Page that records every call so
// session behaviour can be asserted without chrome.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"uniapply-backend/internal/browser"
)

type OpKind string

const (
	OpOverrides  OpKind = "overrides"
	OpNavigate   OpKind = "navigate"
	OpFill       OpKind = "fill"
	OpSelect     OpKind = "select"
	OpCheck      OpKind = "check"
	OpClick      OpKind = "click"
	OpAdvance    OpKind = "advance"
	OpWait       OpKind = "wait"
	OpHas        OpKind = "has"
	OpHTML       OpKind = "html"
	OpScreenshot OpKind = "screenshot"
	OpClose      OpKind = "close"
)

type Op struct {
	Kind     OpKind
	Selector string
	Value    string
}

func (o Op) String() string {
	if o.Value == "" {
		return fmt.Sprintf("%s %s", o.Kind, o.Selector)
	}
	return fmt.Sprintf("%s %s=%s", o.Kind, o.Selector, o.Value)
}

// Page is a fake page. Every selector exists unless it is in Missing, Has only
// reports true for selectors currently in Visible.
type Page struct {
	mu sync.Mutex

	ops     []Op
	missing map[string]bool
	visible map[string]bool
	url     string

	// Document is what HTML returns.
	Document string
	// Hook runs after an op is recorded and before it returns, returning an
	// error makes the op fail. It is called without the page lock held.
	Hook func(p *Page, op Op) error
	// Overridden is set once ApplyOverrides ran.
	Overridden bool
	Closed     bool
}

func NewPage() *Page {
	return &Page{
		missing: map[string]bool{},
		visible: map[string]bool{},
	}
}

// SetMissing makes selector fail every lookup.
func (p *Page) SetMissing(selector string, missing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missing[selector] = missing
}

// SetVisible controls what Has reports for selector.
func (p *Page) SetVisible(selector string, visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible[selector] = visible
}

func (p *Page) SetDocument(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Document = html
}

// Ops returns a copy of every recorded op in order.
func (p *Page) Ops() []Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Op, len(p.ops))
	copy(out, p.ops)
	return out
}

// OpsOf returns the recorded ops of one kind.
func (p *Page) OpsOf(kind OpKind) []Op {
	var out []Op
	for _, op := range p.Ops() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Filled returns the last value written to every filled or selected selector.
func (p *Page) Filled() map[string]string {
	out := map[string]string{}
	for _, op := range p.Ops() {
		if op.Kind == OpFill || op.Kind == OpSelect {
			out[op.Selector] = op.Value
		}
	}
	return out
}

func (p *Page) record(ctx context.Context, op Op, needsSelector bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.Closed {
		p.mu.Unlock()
		return fmt.Errorf("page is closed")
	}
	p.ops = append(p.ops, op)
	missing := needsSelector && p.missing[op.Selector]
	hook := p.Hook
	p.mu.Unlock()

	if missing {
		return fmt.Errorf("%w: %s", browser.ErrNotFound, op.Selector)
	}
	if hook != nil {
		return hook(p, op)
	}
	return nil
}

func (p *Page) ApplyOverrides(ctx context.Context, o browser.Overrides) error {
	err := p.record(ctx, Op{Kind: OpOverrides, Value: o.UserAgent}, false)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.Overridden = true
	p.mu.Unlock()
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	err := p.record(ctx, Op{Kind: OpNavigate, Value: url}, false)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return p.record(ctx, Op{Kind: OpFill, Selector: selector, Value: value}, true)
}

func (p *Page) Select(ctx context.Context, selector, value string) error {
	return p.record(ctx, Op{Kind: OpSelect, Selector: selector, Value: value}, true)
}

func (p *Page) Check(ctx context.Context, selector string) error {
	return p.record(ctx, Op{Kind: OpCheck, Selector: selector}, true)
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.record(ctx, Op{Kind: OpClick, Selector: selector}, true)
}

func (p *Page) Advance(ctx context.Context, selector string) error {
	return p.record(ctx, Op{Kind: OpAdvance, Selector: selector}, true)
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	return p.record(ctx, Op{Kind: OpWait, Selector: selector}, true)
}

func (p *Page) Has(ctx context.Context, selector string) (bool, error) {
	err := p.record(ctx, Op{Kind: OpHas, Selector: selector}, false)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector], nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	err := p.record(ctx, Op{Kind: OpHTML}, false)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Document, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	err := p.record(ctx, Op{Kind: OpScreenshot}, false)
	if err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return nil
	}
	p.Closed = true
	p.ops = append(p.ops, Op{Kind: OpClose})
	return nil
}

// Driver hands out pages from Pages in order, then fresh ones from NewPage.
type Driver struct {
	mu     sync.Mutex
	Pages  []*Page
	Opened []browser.PageOptions
	// Setup runs on every page before it is returned.
	Setup func(p *Page)
	// Err fails every NewPage call when set.
	Err error
}

func (d *Driver) NewPage(ctx context.Context, opts browser.PageOptions) (browser.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.Opened = append(d.Opened, opts)
	idx := len(d.Opened) - 1

	var page *Page
	if idx < len(d.Pages) {
		page = d.Pages[idx]
	} else {
		page = NewPage()
		d.Pages = append(d.Pages, page)
	}
	if d.Setup != nil {
		d.Setup(page)
	}
	return page, nil
}

// Page returns the i-th page handed out.
func (d *Driver) Page(i int) *Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Pages[i]
}

func (d *Driver) Close() error {
	return nil
}
