package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatkeeper/internal/dom"

	"github.com/go-rod/rod"
)

const (
	jsText     = `() => this.textContent`
	jsClosest  = `(sel) => this.closest(sel)`
	jsClick    = `() => this.click()`
	jsSetHTML  = `(html) => { this.innerHTML = html }`
	jsInput    = `() => this.dispatchEvent(new Event('input', {bubbles: true, cancelable: true}))`
	jsDescribe = `() => {
		let s = this.tagName.toLowerCase();
		if (this.id) s += '#' + this.id;
		for (const c of this.classList) s += '.' + c;
		const role = this.getAttribute('role');
		if (role) s += '[role="' + role + '"]';
		return s;
	}`
)

// describeTimeout bounds the label lookup used in log lines.
const describeTimeout = time.Second

// PageDocument adapts a rod page to dom.Document. Every call runs against the live DOM;
// nothing is cached between calls.
type PageDocument struct {
	page *rod.Page
}

// NewPageDocument wraps page.
func NewPageDocument(page *rod.Page) *PageDocument {
	return &PageDocument{page: page}
}

// QueryAll implements dom.Document.
func (d *PageDocument) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return wrapElements(els), nil
}

// Query implements dom.Document.
func (d *PageDocument) Query(ctx context.Context, selector string) (dom.Element, error) {
	has, el, err := d.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	if !has {
		return nil, nil
	}
	return &pageElement{el: el}, nil
}

func wrapElements(els rod.Elements) []dom.Element {
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &pageElement{el: el})
	}
	return out
}

type pageElement struct {
	el *rod.Element
}

func (e *pageElement) eval(ctx context.Context, js string, params ...interface{}) (string, error) {
	res, err := e.el.Context(ctx).Eval(js, params...)
	if err != nil {
		return "", detached(err)
	}
	return res.Value.Str(), nil
}

// detached maps rod's lost-node error onto dom.ErrDetached.
func detached(err error) error {
	var gone *rod.ObjectNotFoundError
	if errors.As(err, &gone) {
		return fmt.Errorf("%w: %v", dom.ErrDetached, err)
	}
	return err
}

func isNotFound(err error) bool {
	var nf *rod.ElementNotFoundError
	return errors.As(err, &nf)
}

func (e *pageElement) Text(ctx context.Context) (string, error) {
	return e.eval(ctx, jsText)
}

func (e *pageElement) Closest(ctx context.Context, selector string) (dom.Element, error) {
	el, err := e.el.Context(ctx).ElementByJS(rod.Eval(jsClosest, selector))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, detached(err)
	}
	return &pageElement{el: el}, nil
}

func (e *pageElement) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, detached(err)
	}
	return wrapElements(els), nil
}

func (e *pageElement) Click(ctx context.Context) error {
	_, err := e.eval(ctx, jsClick)
	return err
}

func (e *pageElement) Focus(ctx context.Context) error {
	if err := e.el.Context(ctx).Focus(); err != nil {
		return detached(err)
	}
	return nil
}

func (e *pageElement) SetHTML(ctx context.Context, html string) error {
	_, err := e.eval(ctx, jsSetHTML, html)
	return err
}

func (e *pageElement) DispatchInput(ctx context.Context) error {
	_, err := e.eval(ctx, jsInput)
	return err
}

func (e *pageElement) Describe() string {
	ctx, cancel := context.WithTimeout(context.Background(), describeTimeout)
	defer cancel()
	label, err := e.eval(ctx, jsDescribe)
	if err != nil || label == "" {
		return "<element>"
	}
	return label
}
