package dom

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// EventKind names a mutation recorded by HTMLDocument.
type EventKind string

const (
	EventClick   EventKind = "click"
	EventFocus   EventKind = "focus"
	EventSetHTML EventKind = "set_html"
	EventInput   EventKind = "input"
)

// Event is one recorded interaction with an HTMLDocument.
type Event struct {
	Kind   EventKind `json:"kind"`
	Target string    `json:"target"`
	Text   string    `json:"text,omitempty"`
	At     time.Time `json:"at"`
}

type clickHandler struct {
	matcher goquery.Matcher
	fn      func(doc *HTMLDocument, el *HTMLElement)
}

// HTMLDocument is an in-memory Document parsed with goquery. Clicks, focus and input
// are recorded instead of executed; OnClick handlers can mutate the tree to emulate
// how the host application would react.
type HTMLDocument struct {
	mu       sync.Mutex
	doc      *goquery.Document
	events   []Event
	handlers []clickHandler
	focused  *HTMLElement
}

// NewHTMLDocument parses HTML from r.
func NewHTMLDocument(r io.Reader) (*HTMLDocument, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &HTMLDocument{doc: doc}, nil
}

// ParseHTML parses an HTML string.
func ParseHTML(src string) (*HTMLDocument, error) {
	return NewHTMLDocument(strings.NewReader(src))
}

// MustParseHTML is ParseHTML for fixtures known to be valid.
func MustParseHTML(src string) *HTMLDocument {
	d, err := ParseHTML(src)
	if err != nil {
		panic(err)
	}
	return d
}

// LoadHTMLFile parses the HTML file at path.
func LoadHTMLFile(path string) (*HTMLDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewHTMLDocument(f)
}

func compile(selector string) (goquery.Matcher, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return m, nil
}

func (d *HTMLDocument) wrap(sel *goquery.Selection) []Element {
	out := make([]Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, &HTMLElement{doc: d, sel: s})
	})
	return out
}

// QueryAll implements Document.
func (d *HTMLDocument) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := compile(selector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrap(d.doc.FindMatcher(m)), nil
}

// Query implements Document.
func (d *HTMLDocument) Query(ctx context.Context, selector string) (Element, error) {
	all, err := d.QueryAll(ctx, selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// OnClick registers fn to run after any element matching selector is clicked.
func (d *HTMLDocument) OnClick(selector string, fn func(doc *HTMLDocument, el *HTMLElement)) error {
	m, err := compile(selector)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, clickHandler{matcher: m, fn: fn})
	return nil
}

// Remove detaches every element matching selector and returns how many were removed.
func (d *HTMLDocument) Remove(selector string) (int, error) {
	m, err := compile(selector)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	sel := d.doc.FindMatcher(m)
	n := sel.Length()
	sel.Remove()
	return n, nil
}

// Events returns every recorded interaction in order.
func (d *HTMLDocument) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// Clicks returns only the recorded clicks.
func (d *HTMLDocument) Clicks() []Event {
	return d.eventsOf(EventClick)
}

func (d *HTMLDocument) eventsOf(kind EventKind) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Event
	for _, e := range d.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Focused returns the element that last received focus, or nil.
func (d *HTMLDocument) Focused() *HTMLElement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.focused
}

// HTML renders the current tree.
func (d *HTMLDocument) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Html()
}

func (d *HTMLDocument) record(kind EventKind, el *HTMLElement, text string) {
	d.events = append(d.events, Event{Kind: kind, Target: el.describe(), Text: text, At: time.Now()})
}

// HTMLElement is an element of an HTMLDocument.
type HTMLElement struct {
	doc *HTMLDocument
	sel *goquery.Selection
}

func (e *HTMLElement) attached() bool {
	if e.sel.Length() == 0 {
		return false
	}
	root := e.doc.doc.Selection.Nodes[0]
	for n := e.sel.Nodes[0]; n != nil; n = n.Parent {
		if n == root {
			return true
		}
	}
	return false
}

// Text implements Element.
func (e *HTMLElement) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.attached() {
		return "", ErrDetached
	}
	return e.sel.Text(), nil
}

// Closest implements Element.
func (e *HTMLElement) Closest(ctx context.Context, selector string) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := compile(selector)
	if err != nil {
		return nil, err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	found := e.sel.ClosestMatcher(m)
	if found.Length() == 0 {
		return nil, nil
	}
	return &HTMLElement{doc: e.doc, sel: found.First()}, nil
}

// QueryAll implements Element.
func (e *HTMLElement) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := compile(selector)
	if err != nil {
		return nil, err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.wrap(e.sel.FindMatcher(m)), nil
}

// Click implements Element. Registered OnClick handlers run after the click is recorded.
func (e *HTMLElement) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.doc.mu.Lock()
	if !e.attached() {
		e.doc.mu.Unlock()
		return ErrDetached
	}
	e.doc.record(EventClick, e, strings.TrimSpace(e.sel.Text()))
	var fire []func(*HTMLDocument, *HTMLElement)
	for _, h := range e.doc.handlers {
		if e.sel.IsMatcher(h.matcher) {
			fire = append(fire, h.fn)
		}
	}
	e.doc.mu.Unlock()

	for _, fn := range fire {
		fn(e.doc, e)
	}
	return nil
}

// Focus implements Element.
func (e *HTMLElement) Focus(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.attached() {
		return ErrDetached
	}
	e.doc.focused = e
	e.doc.record(EventFocus, e, "")
	return nil
}

// SetHTML implements Element.
func (e *HTMLElement) SetHTML(ctx context.Context, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.attached() {
		return ErrDetached
	}
	e.sel.SetHtml(html)
	e.doc.record(EventSetHTML, e, html)
	return nil
}

// DispatchInput implements Element.
func (e *HTMLElement) DispatchInput(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !e.attached() {
		return ErrDetached
	}
	e.doc.record(EventInput, e, "")
	return nil
}

// InnerHTML returns the element's current inner HTML.
func (e *HTMLElement) InnerHTML() (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.sel.Html()
}

// Attr returns an attribute value.
func (e *HTMLElement) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.sel.Attr(name)
}

// Describe implements Element.
func (e *HTMLElement) Describe() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.describe()
}

func (e *HTMLElement) describe() string {
	if e.sel.Length() == 0 {
		return "<detached>"
	}
	var b strings.Builder
	b.WriteString(goquery.NodeName(e.sel))
	if id, ok := e.sel.Attr("id"); ok && id != "" {
		b.WriteString("#" + id)
	}
	if class, ok := e.sel.Attr("class"); ok {
		for _, c := range strings.Fields(class) {
			b.WriteString("." + c)
		}
	}
	if role, ok := e.sel.Attr("role"); ok && role != "" {
		b.WriteString(`[role="` + role + `"]`)
	}
	return b.String()
}
