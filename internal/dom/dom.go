// Package dom defines the narrow view of a host page the agent needs: selector queries,
// text reads, ancestor walks, and a handful of mutations.
package dom

import (
	"context"
	"errors"
)

// ErrDetached is returned when an element is no longer attached to its document.
var ErrDetached = errors.New("element detached from document")

// Document is a queryable page.
type Document interface {
	// QueryAll returns every element matching selector, in document order.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// Query returns the first element matching selector, or nil when there is none.
	Query(ctx context.Context, selector string) (Element, error)
}

// Element is a node of a Document.
type Element interface {
	// Text returns the element's text content (untrimmed).
	Text(ctx context.Context) (string, error)
	// Closest returns the nearest inclusive ancestor matching selector, or nil.
	Closest(ctx context.Context, selector string) (Element, error)
	// QueryAll returns descendants matching selector, in document order.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// Click invokes the element's click action.
	Click(ctx context.Context) error
	// Focus gives the element input focus.
	Focus(ctx context.Context) error
	// SetHTML replaces the element's inner HTML.
	SetHTML(ctx context.Context, html string) error
	// DispatchInput fires a bubbling, cancelable input event so reactive bindings see the change.
	DispatchInput(ctx context.Context) error
	// Describe is a short human-readable label for logs.
	Describe() string
}
