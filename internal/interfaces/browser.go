package interfaces

import (
	"context"

	"github.com/ternarybob/portalbatch/internal/models"
)

// Browser is one driven browser tab. Every call reaches the live page; nothing is cached.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)

	// Root returns the top-level document
	Root(ctx context.Context) (Document, error)

	// Fingerprint summarises the current page state. Two calls return the same value
	// only if nothing observable changed in between.
	Fingerprint(ctx context.Context) (string, error)

	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	SetDownloadDir(ctx context.Context, dir string) error
	Close() error
}

// Document is a browsing context addressed by its frame path. Implementations replay the
// path from the top-level document on every call and report models.ErrStaleFramePath when
// it no longer resolves.
type Document interface {
	Path() models.FramePath
	FrameCount(ctx context.Context) (int, error)
	Frame(ctx context.Context, index int) (Document, error)

	// Query returns structural matches for one selector kind in document order
	Query(ctx context.Context, kind, value string) ([]Element, error)
	HTML(ctx context.Context) (string, error)
}

// Element is a resolved interactive element
type Element interface {
	Describe() string
	Visible(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) (bool, error)
	Value(ctx context.Context) (string, error)

	// Fill focuses, clears and types text
	Fill(ctx context.Context, text string) error

	// Select chooses the option whose value attribute equals value
	Select(ctx context.Context, value string) error

	// Click performs a native input-event click
	Click(ctx context.Context) error

	// ClickScript performs a programmatic element.click()
	ClickScript(ctx context.Context) error
	ScrollIntoView(ctx context.Context) error
}

// BrowserFactory launches browsers. Each session owns the browser it launched.
type BrowserFactory interface {
	Launch(ctx context.Context) (Browser, error)
}
