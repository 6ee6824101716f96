package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"

	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

// Document is a frame path. It holds no frame handle; every call replays the path.
type Document struct {
	browser *Browser
	path    models.FramePath
}

var _ interfaces.Document = (*Document)(nil)

func (d *Document) Path() models.FramePath {
	return d.path
}

func (d *Document) FrameCount(ctx context.Context) (int, error) {
	res, err := d.browser.call(ctx, request{Op: "frames", Path: d.path})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (d *Document) Frame(ctx context.Context, index int) (interfaces.Document, error) {
	count, err := d.FrameCount(ctx)
	if err != nil {
		return nil, err
	}
	child := d.path.Child(index)
	if index < 0 || index >= count {
		return nil, fmt.Errorf("frame %d of %d under %s: %w", index, count, d.path, models.ErrStaleFramePath)
	}
	// confirm the child document is reachable (same origin and loaded)
	if _, err := d.browser.call(ctx, request{Op: "frames", Path: child}); err != nil {
		return nil, err
	}
	return &Document{browser: d.browser, path: child}, nil
}

// Query counts matches and returns one element per match, addressed by position
func (d *Document) Query(ctx context.Context, kind, value string) ([]interfaces.Element, error) {
	res, err := d.browser.call(ctx, request{Op: "query", Path: d.path, Kind: kind, Value: value})
	if err != nil {
		return nil, err
	}
	elements := make([]interfaces.Element, res.Count)
	for i := range elements {
		elements[i] = &Element{doc: d, kind: kind, value: value, index: i}
	}
	return elements, nil
}

func (d *Document) HTML(ctx context.Context) (string, error) {
	res, err := d.browser.call(ctx, request{Op: "html", Path: d.path})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// Element is the index-th match of a selector in a document
type Element struct {
	doc   *Document
	kind  string
	value string
	index int
}

var _ interfaces.Element = (*Element)(nil)

func (e *Element) request(op string) request {
	return request{Op: op, Path: e.doc.path, Kind: e.kind, Value: e.value, Index: e.index}
}

func (e *Element) Describe() string {
	return fmt.Sprintf("%s:%s[%d] in %s", e.kind, e.value, e.index, e.doc.path)
}

func (e *Element) Visible(ctx context.Context) (bool, error) {
	res, err := e.doc.browser.call(ctx, e.request("visible"))
	return res.Flag, err
}

func (e *Element) Enabled(ctx context.Context) (bool, error) {
	res, err := e.doc.browser.call(ctx, e.request("enabled"))
	return res.Flag, err
}

func (e *Element) Value(ctx context.Context) (string, error) {
	res, err := e.doc.browser.call(ctx, e.request("value"))
	return res.Value, err
}

// Fill focuses and clears the element, types text as key events and fires change
func (e *Element) Fill(ctx context.Context, text string) error {
	b := e.doc.browser
	if err := b.pace(ctx); err != nil {
		return err
	}
	if _, err := b.call(ctx, e.request("clear")); err != nil {
		return err
	}
	if text != "" {
		if err := b.run(ctx, chromedp.KeyEvent(text)); err != nil {
			return fmt.Errorf("failed to type into %s: %w", e.Describe(), err)
		}
	}
	_, err := b.call(ctx, e.request("commit"))
	return err
}

func (e *Element) Select(ctx context.Context, value string) error {
	b := e.doc.browser
	if err := b.pace(ctx); err != nil {
		return err
	}
	req := e.request("select")
	req.Text = value
	res, err := b.call(ctx, req)
	if err != nil {
		return err
	}
	if !res.Flag {
		return fmt.Errorf("option %q in %s: %w", value, e.Describe(), models.ErrNotFound)
	}
	return nil
}

// Click dispatches a real mouse press and release at the element's centre
func (e *Element) Click(ctx context.Context) error {
	b := e.doc.browser
	if err := b.pace(ctx); err != nil {
		return err
	}
	res, err := b.call(ctx, e.request("point"))
	if err != nil {
		return err
	}
	if err := b.run(ctx, chromedp.MouseClickXY(res.X, res.Y)); err != nil {
		return fmt.Errorf("failed to click %s: %w", e.Describe(), err)
	}
	return nil
}

func (e *Element) ClickScript(ctx context.Context) error {
	b := e.doc.browser
	if err := b.pace(ctx); err != nil {
		return err
	}
	_, err := b.call(ctx, e.request("click"))
	return err
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	_, err := e.doc.browser.call(ctx, e.request("scroll"))
	return err
}
