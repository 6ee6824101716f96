// Package fakedom is an in-memory browser used to exercise the automation engine
// without Chrome. Pages are trees of frames holding flat element lists; hooks on
// elements rebuild the tree to simulate scripts replacing frames.
package fakedom

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

// ErrClosed is returned by every call on a closed browser
var ErrClosed = errors.New("browser closed")

// Element is a fake interactive element
type Element struct {
	ID        string
	Name      string
	Tag       string
	Text      string
	Title     string
	Attrs     map[string]string
	Selectors []string // css and xpath expressions this element answers to
	Hidden    bool
	Disabled  bool
	Value     string
	Options   []string

	// OnClick runs for native and script clicks unless IgnoreNativeClick suppresses the native one
	OnClick           func(p *Page)
	OnChange          func(p *Page)
	IgnoreNativeClick bool
	FillFilter        func(typed string) string

	Clicks       int
	ScriptClicks int
	Fills        int
	Scrolls      int
}

// Frame is one browsing context
type Frame struct {
	Elements []*Element
	Frames   []*Frame
}

// Add appends elements and returns the frame for chaining
func (f *Frame) Add(elements ...*Element) *Frame {
	f.Elements = append(f.Elements, elements...)
	return f
}

// AddFrame appends a child context and returns it
func (f *Frame) AddFrame(child *Frame) *Frame {
	if child == nil {
		child = &Frame{}
	}
	f.Frames = append(f.Frames, child)
	return child
}

// Page is the state of one tab
type Page struct {
	URL     string
	Top     *Frame
	Version int
	Routes  map[string]func(p *Page)

	// BeforeQuery runs before every Document.Query, e.g. to tear frames down mid-search
	BeforeQuery func(p *Page, path models.FramePath)

	RootEntries int // times Browser.Root was called
	Navigations int
}

// NewPage returns a page with an empty top-level document
func NewPage(url string) *Page {
	return &Page{URL: url, Top: &Frame{}, Routes: map[string]func(p *Page){}}
}

// Changed marks the page as observably different
func (p *Page) Changed() {
	p.Version++
}

// Navigate loads url, running its route if one is registered
func (p *Page) Navigate(url string) {
	p.Navigations++
	p.URL = url
	p.Top = &Frame{}
	if route, ok := p.Routes[url]; ok {
		route(p)
	}
	p.Changed()
}

func (p *Page) resolve(path models.FramePath) (*Frame, error) {
	f := p.Top
	if f == nil {
		return nil, fmt.Errorf("no document: %w", models.ErrStaleFramePath)
	}
	for depth, idx := range path {
		if idx < 0 || idx >= len(f.Frames) || f.Frames[idx] == nil {
			return nil, fmt.Errorf("frame %d at depth %d missing (path %s): %w", idx, depth, path, models.ErrStaleFramePath)
		}
		f = f.Frames[idx]
	}
	return f, nil
}

// Browser implements interfaces.Browser over a Page
type Browser struct {
	Page        *Page
	DownloadDir string
	Closed      bool
	CloseCalls  int
}

var _ interfaces.Browser = (*Browser)(nil)

// NewBrowser wraps page
func NewBrowser(page *Page) *Browser {
	return &Browser{Page: page}
}

func (b *Browser) check(ctx context.Context) error {
	if b.Closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (b *Browser) Navigate(ctx context.Context, url string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	b.Page.Navigate(url)
	return nil
}

func (b *Browser) URL(ctx context.Context) (string, error) {
	if err := b.check(ctx); err != nil {
		return "", err
	}
	return b.Page.URL, nil
}

func (b *Browser) Root(ctx context.Context) (interfaces.Document, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	b.Page.RootEntries++
	return &Document{browser: b, path: models.FramePath{}}, nil
}

func (b *Browser) Fingerprint(ctx context.Context) (string, error) {
	if err := b.check(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s#%d", b.Page.URL, b.Page.Version), nil
}

func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), nil
}

func (b *Browser) HTML(ctx context.Context) (string, error) {
	if err := b.check(ctx); err != nil {
		return "", err
	}
	return "<html><head><script>var x=1;</script></head><body>" + render(b.Page.Top) + "</body></html>", nil
}

func (b *Browser) SetDownloadDir(ctx context.Context, dir string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	b.DownloadDir = dir
	return nil
}

// Close is idempotent
func (b *Browser) Close() error {
	b.CloseCalls++
	b.Closed = true
	return nil
}

// Document implements interfaces.Document by replaying its path on every call
type Document struct {
	browser *Browser
	path    models.FramePath
}

func (d *Document) Path() models.FramePath {
	return d.path
}

func (d *Document) frame(ctx context.Context) (*Frame, error) {
	if err := d.browser.check(ctx); err != nil {
		return nil, err
	}
	return d.browser.Page.resolve(d.path)
}

func (d *Document) FrameCount(ctx context.Context) (int, error) {
	f, err := d.frame(ctx)
	if err != nil {
		return 0, err
	}
	return len(f.Frames), nil
}

func (d *Document) Frame(ctx context.Context, index int) (interfaces.Document, error) {
	if err := d.browser.check(ctx); err != nil {
		return nil, err
	}
	child := d.path.Child(index)
	if _, err := d.browser.Page.resolve(child); err != nil {
		return nil, err
	}
	return &Document{browser: d.browser, path: child}, nil
}

func (d *Document) Query(ctx context.Context, kind, value string) ([]interfaces.Element, error) {
	if hook := d.browser.Page.BeforeQuery; hook != nil {
		hook(d.browser.Page, d.path)
	}
	f, err := d.frame(ctx)
	if err != nil {
		return nil, err
	}
	out := []interfaces.Element{}
	for _, el := range f.Elements {
		ok, err := matches(el, kind, value)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, &handle{doc: d, el: el})
		}
	}
	return out, nil
}

func (d *Document) HTML(ctx context.Context) (string, error) {
	f, err := d.frame(ctx)
	if err != nil {
		return "", err
	}
	return "<html><body>" + render(f) + "</body></html>", nil
}

func matches(el *Element, kind, value string) (bool, error) {
	switch kind {
	case "id":
		return el.ID != "" && el.ID == value, nil
	case "name":
		return el.Name != "" && el.Name == value, nil
	case "css":
		return contains(el.Selectors, value) || (el.ID != "" && value == "#"+el.ID), nil
	case "xpath":
		return contains(el.Selectors, value), nil
	case "text":
		return el.Text != "" && strings.Contains(el.Text, value), nil
	case "title":
		return el.Title != "" && strings.Contains(el.Title, value), nil
	case "attr":
		k, v, _ := strings.Cut(value, "=")
		got, ok := el.Attrs[k]
		return ok && got == v, nil
	default:
		return false, fmt.Errorf("unsupported selector kind %q", kind)
	}
}

func contains(list []string, value string) bool {
	for _, s := range list {
		if s == value {
			return true
		}
	}
	return false
}

// handle is a resolved element. Every call checks it is still attached to its frame.
type handle struct {
	doc *Document
	el  *Element
}

func (h *handle) attached(ctx context.Context) error {
	f, err := h.doc.frame(ctx)
	if err != nil {
		return err
	}
	for _, el := range f.Elements {
		if el == h.el {
			return nil
		}
	}
	return fmt.Errorf("%s detached: %w", h.Describe(), models.ErrNotFound)
}

func (h *handle) page() *Page {
	return h.doc.browser.Page
}

func (h *handle) Describe() string {
	tag := h.el.Tag
	if tag == "" {
		tag = "element"
	}
	switch {
	case h.el.ID != "":
		return fmt.Sprintf("%s#%s in %s", tag, h.el.ID, h.doc.path)
	case h.el.Name != "":
		return fmt.Sprintf("%s[name=%s] in %s", tag, h.el.Name, h.doc.path)
	default:
		return fmt.Sprintf("%s %q in %s", tag, h.el.Text+h.el.Title, h.doc.path)
	}
}

func (h *handle) Visible(ctx context.Context) (bool, error) {
	if err := h.attached(ctx); err != nil {
		return false, err
	}
	return !h.el.Hidden, nil
}

func (h *handle) Enabled(ctx context.Context) (bool, error) {
	if err := h.attached(ctx); err != nil {
		return false, err
	}
	return !h.el.Disabled, nil
}

func (h *handle) Value(ctx context.Context) (string, error) {
	if err := h.attached(ctx); err != nil {
		return "", err
	}
	return h.el.Value, nil
}

func (h *handle) Fill(ctx context.Context, text string) error {
	if err := h.attached(ctx); err != nil {
		return err
	}
	h.el.Fills++
	if h.el.FillFilter != nil {
		text = h.el.FillFilter(text)
	}
	h.el.Value = text
	h.page().Changed()
	return nil
}

func (h *handle) Select(ctx context.Context, value string) error {
	if err := h.attached(ctx); err != nil {
		return err
	}
	if !contains(h.el.Options, value) {
		return fmt.Errorf("option %q in %s: %w", value, h.Describe(), models.ErrNotFound)
	}
	h.el.Value = value
	if h.el.OnChange != nil {
		h.el.OnChange(h.page())
	}
	h.page().Changed()
	return nil
}

func (h *handle) Click(ctx context.Context) error {
	if err := h.attached(ctx); err != nil {
		return err
	}
	h.el.Clicks++
	if h.el.IgnoreNativeClick {
		return nil
	}
	h.fire()
	return nil
}

func (h *handle) ClickScript(ctx context.Context) error {
	if err := h.attached(ctx); err != nil {
		return err
	}
	h.el.ScriptClicks++
	h.fire()
	return nil
}

// fire only changes the page when the element has behaviour attached
func (h *handle) fire() {
	if h.el.OnClick != nil {
		h.el.OnClick(h.page())
		h.page().Changed()
	}
}

func (h *handle) ScrollIntoView(ctx context.Context) error {
	if err := h.attached(ctx); err != nil {
		return err
	}
	h.el.Scrolls++
	return nil
}

func render(f *Frame) string {
	if f == nil {
		return ""
	}
	var b strings.Builder
	for _, el := range f.Elements {
		tag := el.Tag
		if tag == "" {
			tag = "div"
		}
		fmt.Fprintf(&b, "<%s id=%q name=%q title=%q value=%q>%s</%s>",
			tag, el.ID, el.Name, el.Title, el.Value, html.EscapeString(el.Text), tag)
	}
	for _, child := range f.Frames {
		b.WriteString("<iframe>" + render(child) + "</iframe>")
	}
	return b.String()
}

// Factory implements interfaces.BrowserFactory, building a fresh page per launch
type Factory struct {
	NewPage   func() *Page
	LaunchErr error

	Browsers []*Browser
}

var _ interfaces.BrowserFactory = (*Factory)(nil)

func (f *Factory) Launch(ctx context.Context) (interfaces.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	page := NewPage("about:blank")
	if f.NewPage != nil {
		page = f.NewPage()
	}
	b := NewBrowser(page)
	f.Browsers = append(f.Browsers, b)
	return b, nil
}

// Launches is the number of browsers created
func (f *Factory) Launches() int {
	return len(f.Browsers)
}

// OpenBrowsers counts launched browsers that were never closed
func (f *Factory) OpenBrowsers() int {
	open := 0
	for _, b := range f.Browsers {
		if !b.Closed {
			open++
		}
	}
	return open
}
