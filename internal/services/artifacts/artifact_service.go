// Package artifacts writes the diagnostic files of a run: failure screenshots and
// HTML snapshots of notable steps.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// sessionName stands in for the identifier of login and positioning steps
const sessionName = "session"

var unsafeChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// Service stores artifacts under one directory
type Service struct {
	dir    string
	logger arbor.ILogger
	now    func() time.Time

	mu  sync.Mutex
	seq int
}

// NewService creates the artifact directory if needed
func NewService(dir string, logger arbor.ILogger) (*Service, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory %s: %w", dir, err)
	}
	return &Service{dir: dir, logger: logger, now: time.Now}, nil
}

// Dir returns the artifact directory
func (s *Service) Dir() string {
	return s.dir
}

// SaveScreenshot writes error_<identifier>_<step>.png and returns its path
func (s *Service) SaveScreenshot(ctx context.Context, identifier, step string, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := fmt.Sprintf("error_%s_%s.png", sanitizeName(identifier), sanitizeName(step))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, png, 0644); err != nil {
		return "", fmt.Errorf("failed to save screenshot: %w", err)
	}
	s.logger.Info().Str("path", path).Str("step", step).Msg("Screenshot saved")
	return path, nil
}

// SaveSnapshot writes a cleaned copy of the page HTML. Snapshots are numbered so
// repeated steps never overwrite each other.
func (s *Service) SaveSnapshot(ctx context.Context, identifier, step, html string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	captured := s.now()
	cleaned, err := Clean(html, identifier, step, captured)
	if err != nil {
		return "", fmt.Errorf("failed to clean snapshot: %w", err)
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	name := fmt.Sprintf("%04d_%s_%s.html", seq, sanitizeName(identifier), sanitizeName(step))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(cleaned), 0644); err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.logger.Debug().Str("path", path).Str("step", step).Msg("Snapshot saved")
	return path, nil
}

// Clean strips scripts and typed password values from a page and stamps it with
// the identifier, step and capture time
func Clean(html, identifier, step string, captured time.Time) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, noscript").Remove()
	doc.Find(`input[type="password"]`).RemoveAttr("value")

	head := doc.Find("head").First()
	if identifier == "" {
		identifier = sessionName
	}
	for _, meta := range [][2]string{
		{"portalbatch-identifier", identifier},
		{"portalbatch-step", step},
		{"portalbatch-captured", captured.UTC().Format(time.RFC3339)},
	} {
		head.AppendHtml(fmt.Sprintf(`<meta name="%s" content="%s">`, meta[0], escapeAttr(meta[1])))
	}

	return doc.Html()
}

// sanitizeName makes a value safe to use in a file name
func sanitizeName(name string) string {
	name = unsafeChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return sessionName
	}
	return name
}

func escapeAttr(value string) string {
	return strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;").Replace(value)
}
