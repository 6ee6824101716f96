// Package report renders finalized run reports as Markdown, HTML, JSON and PDF and
// writes them next to each other in the reports directory.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/ternarybob/portalbatch/internal/models"
)

// Export formats
const (
	FormatJSON     = "json"
	FormatMarkdown = "md"
	FormatHTML     = "html"
	FormatPDF      = "pdf"
)

// Service exports run reports
type Service struct {
	dir      string
	formats  []string
	markdown goldmark.Markdown
	logger   arbor.ILogger
}

// NewService creates an exporter for formats; none means JSON, Markdown and HTML
func NewService(dir string, formats []string, logger arbor.ILogger) (*Service, error) {
	if len(formats) == 0 {
		formats = []string{FormatJSON, FormatMarkdown, FormatHTML}
	}
	for _, format := range formats {
		switch format {
		case FormatJSON, FormatMarkdown, FormatHTML, FormatPDF:
		default:
			return nil, fmt.Errorf("unknown report format %q", format)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory %s: %w", dir, err)
	}

	return &Service{
		dir:     dir,
		formats: formats,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Table),
			goldmark.WithRendererOptions(html.WithXHTML()),
		),
		logger: logger,
	}, nil
}

// Export writes report in every configured format and returns the written paths
func (s *Service) Export(ctx context.Context, report *models.RunReport) ([]string, error) {
	if report == nil {
		return nil, fmt.Errorf("report is nil")
	}
	if !report.Finalized {
		return nil, fmt.Errorf("report %s is not finalized", report.ID)
	}

	base := filepath.Join(s.dir, "run_"+report.StartedAt.Format("20060102_150405")+"_"+shortID(report.ID))
	paths := make([]string, 0, len(s.formats))
	for _, format := range s.formats {
		if err := ctx.Err(); err != nil {
			return paths, err
		}

		var (
			data []byte
			err  error
		)
		switch format {
		case FormatJSON:
			data, err = json.MarshalIndent(report, "", "  ")
		case FormatMarkdown:
			data = []byte(Markdown(report))
		case FormatHTML:
			data, err = s.HTML(report)
		case FormatPDF:
			data, err = PDF(report)
		}
		if err != nil {
			return paths, fmt.Errorf("failed to render %s report: %w", format, err)
		}

		path := base + "." + format
		if err := os.WriteFile(path, data, 0644); err != nil {
			return paths, fmt.Errorf("failed to write report %s: %w", path, err)
		}
		paths = append(paths, path)
	}

	s.logger.Info().Str("run_id", report.ID).Str("base", base).Int("files", len(paths)).Msg("Run report exported")
	return paths, nil
}

// HTML renders the Markdown report into a standalone page
func (s *Service) HTML(report *models.RunReport) ([]byte, error) {
	var body bytes.Buffer
	if err := s.markdown.Convert([]byte(Markdown(report)), &body); err != nil {
		return nil, err
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">")
	fmt.Fprintf(&page, "<title>Run %s</title>", report.ID)
	page.WriteString("<style>body{font-family:sans-serif;margin:2em}table{border-collapse:collapse}" +
		"td,th{border:1px solid #ccc;padding:4px 8px;text-align:left}</style></head><body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

// Markdown renders the report as Markdown
func Markdown(r *models.RunReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", r.ID)
	b.WriteString("| Field | Value |\n|---|---|\n")
	row(&b, "Input", r.Input)
	row(&b, "Session mode", string(r.Policy.SessionMode))
	row(&b, "Started", r.StartedAt.Format(time.RFC3339))
	row(&b, "Ended", r.EndedAt.Format(time.RFC3339))
	row(&b, "Duration", r.Duration().Round(time.Second).String())
	row(&b, "Total", fmt.Sprint(r.Total))
	row(&b, "Succeeded", fmt.Sprint(r.Succeeded))
	row(&b, "Failed", fmt.Sprint(r.Failed))
	row(&b, "Skipped", fmt.Sprint(r.Skipped))
	if r.Stopped {
		row(&b, "Stopped", "yes")
	}

	if r.Error != "" {
		fmt.Fprintf(&b, "\n## Run error\n\n%s: %s\n", r.ErrorKind, r.Error)
	}
	if r.FinalStep != "" {
		fmt.Fprintf(&b, "\n## Final report\n\n%s: %s", r.FinalStep, r.FinalStatus)
		if r.FinalReason != "" {
			fmt.Fprintf(&b, " (%s)", r.FinalReason)
		}
		b.WriteString("\n")
	}

	if len(r.Items) > 0 {
		b.WriteString("\n## Identifiers\n\n")
		b.WriteString("| # | Identifier | Status | Step | Failure | Attempts | Duration |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for _, item := range r.Items {
			failure := string(item.FailureKind)
			if item.Reason != "" {
				failure += ": " + item.Reason
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %d | %s |\n",
				item.Index+1,
				cell(item.Identifier),
				item.Status,
				cell(item.TerminalStep),
				cell(failure),
				item.Attempts,
				item.Duration.Round(time.Millisecond))
		}
	}

	b.WriteString("\n## Summary\n\n")
	succeeded := r.SucceededIdentifiers()
	fmt.Fprintf(&b, "Succeeded (%d): %s\n\n", len(succeeded), list(succeeded))
	failed := r.FailedSteps()
	names := make([]string, len(failed))
	for i, f := range failed {
		names[i] = f.Identifier + " at " + f.Step
	}
	fmt.Fprintf(&b, "Failed (%d): %s\n", len(failed), list(names))
	return b.String()
}

// Summary is the short plain-text result printed at the end of a command-line run
func Summary(r *models.RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %d identifiers, %d succeeded, %d failed, %d skipped\n",
		r.ID, r.Total, r.Succeeded, r.Failed, r.Skipped)
	if r.Error != "" {
		fmt.Fprintf(&b, "Run error: %s\n", r.Error)
	}
	if succeeded := r.SucceededIdentifiers(); len(succeeded) > 0 {
		fmt.Fprintf(&b, "Succeeded: %s\n", strings.Join(succeeded, ", "))
	}
	for _, f := range r.FailedSteps() {
		fmt.Fprintf(&b, "Failed: %s at %s\n", f.Identifier, f.Step)
	}
	if r.FinalStep != "" {
		fmt.Fprintf(&b, "Final report: %s\n", r.FinalStatus)
	}
	if r.Stopped {
		b.WriteString("Run stopped by operator\n")
	}
	return b.String()
}

func row(b *strings.Builder, field, value string) {
	fmt.Fprintf(b, "| %s | %s |\n", field, cell(value))
}

func cell(value string) string {
	value = strings.ReplaceAll(value, "|", `\|`)
	return strings.ReplaceAll(value, "\n", " ")
}

func list(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
