package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/ternarybob/portalbatch/internal/models"
)

// identifier table columns, in mm; they add up to the A4 text width
var pdfColumns = []struct {
	title string
	width float64
}{
	{"#", 10},
	{"Identifier", 28},
	{"Status", 20},
	{"Step", 36},
	{"Failure", 72},
	{"Attempts", 24},
}

// PDF renders the report as a printable A4 document
func PDF(r *models.RunReport) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.SetTitle("Run "+r.ID, true)
	pdf.AddPage()

	// core fonts are cp1252; portal step names and reasons carry Spanish text
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 8, tr("Run "+r.ID), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	fields := [][2]string{
		{"Input", r.Input},
		{"Session mode", string(r.Policy.SessionMode)},
		{"Started", r.StartedAt.Format(time.RFC3339)},
		{"Ended", r.EndedAt.Format(time.RFC3339)},
		{"Duration", r.Duration().Round(time.Second).String()},
		{"Total", fmt.Sprint(r.Total)},
		{"Succeeded", fmt.Sprint(r.Succeeded)},
		{"Failed", fmt.Sprint(r.Failed)},
		{"Skipped", fmt.Sprint(r.Skipped)},
	}
	if r.Stopped {
		fields = append(fields, [2]string{"Stopped", "yes"})
	}
	for _, f := range fields {
		pdf.SetFont("Arial", "B", 9)
		pdf.CellFormat(40, 6, tr(f[0]), "1", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(150, 6, fit(pdf, tr(f[1]), 150), "1", 1, "L", false, 0, "")
	}

	if r.Error != "" {
		heading(pdf, tr, "Run error")
		pdf.MultiCell(0, 5, tr(fmt.Sprintf("%s: %s", r.ErrorKind, r.Error)), "", "L", false)
	}
	if r.FinalStep != "" {
		heading(pdf, tr, "Final report")
		final := fmt.Sprintf("%s: %s", r.FinalStep, r.FinalStatus)
		if r.FinalReason != "" {
			final += " (" + r.FinalReason + ")"
		}
		pdf.MultiCell(0, 5, tr(final), "", "L", false)
	}

	if len(r.Items) > 0 {
		heading(pdf, tr, "Identifiers")
		pdf.SetFont("Arial", "B", 8)
		pdf.SetFillColor(230, 230, 230)
		for _, col := range pdfColumns {
			pdf.CellFormat(col.width, 6, col.title, "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)

		pdf.SetFont("Arial", "", 8)
		for _, item := range r.Items {
			failure := string(item.FailureKind)
			if item.Reason != "" {
				failure += ": " + item.Reason
			}
			values := []string{
				fmt.Sprint(item.Index + 1),
				item.Identifier,
				string(item.Status),
				item.TerminalStep,
				failure,
				fmt.Sprint(item.Attempts),
			}
			for i, col := range pdfColumns {
				pdf.CellFormat(col.width, 5, fit(pdf, tr(values[i]), col.width), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	heading(pdf, tr, "Summary")
	succeeded := r.SucceededIdentifiers()
	pdf.MultiCell(0, 5, tr(fmt.Sprintf("Succeeded (%d): %s", len(succeeded), list(succeeded))), "", "L", false)
	failed := r.FailedSteps()
	names := make([]string, len(failed))
	for i, f := range failed {
		names[i] = f.Identifier + " at " + f.Step
	}
	pdf.MultiCell(0, 5, tr(fmt.Sprintf("Failed (%d): %s", len(failed), list(names))), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF output: %w", err)
	}
	return buf.Bytes(), nil
}

func heading(pdf *fpdf.Fpdf, tr func(string) string, title string) {
	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 6, tr(title), "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
}

// fit trims translated single-byte text so it stays inside a cell of width mm
func fit(pdf *fpdf.Fpdf, text string, width float64) string {
	limit := width - 2
	if pdf.GetStringWidth(text) <= limit {
		return text
	}
	for len(text) > 0 && pdf.GetStringWidth(text+"...") > limit {
		text = text[:len(text)-1]
	}
	return text + "..."
}
