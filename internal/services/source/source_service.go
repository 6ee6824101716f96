// Package source reads the ordered batch of identifiers from the input spreadsheet.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/xuri/excelize/v2"

	"github.com/ternarybob/portalbatch/internal/models"
)

// Header modes accepted by Options.HasHeader
const (
	HeaderAuto  = "auto"
	HeaderTrue  = "true"
	HeaderFalse = "false"
)

// Options controls how the first column is read
type Options struct {
	Sheet     string // empty uses the first sheet
	HasHeader string // auto, true or false
}

// Service reads identifiers from .xlsx or .csv files. Every failure wraps
// models.ErrInputError.
type Service struct {
	options Options
	logger  arbor.ILogger
}

// NewService creates a source reader
func NewService(options Options, logger arbor.ILogger) *Service {
	if options.HasHeader == "" {
		options.HasHeader = HeaderAuto
	}
	return &Service{options: options, logger: logger}
}

// Read returns the first-column values of path in row order. Blank cells are skipped.
func (s *Service) Read(ctx context.Context, path string) ([]models.Identifier, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("no input file given: %w", models.ErrInputError)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file %s: %v: %w", path, err, models.ErrInputError)
	}

	var (
		cells []string
		err   error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx", ".xlsm":
		cells, err = s.readWorkbook(path)
	case ".csv":
		cells, err = readCSV(path)
	default:
		return nil, fmt.Errorf("unsupported input format %q: %w", ext, models.ErrInputError)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v: %w", path, err, models.ErrInputError)
	}

	identifiers := s.collect(cells)
	if len(identifiers) == 0 {
		return nil, fmt.Errorf("input file %s has no identifiers: %w", path, models.ErrInputError)
	}

	s.logger.Info().
		Str("input", path).
		Int("identifiers", len(identifiers)).
		Msg("Identifiers loaded")
	return identifiers, nil
}

func (s *Service) readWorkbook(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := s.options.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("sheet %q: %w", sheet, err)
	}
	cells := make([]string, len(rows))
	for i, row := range rows {
		if len(row) > 0 {
			cells[i] = row[0]
		}
	}
	return cells, nil
}

func readCSV(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	cells := []string{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return cells, nil
		}
		if err != nil {
			return nil, err
		}
		cells = append(cells, record[0])
	}
}

// collect normalizes cells and drops the header row when there is one
func (s *Service) collect(cells []string) []models.Identifier {
	identifiers := make([]models.Identifier, 0, len(cells))
	for row, cell := range cells {
		value := Normalize(cell)
		if row == 0 && s.isHeader(value) {
			s.logger.Debug().Str("header", value).Msg("Skipping header row")
			continue
		}
		if value == "" {
			continue
		}
		identifiers = append(identifiers, models.Identifier{Value: value, Row: row})
	}
	return identifiers
}

func (s *Service) isHeader(first string) bool {
	switch s.options.HasHeader {
	case HeaderTrue:
		return true
	case HeaderFalse:
		return false
	default:
		return first != "" && !isNumeric(first)
	}
}

// Normalize trims a cell and turns spreadsheet floats such as "2879704.0" back into
// the integer text the portal expects. Leading zeros are kept.
func Normalize(cell string) string {
	value := strings.TrimSpace(cell)
	if !strings.ContainsAny(value, ".eE") {
		return value
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > 1e15 {
		return value
	}
	return strconv.FormatInt(int64(f), 10)
}

func isNumeric(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}
