// Package export renders a job's page results as downloadable files.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/jobs"
)

var (
	ErrUnknownFormat = errors.New("invalid format")
	ErrNoPages       = errors.New("no results found")
)

// maxCellChars is the longest string a spreadsheet cell accepts.
const maxCellChars = 32767

const sheetName = "Results"

var headers = []string{"page_number", "content"}

// File is a rendered export.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// ParseFormat normalizes a requested format. "excel" is accepted for xlsx.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case common.FormatXLSX, "excel":
		return common.FormatXLSX, nil
	case common.FormatCSV:
		return common.FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Service produces exports from stored page results.
type Service struct {
	store  jobs.Store
	logger *slog.Logger
}

func NewService(store jobs.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Export builds the file for jobID in the given format (see ParseFormat).
func (s *Service) Export(ctx context.Context, jobID, format string) (*File, error) {
	start := time.Now()
	format, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}

	var f File
	switch format {
	case common.FormatCSV:
		f.Data, err = CSV(pages)
		f.ContentType = common.ContentTypeCSV
	default:
		f.Data, err = XLSX(pages)
		f.ContentType = common.ContentTypeXLSX
	}
	if err != nil {
		return nil, err
	}
	f.Name = fmt.Sprintf("export_%s.%s", jobID, format)

	s.logger.Info("export ok",
		"job_id", jobID,
		"format", format,
		"rows", len(pages),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &f, nil
}

// CSV writes a header row followed by one row per page.
func CSV(pages []jobs.PageResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headers); err != nil {
		return nil, fmt.Errorf("csv write: %w", err)
	}
	for _, p := range pages {
		if err := w.Write([]string{strconv.Itoa(p.PageNumber), p.Content}); err != nil {
			return nil, fmt.Errorf("csv write: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv flush: %w", err)
	}
	return buf.Bytes(), nil
}

// XLSX builds a single-sheet workbook with the same columns as CSV.
func XLSX(pages []jobs.PageResult) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}
	for i, p := range pages {
		row := i + 2
		write := func(col int, v any) error {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			return f.SetCellValue(sheetName, cell, v)
		}
		if err := write(1, p.PageNumber); err != nil {
			return nil, fmt.Errorf("xlsx cell: %w", err)
		}
		if err := write(2, truncate(p.Content, maxCellChars)); err != nil {
			return nil, fmt.Errorf("xlsx cell: %w", err)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 12)
	_ = f.SetColWidth(sheetName, "B", "B", 100)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
