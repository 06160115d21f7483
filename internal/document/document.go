package document

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"planscraper/internal/attachment"
	"planscraper/internal/components/telemetry"
	"planscraper/internal/patterns"
	"planscraper/lib/textutil"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("planscraper/internal/document")

var ErrExtraction = errors.New("document extraction failed")

const (
	report_extract      = "extractor.extract"
	report_extract_page = "extractor.page"
	report_page_count   = "extractor.page-count"
)

// Table is a detected table, rows of cells.
type Table [][]string

type Document struct {
	FileName    string            `json:"fileName"`
	PageCount   int               `json:"pageCount"`
	TextPreview string            `json:"textPreview"`
	Tables      []Table           `json:"tables"`
	KeyData     map[string]string `json:"keyData"`

	// Err is set (wrapping ErrExtraction) when the document could not be read at all.
	Err error `json:"-"`
}

type Options struct {
	PreviewLength int
	MaxTables     int
}

func DefaultOptions() Options {
	return Options{PreviewLength: 5000, MaxTables: 5}
}

type Extractor struct {
	tel  telemetry.API
	opts Options
}

func NewExtractor(opts Options, tel telemetry.API) Extractor {
	defaults := DefaultOptions()
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = defaults.PreviewLength
	}
	if opts.MaxTables <= 0 {
		opts.MaxTables = defaults.MaxTables
	}
	return Extractor{
		tel:  telemetry.NewScopedAPI("document", tel),
		opts: opts,
	}
}

// Supported reports whether Extract can read the file at path.
func Supported(path string) bool {
	return textutil.HasSuffixFold(path, attachment.Extension)
}

func degenerate(name string, err error) Document {
	return Document{
		FileName:    name,
		TextPreview: fmt.Sprintf("[Error extracting PDF: %s]", err.Error()),
		Tables:      []Table{},
		KeyData:     map[string]string{},
		Err:         fmt.Errorf("%w: %s: %w", ErrExtraction, name, err),
	}
}

// Extract reads the text, tables and page count of the document at path and
// runs the pattern catalog over its full text. It never fails, a file that
// cannot be opened produces a degenerate Document with a diagnostic preview.
func (e Extractor) Extract(ctx context.Context, path string) Document {
	ctx, span := tracer.Start(ctx, "Extract")
	defer span.End()

	name := filepath.Base(path)
	span.SetAttributes(attribute.String("file", name))

	if !Supported(path) {
		doc := degenerate(name, fmt.Errorf("unsupported file type %q", filepath.Ext(path)))
		span.SetStatus(codes.Error, "unsupported file type")
		return doc
	}

	f, reader, err := pdf.Open(path)
	if err != nil {
		e.tel.ReportWarning(report_extract, name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open pdf")
		return degenerate(name, err)
	}
	defer f.Close()

	doc := Document{
		FileName:  name,
		PageCount: e.pageCount(path, reader),
		Tables:    []Table{},
	}

	var text strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		pageText, rows := e.readPage(name, i, page)
		if text.Len() > 0 && pageText != "" {
			text.WriteString("\n")
		}
		text.WriteString(pageText)

		remaining := e.opts.MaxTables - len(doc.Tables)
		if remaining > 0 {
			tables := detectTables(rows)
			if len(tables) > remaining {
				tables = tables[:remaining]
			}
			doc.Tables = append(doc.Tables, tables...)
		}
	}

	full := text.String()
	doc.TextPreview = textutil.Truncate(full, e.opts.PreviewLength)
	doc.KeyData = patterns.Extract(full)

	span.SetAttributes(
		attribute.Int("pages", doc.PageCount),
		attribute.Int("tables", len(doc.Tables)),
		attribute.Int("fields", len(doc.KeyData)),
	)
	return doc
}

// pageCount prefers pdfcpu's count, the text reader's count is the fallback
// for files pdfcpu refuses to validate.
func (e Extractor) pageCount(path string, reader *pdf.Reader) int {
	count, err := api.PageCountFile(path)
	if err == nil {
		return count
	}
	e.tel.ReportDebug(report_page_count, filepath.Base(path), err)
	return reader.NumPage()
}

// readPage returns the page's text, one line per row, along with the rows
// themselves. Any failure inside the pdf library degrades to empty text.
func (e Extractor) readPage(name string, num int, page pdf.Page) (text string, rows []row) {
	defer func() {
		r := recover()
		if r != nil {
			e.tel.ReportWarning(report_extract_page, name, num, r)
			text = ""
			rows = nil
		}
	}()

	byRow, err := page.GetTextByRow()
	if err == nil && len(byRow) > 0 {
		rows = convertRows(byRow)
		lines := make([]string, 0, len(rows))
		for _, r := range rows {
			lines = append(lines, r.line())
		}
		return strings.Join(lines, "\n"), rows
	}

	plain, err := page.GetPlainText(nil)
	if err != nil {
		e.tel.ReportWarning(report_extract_page, name, num, err)
		return "", nil
	}
	return plain, nil
}
