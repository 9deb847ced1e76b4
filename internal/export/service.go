package export

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// Document pairs a source file with the finalized candidates the pipeline
// produced for it.
type Document struct {
	Path       string
	Candidates []*docmodel.Candidate
}

// Service produces XLSX bytes for batch results.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

const (
	invoiceSheet = "Invoices"
	itemSheet    = "Line Items"
)

var invoiceHeaders = []string{
	"Source File",
	"Pages",
	"Kind",
	"Status",
	"Invoice Number",
	"Purchase Order",
	"Invoice Date",
	"Due Date",
	"Vendor",
	"Customer",
	"Invoice Total",
	"Total Tax",
	"Currency",
	"Confidence",
	"Completeness",
	"Language",
}

var itemHeaders = []string{
	"Source File",
	"Pages",
	"Invoice Number",
	"Description",
	"Quantity",
	"Unit Price",
	"Amount",
	"Tax",
}

// BuildXLSX renders one workbook for a batch run: an invoice sheet with one
// row per candidate and a line-item sheet with one row per extracted item.
func (s *Service) BuildXLSX(docs []Document) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), invoiceSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(itemSheet); err != nil {
		return nil, err
	}
	activeIndex, _ := f.GetSheetIndex(invoiceSheet)
	f.SetActiveSheet(activeIndex)

	writeHeaders(f, invoiceSheet, invoiceHeaders)
	writeHeaders(f, itemSheet, itemHeaders)

	invRow, itemRow := 2, 2
	rows := 0
	for _, doc := range docs {
		for _, cand := range doc.Candidates {
			s.writeInvoiceRow(f, invRow, doc.Path, cand)
			invRow++
			rows++
			itemRow = s.writeItemRows(f, itemRow, doc.Path, cand)
		}
	}

	_ = f.SetColWidth(invoiceSheet, "A", "A", 40) // source file
	_ = f.SetColWidth(invoiceSheet, "E", "F", 18) // identifiers
	_ = f.SetColWidth(invoiceSheet, "G", "H", 12) // dates
	_ = f.SetColWidth(invoiceSheet, "I", "J", 30) // parties
	_ = f.SetColWidth(itemSheet, "A", "A", 40)
	_ = f.SetColWidth(itemSheet, "D", "D", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"documents", len(docs),
		"rows", rows,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeHeaders(f *excelize.File, sheet string, headers []string) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
}

func (s *Service) writeInvoiceRow(f *excelize.File, row int, path string, cand *docmodel.Candidate) {
	fields := cand.Fields()
	write := func(col int, v any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(invoiceSheet, cell, v)
	}

	write(1, path)
	write(2, cand.Range.String())
	write(3, string(cand.Kind()))
	write(4, string(cand.Status))
	write(5, fields.Content(constants.FieldInvoiceID))
	write(6, fields.Content(constants.FieldPurchaseOrder))
	write(7, fields.Content(constants.FieldInvoiceDate))
	write(8, fields.Content(constants.FieldDueDate))
	write(9, fields.Content(constants.FieldVendorName))
	write(10, fields.Content(constants.FieldCustomerName))
	write(11, amountCell(fields, constants.FieldInvoiceTotal))
	write(12, amountCell(fields, constants.FieldTotalTax))
	write(13, fields.Content(constants.FieldCurrencyCode))
	write(14, cand.OverallConfidence)
	write(15, cand.CompletenessScore)
	if cand.Result != nil {
		write(16, string(cand.Result.Language))
	}
}

func (s *Service) writeItemRows(f *excelize.File, row int, path string, cand *docmodel.Candidate) int {
	if cand.Result == nil {
		return row
	}
	invoiceID := cand.Fields().Content(constants.FieldInvoiceID)
	for _, item := range cand.Result.Items {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(itemSheet, cell, v)
		}
		write(1, path)
		write(2, cand.Range.String())
		write(3, invoiceID)
		write(4, item.Fields.Content(constants.ItemFieldDescription))
		write(5, amountCell(item.Fields, constants.ItemFieldQuantity))
		write(6, amountCell(item.Fields, constants.ItemFieldUnitPrice))
		write(7, amountCell(item.Fields, constants.ItemFieldAmount))
		write(8, amountCell(item.Fields, constants.ItemFieldTax))
		row++
	}
	return row
}

// amountCell prefers the typed value so the sheet gets real numbers; the raw
// content is the fallback for fields the backend never typed.
func amountCell(fields docmodel.FieldMap, name string) any {
	if n, ok := fields.Number(name); ok {
		return n
	}
	return fields.Content(name)
}
