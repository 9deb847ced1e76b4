package segment

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
	"github.com/finopsly/invoice-pipeline/internal/rules"
)

// idReplacer folds the OCR confusions that plague invoice numbers. The
// mapping loses information on purpose: two readings of the same printed id
// must normalize to the same string.
var idReplacer = strings.NewReplacer("O", "0", "B", "8", "D", "0")

// NormalizeInvoiceID uppercases, folds confusable characters and strips all
// whitespace. Idempotent: normalizing a normalized id is a no-op.
func NormalizeInvoiceID(id string) string {
	if id == "" {
		return ""
	}
	return strings.Join(strings.Fields(idReplacer.Replace(strings.ToUpper(id))), "")
}

// Engine decides where a multi-page document breaks into separate invoices.
// It only compares per-page extraction results; it never re-reads the pages.
type Engine struct {
	rules     *rules.Table
	prefixLen int
	logger    *slog.Logger
}

func NewEngine(table *rules.Table, prefixLen int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if prefixLen <= 0 {
		prefixLen = 2
	}
	return &Engine{rules: table, prefixLen: prefixLen, logger: logger}
}

// FindSplits returns the 0-based page indices where a new invoice starts,
// plus the final boundary at page count when any split was found. An empty
// slice means the whole document is one invoice.
//
// A page contributes an invoice id only when it classified as an invoice; a
// differing id alone never splits, it must also share length and leading
// prefix with the running id (invoice numbers within one batch are
// sequential). Two more triggers exist: a vendor mix that includes the
// downstream aggregator, and a transition onto a credit note page.
func (e *Engine) FindSplits(pages []*docmodel.Candidate) []int {
	ids := make([]string, len(pages))
	vendors := make([]string, len(pages))
	credit := make([]bool, len(pages))

	for n, c := range pages {
		fields := c.Fields()
		credit[n] = c.IsCreditNote
		vendors[n] = fields.Content(constants.FieldVendorName)
		// Utility statements carry an account number and arrive as one
		// document no matter how the pages read.
		if fields.Has(constants.FieldCustomerAccountNumber) {
			e.logger.Info("segment.customer_account", "page", n+1)
			return nil
		}
		if c.IsInvoice {
			ids[n] = NormalizeInvoiceID(fields.Content(constants.FieldInvoiceID))
		}
	}

	aggregatorMix := e.hasAggregatorMix(vendors)

	var splits []int
	firstID := ""
	for n, id := range ids {
		if id == "" {
			continue
		}
		if firstID == "" {
			firstID = id
			continue
		}
		if id == firstID {
			continue
		}
		switch {
		case len(id) == len(firstID) && prefix(id, e.prefixLen) == prefix(firstID, e.prefixLen):
			splits = append(splits, n)
			firstID = id
		case aggregatorMix:
			splits = append(splits, n)
			firstID = id
		case credit[n] && n > 0 && !credit[n-1]:
			splits = append(splits, n)
		}
	}

	if len(splits) > 0 {
		splits = append(splits, len(pages))
	}
	sort.Ints(splits)
	splits = dedup(splits)
	e.logger.Debug("segment.splits", "pages", len(pages), "splits", splits)
	return splits
}

// hasAggregatorMix reports whether the vendor list mixes the aggregator
// system with at least one other vendor. The aggregator appends its own
// invoice behind the vendor's, so the mix itself is a split signal.
func (e *Engine) hasAggregatorMix(vendors []string) bool {
	var agg, other bool
	for _, v := range vendors {
		if v == "" {
			continue
		}
		if e.rules.IsAggregatorVendor(v) {
			agg = true
		} else {
			other = true
		}
	}
	return agg && other
}

// Ranges converts split indices into 1-based inclusive page ranges over a
// document of pageCount pages. No splits means one range covering it all.
func Ranges(splits []int, pageCount int) []docmodel.PageRange {
	if len(splits) == 0 {
		return []docmodel.PageRange{{Start: 1, End: pageCount}}
	}
	var out []docmodel.PageRange
	start := 0
	for _, s := range splits {
		if s <= start || s > pageCount {
			continue
		}
		out = append(out, docmodel.PageRange{Start: start + 1, End: s})
		start = s
	}
	if start < pageCount {
		out = append(out, docmodel.PageRange{Start: start + 1, End: pageCount})
	}
	return out
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func dedup(sorted []int) []int {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}
