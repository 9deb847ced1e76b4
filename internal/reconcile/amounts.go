package reconcile

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

var totalTaxPattern = regexp.MustCompile(`TOTAL\s*Tax\s*\n\s*AUD\s*([0-9,]+\.[0-9]+)`)

// reconcileTotals resolves InvoiceTotal against AmountDue. AmountDue wins
// when it is larger: instalment bills report the running balance there.
// Exception vendors bill the late-payment amount as AmountDue, which must
// not replace the actual total.
func (e *Engine) reconcileTotals(res *docmodel.ExtractionResult) {
	if res.Version == docmodel.V21 && !res.Fields.Has(constants.FieldTotalTax) {
		if m := totalTaxPattern.FindStringSubmatch(res.RawText); m != nil {
			if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
				res.Fields.SetNumber(constants.FieldTotalTax, m[1], v, docmodel.SourceRule)
			}
		}
	}

	total, hasTotal := res.Fields.Number(constants.FieldInvoiceTotal)
	due, hasDue := res.Fields.Number(constants.FieldAmountDue)
	if !hasDue {
		return
	}
	dueContent := res.Fields.Content(constants.FieldAmountDue)
	if !hasTotal {
		res.Fields.SetNumber(constants.FieldInvoiceTotal, dueContent, due, docmodel.SourceRule)
		return
	}
	if due > total && !e.rules.IsAmountDueException(res.Fields.Content(constants.FieldVendorName)) {
		res.Fields.SetNumber(constants.FieldInvoiceTotal, dueContent, due, docmodel.SourceRule)
	}
}

var amountFields = []string{
	constants.FieldInvoiceTotal,
	constants.FieldTotalTax,
	constants.FieldSubTotal,
}

// normalizeSignedAmounts rewrites trailing-minus figures, a statement-style
// artifact where the backend reads "100.00-" as text. The sign moves to the
// front for credit notes and is dropped for everything else, and the
// corrected figure is parsed into the typed value.
func (e *Engine) normalizeSignedAmounts(cand *docmodel.Candidate) {
	if cand.Result == nil {
		return
	}
	for _, name := range amountFields {
		f, ok := cand.Result.Fields[name]
		if !ok || !strings.HasSuffix(f.Content, "-") {
			continue
		}
		text := strings.TrimSuffix(f.Content, "-")
		text = strings.ReplaceAll(text, "$", "")
		text = strings.ReplaceAll(text, "\n", "")
		if cand.IsCreditNote {
			text = "-" + text
		}
		f.Content = text
		if v, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", ""), 64); err == nil {
			f.Number = &v
		}
	}
}

// normalizeAmounts forces credit note amounts positive. Downstream ledgers
// apply the sign from the document kind, not from the figure.
func (e *Engine) normalizeAmounts(cand *docmodel.Candidate) {
	if !cand.IsCreditNote || cand.Result == nil {
		return
	}
	for _, name := range amountFields {
		f, ok := cand.Result.Fields[name]
		if !ok || f.Number == nil {
			continue
		}
		v := math.Abs(*f.Number)
		f.Number = &v
		f.Content = strings.TrimSuffix(strings.TrimPrefix(f.Content, "-"), "-")
	}
}
