package reconcile

import (
	"regexp"
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

var (
	taxInvoiceIDPattern = regexp.MustCompile(`Tax Invoice\s*(\d+)`)
	digitRunPattern     = regexp.MustCompile(`\b(\d[\d\s.\-:]+)\b`)
	phonePattern        = regexp.MustCompile(`^(?:\+?61)?(?:\s?\d){8,10}$`)
	arabicRunPattern    = regexp.MustCompile(`[\x{0600}-\x{06FF}]+`)
)

// cleanInvoiceID normalizes the primary invoice id. OCR frequently doubles
// the number ("2237906 2237906") and drags label fragments along.
func (e *Engine) cleanInvoiceID(res *docmodel.ExtractionResult) {
	f, ok := res.Fields[constants.FieldInvoiceID]
	if !ok {
		return
	}
	// An invoice id equal to the purchase order is the purchase order read
	// twice.
	if po := res.Fields.Content(constants.FieldPurchaseOrder); po != "" && f.Content == po {
		e.logger.Info("reconcile.invoice_id.duplicate_of_po")
		res.Fields.Delete(constants.FieldInvoiceID)
		return
	}
	tokens := strings.Fields(strings.ReplaceAll(f.Content, "\n", " "))
	unique := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		unique[tok] = struct{}{}
	}
	var cleaned string
	if len(unique) == 1 && len(tokens) > 0 {
		cleaned = arabicRunPattern.ReplaceAllString(tokens[0], "")
	} else {
		cleaned = strings.ReplaceAll(f.Content, " ", "")
	}
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	if prefixed, found := strings.CutPrefix(cleaned, "Number"); found {
		cleaned = prefixed
	}
	f.Content = strings.TrimSpace(cleaned)
	if f.Content == "" {
		res.Fields.Delete(constants.FieldInvoiceID)
	}
}

// recoverInvoiceID fills a missing invoice id from the raw text. A number
// trailing a "Tax Invoice" header is taken verbatim; otherwise the first
// digit run that is neither a phone number nor the tax id is used.
func (e *Engine) recoverInvoiceID(res *docmodel.ExtractionResult) {
	if res.Fields.Has(constants.FieldInvoiceID) {
		return
	}
	if m := taxInvoiceIDPattern.FindStringSubmatch(res.RawText); m != nil {
		if len(m[1]) > 3 {
			res.Fields.SetString(constants.FieldInvoiceID, m[1], docmodel.SourceRule)
		}
		return
	}
	m := digitRunPattern.FindStringSubmatch(res.RawText)
	if m == nil {
		return
	}
	digits := digitsOf(m[1])
	if len(digits) <= 3 || phonePattern.MatchString(digits) {
		return
	}
	if taxID := digitsOf(res.Fields.Content(constants.FieldTaxID)); taxID != "" && digits == taxID {
		return
	}
	res.Fields.SetString(constants.FieldInvoiceID, digits, docmodel.SourceRule)
}

var creditNotePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bCN\s*[A-Z0-9]+\b`),
	regexp.MustCompile(`SC\d+`),
	regexp.MustCompile(`CFS-CN\d+`),
}

// fillCreditNoteNumber recovers the document number of a credit note whose
// primary extraction found no invoice id. Credit notes label their number in
// too many ways for the backend's invoice model to catch.
func (e *Engine) fillCreditNoteNumber(cand *docmodel.Candidate) {
	if !cand.IsCreditNote {
		return
	}
	res := cand.Result
	// A primary invoice id stands; only ids recovered from raw text yield to
	// the credit-note labelled number.
	if cur, ok := res.Fields[constants.FieldInvoiceID]; ok && cur.Source == docmodel.SourcePrimary {
		return
	}
	po := res.Fields.Content(constants.FieldPurchaseOrder)
	for _, p := range creditNotePatterns {
		m := p.FindString(res.RawText)
		if m == "" {
			continue
		}
		num := strings.ReplaceAll(strings.ReplaceAll(m, "/", ""), " ", "")
		if len(num) <= 4 || len(num) > 14 {
			continue
		}
		if po != "" && strings.Contains(num, po) {
			continue
		}
		res.Fields.SetString(constants.FieldInvoiceID, num, docmodel.SourceRule)
		e.logger.Debug("reconcile.credit_note_number", "value", num)
		return
	}
}
