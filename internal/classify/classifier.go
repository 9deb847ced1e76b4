package classify

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
	"github.com/finopsly/invoice-pipeline/internal/rules"
)

const (
	// completenessFloor: below it a Latin-script document is not an invoice.
	completenessFloor = 0.3
	// taxDemoteCeiling: a tax-invoice flag without a header line is revoked
	// at or below this completeness.
	taxDemoteCeiling = 0.4
	// verifyCeiling: email/negative-signal verification only runs at or
	// below this completeness; denser documents are trusted.
	verifyCeiling = 0.75

	creditNoteLineWindow = 25
	headerLineWindow     = 15
)

var (
	emailKeywords    = []string{"from", "to", "subject", "cc", "attachments"}
	greetingKeywords = []string{"dear", "hi", "hello"}
	regardsKeywords  = []string{"regards", "best regards", "sincerely", "thanks", "thank you"}
)

// Classifier derives the candidate's document-kind flags from its raw text
// and completeness score. All phrase corpora come from the rule table.
type Classifier struct {
	rules  *rules.Table
	logger *slog.Logger

	headerPattern *regexp.Regexp

	minTextLength   int
	maxAmpersands   int
	maxExclamations int
	maxPercents     int
}

func NewClassifier(table *rules.Table, cfg common.PipelineConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	quoted := make([]string, 0, len(table.InvoiceHeaderKeywords))
	for _, kw := range table.InvoiceHeaderKeywords {
		quoted = append(quoted, regexp.QuoteMeta(kw))
	}
	return &Classifier{
		rules:           table,
		logger:          logger,
		headerPattern:   regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`),
		minTextLength:   cfg.MinTextLength,
		maxAmpersands:   cfg.MaxAmpersands,
		maxExclamations: cfg.MaxExclamations,
		maxPercents:     cfg.MaxPercents,
	}
}

// NeedsRetry reports whether the extracted text is degraded enough that the
// page range should be rasterized and analyzed again as an image. Sparse text
// and runs of '&', '!' or '%' are the signature of a failed PDF text layer.
func (c *Classifier) NeedsRetry(rawText string) bool {
	return len(rawText) < c.minTextLength ||
		strings.Count(rawText, "&") >= c.maxAmpersands ||
		strings.Count(rawText, "!") >= c.maxExclamations ||
		strings.Count(rawText, "%") >= c.maxPercents
}

// IsTaxInvoice reports whether the document's text carries a tax-invoice
// phrase anywhere.
func (c *Classifier) IsTaxInvoice(res *docmodel.ExtractionResult) bool {
	flat := res.FlatText()
	for _, p := range c.rules.TaxInvoicePhrases {
		if strings.Contains(flat, p) {
			return true
		}
	}
	return false
}

// IsCreditNote checks only the leading lines: credit wording deep in the
// body (terms, remittance notes) must not flip the whole document.
func (c *Classifier) IsCreditNote(res *docmodel.ExtractionResult) bool {
	for _, line := range res.FirstLines(creditNoteLineWindow) {
		lt := strings.ToLower(strings.ReplaceAll(line, "\n", " "))
		for _, label := range c.rules.CreditNoteLabels {
			if strings.Contains(lt, label) {
				return true
			}
		}
	}
	return false
}

// IsUtilityBill matches known utility vendors or utility wording anywhere in
// the text.
func (c *Classifier) IsUtilityBill(res *docmodel.ExtractionResult) bool {
	flat := res.FlatText()
	for _, v := range c.rules.UtilityVendors {
		if strings.Contains(flat, v) {
			return true
		}
	}
	for _, kw := range c.rules.UtilityKeywords {
		if strings.Contains(flat, kw) {
			return true
		}
	}
	return false
}

// hasInvoiceHeader requires a whole-word header keyword within the leading
// lines. "invoice" buried mid-document is not a header.
func (c *Classifier) hasInvoiceHeader(res *docmodel.ExtractionResult) bool {
	for _, line := range res.FirstLines(headerLineWindow) {
		if c.headerPattern.MatchString(line) {
			return true
		}
	}
	return false
}

// looksLikeEmail requires the full email header vocabulary plus a greeting
// and a sign-off. Forwarded invoices with an attached PDF only trip this when
// the analyzed page really is the email body.
func looksLikeEmail(flat string) bool {
	for _, kw := range emailKeywords {
		if !strings.Contains(flat, kw) {
			return false
		}
	}
	var greeting, regards bool
	for _, g := range greetingKeywords {
		if strings.Contains(flat, g) {
			greeting = true
			break
		}
	}
	for _, r := range regardsKeywords {
		if strings.Contains(flat, r) {
			regards = true
			break
		}
	}
	return greeting && regards
}

// matchedNegativeSignal returns the first conjunction set fully present in
// the text, or nil.
func (c *Classifier) matchedNegativeSignal(flat string) []string {
	for _, set := range c.rules.NegativeSignals {
		all := true
		for _, phrase := range set {
			if !strings.Contains(flat, phrase) {
				all = false
				break
			}
		}
		if all && len(set) > 0 {
			return set
		}
	}
	return nil
}

// Flags sets the text-derived kind flags. It runs before reconciliation,
// which reads the credit-note flag when normalizing amounts.
func (c *Classifier) Flags(cand *docmodel.Candidate) {
	res := cand.Result
	if res == nil {
		return
	}
	cand.IsTaxInvoice = c.IsTaxInvoice(res)
	cand.IsCreditNote = c.IsCreditNote(res)
	cand.IsBill = c.IsUtilityBill(res)
}

// Finalize derives the invoice flag from the completeness score and verifies
// the whole flag set. It must run after scoring.
func (c *Classifier) Finalize(cand *docmodel.Candidate) {
	res := cand.Result
	if res == nil {
		cand.IsInvoice = false
		cand.NonInvoice = true
		return
	}
	// Arabic documents keep the invoice flag regardless of completeness; the
	// completeness table is tuned for Latin-script layouts.
	cand.IsInvoice = cand.CompletenessScore >= completenessFloor || res.Language.RightToLeft()

	c.verify(cand)
	c.logger.Debug("classify.done",
		"range", cand.Range.String(),
		"kind", string(cand.Kind()),
		"tax_invoice", cand.IsTaxInvoice,
		"credit_note", cand.IsCreditNote,
		"bill", cand.IsBill,
		"invoice", cand.IsInvoice,
		"non_invoice", cand.NonInvoice,
	)
}

// Classify runs both phases for callers that have already scored the
// candidate.
func (c *Classifier) Classify(cand *docmodel.Candidate) {
	c.Flags(cand)
	c.Finalize(cand)
}

func (c *Classifier) verify(cand *docmodel.Candidate) {
	res := cand.Result
	header := c.hasInvoiceHeader(res)

	if cand.IsTaxInvoice && !header && cand.CompletenessScore <= taxDemoteCeiling {
		cand.IsTaxInvoice = false
	}
	if cand.IsTaxInvoice || header || cand.CompletenessScore > verifyCeiling {
		return
	}

	flat := res.FlatText()
	isInvoice := false
	if !looksLikeEmail(flat) {
		if set := c.matchedNegativeSignal(flat); set != nil {
			c.logger.Info("classify.negative_signal", "range", cand.Range.String(), "signals", set)
		} else {
			isInvoice = true
		}
	}
	if cand.IsCreditNote || cand.IsBill {
		isInvoice = true
	}

	if !isInvoice && !res.Language.RightToLeft() {
		cand.IsInvoice = false
		cand.NonInvoice = true
		return
	}
	// Job dockets quote a job reference but never a payable total.
	if (strings.Contains(flat, "job #") || strings.Contains(flat, "job id")) &&
		!res.Fields.Has(constants.FieldInvoiceTotal) && !res.Fields.Has(constants.FieldAmountDue) {
		cand.IsInvoice = false
	}
}
