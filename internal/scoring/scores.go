package scoring

import (
	"log/slog"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// confidenceWeights skew the backend-confidence average toward the fields
// that drive downstream matching. Only fields actually reported with a
// confidence contribute; the divisor is the sum of contributing weights.
var confidenceWeights = map[string]float64{
	constants.FieldPurchaseOrder:   2,
	constants.FieldInvoiceID:       2,
	constants.FieldInvoiceDate:     1,
	constants.FieldDueDate:         1,
	constants.FieldTotalTax:        1,
	constants.FieldCustomerName:    1,
	constants.FieldCustomerAddress: 0.5,
	constants.FieldVendorName:      1,
	constants.FieldVendorAddress:   0.5,
}

// itemsWeight is the weight of the mean line-item confidence.
const itemsWeight = 1.5

// completenessWeights reward presence of a field regardless of confidence.
// The divisor is fixed at the full table sum, so a sparse document scores
// low even when everything it does carry was extracted.
var completenessWeights = map[string]float64{
	constants.FieldPurchaseOrder:           2,
	constants.FieldInvoiceID:               2,
	constants.FieldInvoiceDate:             1,
	constants.FieldDueDate:                 1,
	constants.FieldTotalTax:                1,
	constants.FieldCustomerName:            1,
	constants.FieldCustomerAddress:         1,
	constants.FieldVendorName:              1,
	constants.FieldVendorAddress:           1,
	constants.FieldVendorAddressRecipient:  1,
	constants.FieldBillingAddress:          0.5,
	constants.FieldBillingAddressRecipient: 0.5,
	constants.FieldInvoiceTotal:            3,
}

const completenessDenominator = 16

// Engine computes the confidence and completeness scores of a candidate.
type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// ConfidenceScore returns the weighted mean backend confidence over the
// canonical fields present in the result, in [0, 1]. Fields without a
// reported confidence do not contribute. A result with no contributing
// fields scores 0.
func (e *Engine) ConfidenceScore(res *docmodel.ExtractionResult) float64 {
	if res == nil {
		return 0
	}
	var sum, weight float64
	for name, w := range confidenceWeights {
		f, ok := res.Fields[name]
		if !ok || f.Confidence == nil {
			continue
		}
		sum += *f.Confidence * w
		weight += w
	}
	if mean, ok := itemsMeanConfidence(res.Items); ok {
		sum += mean * itemsWeight
		weight += itemsWeight
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

func itemsMeanConfidence(items []docmodel.Item) (float64, bool) {
	var sum float64
	var n int
	for _, it := range items {
		if it.Confidence == nil {
			continue
		}
		sum += *it.Confidence
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// CompletenessScore returns the weight sum of present non-empty canonical
// fields over the fixed table total, in [0, 1].
func (e *Engine) CompletenessScore(res *docmodel.ExtractionResult) float64 {
	if res == nil {
		return 0
	}
	var sum float64
	for name, w := range completenessWeights {
		if f, ok := res.Fields[name]; ok && f.Content != "" {
			sum += w
		}
	}
	return sum / completenessDenominator
}

// Score fills both scores on the candidate.
func (e *Engine) Score(c *docmodel.Candidate) {
	c.OverallConfidence = e.ConfidenceScore(c.Result)
	c.CompletenessScore = e.CompletenessScore(c.Result)
	e.logger.Debug("scoring.done",
		"range", c.Range.String(),
		"confidence", c.OverallConfidence,
		"completeness", c.CompletenessScore,
	)
}
