package docmodel

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/finopsly/invoice-pipeline/constants"
)

// PageRange is a 1-based inclusive page interval within the source document.
type PageRange struct {
	Start int
	End   int
}

func (r PageRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

func (r PageRange) Pages() int {
	return r.End - r.Start + 1
}

// Candidate is one segmented, scored, classified unit of extraction output.
// It is created by the controller per page range, mutated in place by the
// scoring, classification and reconciliation stages in a fixed order, and
// frozen once finalized.
type Candidate struct {
	ID     uuid.UUID
	Range  PageRange
	Result *ExtractionResult
	Status constants.RangeStatus

	IsTaxInvoice bool
	IsCreditNote bool
	IsBill       bool
	IsInvoice    bool
	// NonInvoice distinguishes "not an invoice at all" from "invoice with low
	// completeness": only the negative-signal / email checks set it.
	NonInvoice bool

	OverallConfidence float64
	CompletenessScore float64

	finalized bool
}

// NewCandidate creates a mutable candidate for a page range.
func NewCandidate(pr PageRange, res *ExtractionResult) *Candidate {
	return &Candidate{ID: uuid.New(), Range: pr, Result: res, Status: constants.RangeStatusOK}
}

// Finalize freezes the candidate. Stages must not mutate it afterwards.
func (c *Candidate) Finalize() {
	c.finalized = true
}

func (c *Candidate) Finalized() bool {
	return c.finalized
}

// Kind collapses the flag set into the single classification reported to
// callers. Credit note and utility bill win over the generic invoice flag.
func (c *Candidate) Kind() constants.DocumentKind {
	switch {
	case c.IsCreditNote:
		return constants.KindCreditNote
	case c.IsBill:
		return constants.KindUtilityBill
	case !c.IsInvoice:
		return constants.KindNonInvoice
	case c.IsTaxInvoice:
		return constants.KindTaxInvoice
	default:
		return constants.KindInvoice
	}
}

// Fields returns the candidate's field map, never nil.
func (c *Candidate) Fields() FieldMap {
	if c.Result == nil {
		return FieldMap{}
	}
	if c.Result.Fields == nil {
		c.Result.Fields = FieldMap{}
	}
	return c.Result.Fields
}
