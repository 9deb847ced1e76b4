package reconcile

import (
	"regexp"
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

var (
	australianAddressPattern = regexp.MustCompile(`\b(?:NSW|VIC|QLD|WA|SA|TAS|ACT|NT)\b.*\b\d{4}\b`)
	abnPattern               = regexp.MustCompile(`\bABN[:\s]*(\d{2}\s?\d{3}\s?\d{3}\s?\d{3})\b`)
	accountNumberPattern     = regexp.MustCompile(`\bAccount\s*(?:No|Number|#)\.?[:\s]*(\d{6,12})\b`)
	ibanPattern              = regexp.MustCompile(`\bPK\d{2}[A-Z]{4}\d{16}\b`)
	ntnPatterns              = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{5,7}-\d\b`),
		regexp.MustCompile(`\b\d{1,3}-\d{4}-\d?-\d\b`),
	}
)

// fillIdentifiers derives the business tax id and payment account from the
// raw text. Australian documents carry an ABN and a domestic account number;
// everything else is matched against the NTN and IBAN shapes.
func (e *Engine) fillIdentifiers(res *docmodel.ExtractionResult) {
	if australianAddressPattern.MatchString(res.RawText) {
		if m := abnPattern.FindStringSubmatch(res.RawText); m != nil && !res.Fields.Has(constants.FieldTaxID) {
			res.Fields.SetString(constants.FieldTaxID, strings.ReplaceAll(m[1], " ", ""), docmodel.SourceRule)
		}
		if m := accountNumberPattern.FindStringSubmatch(res.RawText); m != nil && !res.Fields.Has(constants.FieldAccountDetails) {
			res.Fields.SetString(constants.FieldAccountDetails, m[1], docmodel.SourceRule)
		}
		return
	}
	if !res.Fields.Has(constants.FieldTaxID) {
		for _, p := range ntnPatterns {
			if m := p.FindString(res.RawText); m != "" {
				res.Fields.SetString(constants.FieldTaxID, m, docmodel.SourceRule)
				break
			}
		}
	}
	if m := ibanPattern.FindString(res.RawText); m != "" && !res.Fields.Has(constants.FieldAccountDetails) {
		res.Fields.SetString(constants.FieldAccountDetails, m, docmodel.SourceRule)
	}
}
