package reconcile

import (
	"regexp"
	"sort"
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
	"github.com/finopsly/invoice-pipeline/internal/extract"
)

var dateShapePattern = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)

// populatePOFromEntities fills a missing purchase order from the entity
// model. Entity POs are the least trusted source: short values, digitless
// values and anything shaped like a date are rejected outright.
func (e *Engine) populatePOFromEntities(res *docmodel.ExtractionResult, entities map[string]extract.Entity) {
	if res.Fields.Has(constants.FieldPurchaseOrder) {
		return
	}
	ent, ok := entities["PurchaseOrder"]
	if !ok {
		ent, ok = entities["PO"]
	}
	if !ok {
		return
	}
	text := strings.TrimSpace(ent.Text)
	if len(text) <= 4 || !hasDigit(text) || dateShapePattern.MatchString(text) {
		return
	}
	// A value read out of the vendor's own address block is an address
	// fragment, not an order number.
	if addr := strings.ReplaceAll(res.Fields.Content(constants.FieldVendorAddress), " ", ""); addr != "" {
		if strings.Contains(addr, strings.ReplaceAll(text, " ", "")) {
			return
		}
	}
	res.Fields.SetString(constants.FieldPurchaseOrder, text, docmodel.SourceEntity)
}

// applyVendorRules runs every vendor rule whose signal matches the document.
// A matching rule with extracted candidates installs the best one and records
// the rest as potential values; required prefixes then act as a closed format
// check on whatever purchase order survives.
func (e *Engine) applyVendorRules(res *docmodel.ExtractionResult, flat string) {
	for i := range e.rules.VendorPORules {
		rule := &e.rules.VendorPORules[i]
		if !rule.Matches(flat) {
			continue
		}
		matches := rule.Extract(res.RawText, res.RawTextNoSpaces)
		if len(matches) > 0 {
			best := selectPO(matches, rule.RequiredPrefixes)
			f := &docmodel.Field{
				Content:   best,
				Kind:      "string",
				Potential: matches,
				Source:    docmodel.SourceRule,
			}
			// Keep a primary value that already satisfies the rule; the
			// pattern matches then only enrich the potential list.
			if cur, ok := res.Fields[constants.FieldPurchaseOrder]; ok && rule.AllowsPO(cur.Content) && cur.Source == docmodel.SourcePrimary {
				cur.Potential = mergePotential(cur.Potential, matches)
			} else {
				res.Fields[constants.FieldPurchaseOrder] = f
			}
			e.logger.Debug("reconcile.vendor_rule", "rule", rule.Name, "matches", len(matches))
		}
		if cur, ok := res.Fields[constants.FieldPurchaseOrder]; ok && !rule.AllowsPO(cur.Content) {
			e.logger.Info("reconcile.po.prefix_reject", "rule", rule.Name, "po", cur.Content)
			res.Fields.Delete(constants.FieldPurchaseOrder)
		}
	}
}

// selectPO prefers a candidate carrying a required prefix, and among those a
// ten-character one: vendor order numbers are fixed width and a longer match
// usually swallowed a neighboring digit.
func selectPO(matches []string, requiredPrefixes []string) string {
	if len(requiredPrefixes) == 0 {
		return matches[0]
	}
	var prefixed []string
	for _, m := range matches {
		for _, p := range requiredPrefixes {
			if strings.HasPrefix(m, p) {
				prefixed = append(prefixed, m)
				break
			}
		}
	}
	if len(prefixed) == 0 {
		return matches[0]
	}
	for _, m := range prefixed {
		if len(m) == 10 {
			return m
		}
	}
	return prefixed[0]
}

func mergePotential(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, v := range append(append([]string(nil), existing...), extra...) {
		if _, dup := seen[v]; dup || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// validatePO applies the source-independent plausibility rules and
// normalizes the surviving value.
func (e *Engine) validatePO(res *docmodel.ExtractionResult) {
	f, ok := res.Fields[constants.FieldPurchaseOrder]
	if !ok {
		return
	}
	po := strings.ReplaceAll(f.Content, "\n", "")
	stripped := strings.TrimSpace(strings.ReplaceAll(po, "PO", ""))
	if len(po) < 5 || len(stripped) < 5 {
		res.Fields.Delete(constants.FieldPurchaseOrder)
		return
	}
	for _, kw := range e.rules.NonPOKeywords {
		if strings.Contains(po, kw) {
			e.logger.Info("reconcile.po.keyword_reject", "po", po, "keyword", kw)
			res.Fields.Delete(constants.FieldPurchaseOrder)
			return
		}
	}
	// An eleven digit value equal to the business tax id is the tax id.
	if taxID := digitsOf(res.Fields.Content(constants.FieldTaxID)); taxID != "" {
		if d := digitsOf(po); d == taxID && len(d) == 11 {
			res.Fields.Delete(constants.FieldPurchaseOrder)
			return
		}
	}
	if !hasDigit(po) {
		promoted := false
		for _, p := range f.Potential {
			if hasDigit(p) {
				po = p
				promoted = true
				break
			}
		}
		if !promoted {
			res.Fields.Delete(constants.FieldPurchaseOrder)
			return
		}
	}
	f.Content = strings.ReplaceAll(po, " ", "")
	for i, p := range f.Potential {
		f.Potential[i] = strings.ReplaceAll(p, " ", "")
	}
	sort.Strings(f.Potential)
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
