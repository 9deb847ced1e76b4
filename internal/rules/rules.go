package rules

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// VendorPORule is one vendor-specific purchase-order extraction rule. The
// large per-vendor pattern corpus is data, not control flow: the engine only
// knows how to apply a rule, never which vendor it belongs to.
type VendorPORule struct {
	Name string `yaml:"name"`
	// Signals activate the rule when any of them appears in the document's
	// lowercased text. ExcludeSignals veto activation.
	Signals        []string `yaml:"signals"`
	ExcludeSignals []string `yaml:"exclude_signals,omitempty"`
	// Patterns are tried in order against the raw text, then against the
	// whitespace-stripped variant; the first match wins.
	Patterns []string `yaml:"patterns"`
	// RequiredPrefixes, when set, drop a resolved purchase order that does
	// not start with any of them (the vendor's PO format is closed).
	RequiredPrefixes []string `yaml:"required_prefixes,omitempty"`
	// StripTokens are removed from a matched value before use.
	StripTokens []string `yaml:"strip_tokens,omitempty"`

	compiled []*regexp.Regexp
}

// Matches reports whether the rule applies to the given lowercased text.
func (r *VendorPORule) Matches(flatText string) bool {
	for _, ex := range r.ExcludeSignals {
		if strings.Contains(flatText, ex) {
			return false
		}
	}
	for _, s := range r.Signals {
		if strings.Contains(flatText, s) {
			return true
		}
	}
	return false
}

// Extract returns every pattern match in rawText, falling back to the
// no-spaces variant when nothing matched, cleaned of strip tokens.
func (r *VendorPORule) Extract(rawText, rawTextNoSpaces string) []string {
	var found []string
	for _, re := range r.compiled {
		found = append(found, re.FindAllString(rawText, -1)...)
	}
	if len(found) == 0 {
		for _, re := range r.compiled {
			found = append(found, re.FindAllString(rawTextNoSpaces, -1)...)
		}
	}
	seen := make(map[string]struct{}, len(found))
	out := make([]string, 0, len(found))
	for _, m := range found {
		for _, tok := range r.StripTokens {
			m = strings.ReplaceAll(m, tok, "")
			m = strings.ReplaceAll(m, strings.ToUpper(tok), "")
		}
		m = strings.TrimSpace(strings.ReplaceAll(m, " ", ""))
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// AllowsPO reports whether a final purchase order satisfies the rule's
// required prefixes (always true when none are set).
func (r *VendorPORule) AllowsPO(po string) bool {
	if len(r.RequiredPrefixes) == 0 {
		return true
	}
	for _, p := range r.RequiredPrefixes {
		if strings.HasPrefix(po, p) {
			return true
		}
	}
	return false
}

// Table is the full keyword/pattern corpus consumed by the classifier,
// segmentation engine and reconciliation engine.
type Table struct {
	VendorPORules []VendorPORule `yaml:"vendor_po_rules"`

	// Purchase-order label synonyms in priority order (first match wins).
	POSynonyms []string `yaml:"po_synonyms"`
	// Substrings that disqualify a value from being a purchase order.
	NonPOKeywords []string `yaml:"non_po_keywords"`

	TaxInvoicePhrases     []string `yaml:"tax_invoice_phrases"`
	CreditNoteLabels      []string `yaml:"credit_note_labels"`
	InvoiceHeaderKeywords []string `yaml:"invoice_header_keywords"`

	UtilityVendors  []string `yaml:"utility_vendors"`
	UtilityKeywords []string `yaml:"utility_keywords"`

	// NegativeSignals: each inner list is a conjunction; a document matching
	// every phrase of any one set is flagged non-invoice.
	NegativeSignals [][]string `yaml:"negative_signals"`

	// Vendors for which AmountDue never supersedes InvoiceTotal.
	AmountDueExceptionVendors []string `yaml:"amount_due_exception_vendors"`

	// Vendor signatures of the downstream aggregator system whose appended
	// invoice is merged into its sibling and removed.
	AggregatorVendors []string `yaml:"aggregator_vendors"`
}

// Load reads a rule table from path, or the embedded default when path is
// empty, and compiles every pattern.
func Load(path string) (*Table, error) {
	raw := defaultRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules: %w", err)
		}
		raw = b
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i := range t.VendorPORules {
		r := &t.VendorPORules[i]
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("rule %q: compile %q: %w", r.Name, p, err)
			}
			r.compiled = append(r.compiled, re)
		}
	}
	return &t, nil
}

// Default returns the embedded rule table; it panics only if the embedded
// data itself is broken, which is a build defect.
func Default() *Table {
	t, err := Load("")
	if err != nil {
		panic(err)
	}
	return t
}

// IsAggregatorVendor reports whether a vendor name belongs to the downstream
// aggregator system.
func (t *Table) IsAggregatorVendor(vendor string) bool {
	v := strings.ToLower(vendor)
	for _, a := range t.AggregatorVendors {
		if strings.Contains(v, a) {
			return true
		}
	}
	return false
}

// IsAmountDueException reports whether the vendor keeps InvoiceTotal even
// when AmountDue is larger.
func (t *Table) IsAmountDueException(vendor string) bool {
	for _, e := range t.AmountDueExceptionVendors {
		if strings.Contains(strings.ToLower(vendor), strings.ToLower(e)) {
			return true
		}
	}
	return false
}
