package docmodel

import "strings"

// Source records which extraction pass produced a field value. Precedence in
// the reconciliation engine runs primary > rule > entity > generative.
type Source string

const (
	SourcePrimary    Source = "primary"    // structured backend extraction
	SourceRule       Source = "rule"       // vendor regex/pattern fallback
	SourceEntity     Source = "entity"     // named-entity model prediction
	SourceGenerative Source = "generative" // generative extractor output
)

// Field is one extracted value with its typed interpretation and provenance.
type Field struct {
	Content    string   // raw text as read from the document
	Kind       string   // "string" | "number" | "currency" | "date"
	Number     *float64 // typed amount for number/currency fields
	Confidence *float64 // backend confidence, nil when not reported
	Potential  []string // lower-priority candidate values, best first
	Source     Source
}

// Clone returns a deep copy.
func (f *Field) Clone() *Field {
	if f == nil {
		return nil
	}
	out := *f
	if f.Number != nil {
		n := *f.Number
		out.Number = &n
	}
	if f.Confidence != nil {
		c := *f.Confidence
		out.Confidence = &c
	}
	out.Potential = append([]string(nil), f.Potential...)
	return &out
}

// FieldMap is the canonical field-name -> value view of one page range.
type FieldMap map[string]*Field

func (m FieldMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Content returns the field's raw text, or "" when absent.
func (m FieldMap) Content(name string) string {
	if f, ok := m[name]; ok {
		return f.Content
	}
	return ""
}

// Number returns the typed numeric value, or (0, false) when the field is
// absent or has no typed value.
func (m FieldMap) Number(name string) (float64, bool) {
	if f, ok := m[name]; ok && f.Number != nil {
		return *f.Number, true
	}
	return 0, false
}

// SetString stores a plain string field.
func (m FieldMap) SetString(name, content string, src Source) {
	m[name] = &Field{Content: content, Kind: "string", Source: src}
}

// SetNumber stores a numeric/currency field with both content and typed value.
func (m FieldMap) SetNumber(name, content string, value float64, src Source) {
	v := value
	m[name] = &Field{Content: content, Kind: "currency", Number: &v, Source: src}
}

// Delete removes a field; removing an absent field is a no-op.
func (m FieldMap) Delete(name string) {
	delete(m, name)
}

// Item is one line item; Fields holds the item's value object.
type Item struct {
	Content    string
	Confidence *float64
	Fields     FieldMap
}

// ContainsFold reports whether s contains substr case-insensitively.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
