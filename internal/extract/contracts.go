package extract

import (
	"context"

	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// Backend is the external field-extraction engine. Analyze returns the raw
// response payload for the requested version shape; implementations own their
// retry policy and return common.ErrExtractionUnavailable (wrapped) when the
// service cannot be reached.
type Backend interface {
	Analyze(ctx context.Context, doc []byte, contentType string, version docmodel.Version) ([]byte, error)
}

// Entity is one named-entity prediction with its character offset into the
// text it was predicted from.
type Entity struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
}

// EntityRecognizer is the external named-entity model.
type EntityRecognizer interface {
	Predict(ctx context.Context, text string) (map[string]Entity, error)
}

// GenerativeExtractor is the external generative-language field extractor.
// A (nil, nil) return means quota or validation failure: the caller treats
// the pass as skipped, never as fatal.
type GenerativeExtractor interface {
	ExtractFields(ctx context.Context, rawText string, lang docmodel.Language) (docmodel.FieldMap, error)
}
