package reconcile

import (
	"context"
	"log/slog"
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
	"github.com/finopsly/invoice-pipeline/internal/extract"
	"github.com/finopsly/invoice-pipeline/internal/rules"
)

// Engine merges the extraction passes into one field map. Precedence runs
// primary > vendor rule > validated entity > generative: a later pass only
// fills what the earlier ones left empty, with the single exception of
// vendor rules, which are allowed to overrule an implausible primary
// purchase order.
type Engine struct {
	rules  *rules.Table
	ner    extract.EntityRecognizer
	genai  extract.GenerativeExtractor
	logger *slog.Logger
}

// NewEngine builds the engine. Both recognizers may be nil; their passes are
// then skipped.
func NewEngine(table *rules.Table, ner extract.EntityRecognizer, genai extract.GenerativeExtractor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: table, ner: ner, genai: genai, logger: logger}
}

// Reconcile runs every fill and validation pass over the candidate in a
// fixed order. Auxiliary extractor failures are logged and skipped, never
// fatal: a missing NER service degrades recall, not availability.
func (e *Engine) Reconcile(ctx context.Context, cand *docmodel.Candidate) error {
	res := cand.Result
	if res == nil || res.Blank() {
		return nil
	}
	flat := res.FlatText()

	entities := e.predictEntities(ctx, res.RawText)

	e.fillIdentifiers(res)
	e.populatePOFromEntities(res, entities)
	e.applyVendorRules(res, flat)
	e.validatePO(res)
	e.fillFromGenerative(ctx, res)
	e.fillFromEntities(res, entities)
	e.cleanInvoiceID(res)
	e.recoverInvoiceID(res)
	e.fillNames(res)
	e.reconcileTotals(res)
	e.normalizeSignedAmounts(cand)
	e.normalizeAmounts(cand)
	e.fillCreditNoteNumber(cand)

	e.logger.Debug("reconcile.done",
		"range", cand.Range.String(),
		"fields", len(res.Fields),
	)
	return ctx.Err()
}

// predictEntities runs the named-entity pass and drops predictions that sit
// too far from their label in the text.
func (e *Engine) predictEntities(ctx context.Context, rawText string) map[string]extract.Entity {
	if e.ner == nil {
		return nil
	}
	entities, err := e.ner.Predict(ctx, rawText)
	if err != nil {
		e.logger.Warn("reconcile.ner.skip", "error", err)
		return nil
	}
	return validateEntities(rawText, entities, e.logger)
}

// entityProximity is the maximum distance, in characters, between a label
// occurrence and an entity prediction before the prediction is discarded.
const entityProximity = 20

var entityLabelSynonyms = map[string][]string{
	"InvoiceNum":  {"tax invoice number", "tax invoice no", "invoice number", "invoice no", "document id", "document no"},
	"PO":          {"purchase order", "po", "order id", "reference", "ref"},
	"InvoiceDate": {"invoice date"},
	"DueDate":     {"due date"},
}

func validateEntities(text string, entities map[string]extract.Entity, logger *slog.Logger) map[string]extract.Entity {
	lower := strings.ToLower(text)
	for name, synonyms := range entityLabelSynonyms {
		ent, ok := entities[name]
		if !ok {
			continue
		}
		idx := -1
		for _, syn := range synonyms {
			if i := strings.Index(lower, syn); i >= 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		if d := idx - ent.Start; d > entityProximity || d < -entityProximity {
			logger.Info("reconcile.ner.drop", "entity", name, "distance", d)
			delete(entities, name)
		}
	}
	return entities
}

// entityToField maps entity names onto canonical field names for the
// missing-field fill.
var entityToField = map[string]string{
	"InvoiceNum":  constants.FieldInvoiceID,
	"InvoiceDate": constants.FieldInvoiceDate,
	"DueDate":     constants.FieldDueDate,
}

// fillFromEntities copies validated entity predictions into canonical fields
// that every earlier pass left empty. The purchase order has its own pass
// with stricter plausibility rules.
func (e *Engine) fillFromEntities(res *docmodel.ExtractionResult, entities map[string]extract.Entity) {
	for entity, field := range entityToField {
		ent, ok := entities[entity]
		if !ok || res.Fields.Has(field) || ent.Text == "" {
			continue
		}
		res.Fields.SetString(field, ent.Text, docmodel.SourceEntity)
	}
}

// fillFromGenerative fills remaining gaps from the generative extractor. Its
// output is schema validated upstream; here it is strictly a last resort.
func (e *Engine) fillFromGenerative(ctx context.Context, res *docmodel.ExtractionResult) {
	if e.genai == nil {
		return
	}
	fields, err := e.genai.ExtractFields(ctx, res.RawText, res.Language)
	if err != nil {
		e.logger.Warn("reconcile.genai.skip", "error", err)
		return
	}
	if fields == nil {
		return
	}
	for name, f := range fields {
		if res.Fields.Has(name) || f == nil || f.Content == "" {
			continue
		}
		clone := f.Clone()
		clone.Source = docmodel.SourceGenerative
		res.Fields[name] = clone
	}
}
