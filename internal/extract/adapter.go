package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// LanguageDetector classifies the raw text of a page range.
type LanguageDetector func(text string) docmodel.Language

// Adapter normalizes backend responses into the version-agnostic document
// model. Callers never see version-specific key names.
type Adapter struct {
	backend Backend
	detect  LanguageDetector
	logger  *slog.Logger
}

func NewAdapter(backend Backend, detect LanguageDetector, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{backend: backend, detect: detect, logger: logger}
}

// Extract analyzes one page range and returns its normalized result.
func (a *Adapter) Extract(ctx context.Context, doc []byte, contentType string, version docmodel.Version) (*docmodel.ExtractionResult, error) {
	raw, err := a.backend.Analyze(ctx, doc, contentType, version)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	res, err := Parse(raw, version)
	if err != nil {
		return nil, err
	}
	if a.detect != nil {
		res.Language = a.detect(res.RawText)
	}
	a.logger.Debug("extract.adapter.ok",
		"version", string(version),
		"pages", len(res.Pages),
		"fields", len(res.Fields),
		"items", len(res.Items),
		"text_len", len(res.RawText),
		"language", string(res.Language),
	)
	return res, nil
}

// Parse decodes a raw analyze payload of the given version into the
// normalized model. It is the only place that reads version-specific keys.
func Parse(raw []byte, version docmodel.Version) (*docmodel.ExtractionResult, error) {
	st, err := docmodel.StructureFor(version)
	if err != nil {
		return nil, err
	}
	pst, err := docmodel.PageStructureFor(version)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode analyze payload: %w", err)
	}
	analyze, _ := payload["analyzeResult"].(map[string]any)
	if analyze == nil {
		return nil, fmt.Errorf("analyze payload missing analyzeResult")
	}

	res := &docmodel.ExtractionResult{
		Version:  version,
		Fields:   docmodel.FieldMap{},
		Language: docmodel.LangUnknown,
	}

	parsePages(res, analyze, pst)
	buildRawText(res)

	docs, _ := analyze[st.ContainerKey].([]any)
	if len(docs) > 0 {
		if doc, ok := docs[0].(map[string]any); ok {
			parseFields(res, doc, st)
		}
	}
	return res, nil
}

func parsePages(res *docmodel.ExtractionResult, analyze map[string]any, pst docmodel.PageStructure) {
	pages, _ := analyze[pst.ContainerKey].([]any)
	for i, pv := range pages {
		pm, ok := pv.(map[string]any)
		if !ok {
			continue
		}
		page := docmodel.Page{
			Number: i + 1,
			Width:  asFloat(pm["width"]),
			Height: asFloat(pm["height"]),
		}
		if n := asFloat(pm["pageNumber"]); n > 0 {
			page.Number = int(n)
		} else if n := asFloat(pm["page"]); n > 0 {
			page.Number = int(n)
		}
		lines, _ := pm["lines"].([]any)
		for _, lv := range lines {
			lm, ok := lv.(map[string]any)
			if !ok {
				continue
			}
			line := docmodel.Line{Text: asString(lm[pst.ContentKey])}
			if coords, ok := lm[pst.GeometryKey].([]any); ok {
				line.Geometry = make([]float64, 0, len(coords))
				for _, c := range coords {
					line.Geometry = append(line.Geometry, asFloat(c))
				}
			}
			page.Lines = append(page.Lines, line)
		}
		res.Pages = append(res.Pages, page)
	}
}

// buildRawText produces both text variants: the second strips interior
// spaces because handwritten purchase orders often carry spurious spaces.
func buildRawText(res *docmodel.ExtractionResult) {
	var b, nb strings.Builder
	for _, p := range res.Pages {
		for _, l := range p.Lines {
			b.WriteString(l.Text)
			b.WriteByte('\n')
			nb.WriteString(strings.ReplaceAll(l.Text, " ", ""))
			nb.WriteByte('\n')
		}
	}
	res.RawText = b.String()
	res.RawTextNoSpaces = nb.String()
}

func parseFields(res *docmodel.ExtractionResult, doc map[string]any, st docmodel.Structure) {
	fields, _ := doc["fields"].(map[string]any)
	for name, fv := range fields {
		fm, ok := fv.(map[string]any)
		if !ok {
			continue
		}
		if name == constants.FieldItems {
			parseItems(res, fm, st)
			continue
		}
		res.Fields[name] = parseField(fm, st)
	}
}

func parseField(fm map[string]any, st docmodel.Structure) *docmodel.Field {
	f := &docmodel.Field{
		Content: asString(fm[st.ContentKey]),
		Kind:    asString(fm["type"]),
		Source:  docmodel.SourcePrimary,
	}
	if f.Content == "" {
		f.Content = asString(fm["valueString"])
	}
	if c, ok := fm["confidence"].(float64); ok {
		f.Confidence = &c
	}
	if n, ok := fm["valueNumber"].(float64); ok {
		f.Number = &n
	} else if vc, ok := fm[st.ValueKey].(map[string]any); ok {
		if amount, ok := vc["amount"].(float64); ok {
			f.Number = &amount
		}
	}
	return f
}

func parseItems(res *docmodel.ExtractionResult, fm map[string]any, st docmodel.Structure) {
	arr, _ := fm["valueArray"].([]any)
	for _, iv := range arr {
		im, ok := iv.(map[string]any)
		if !ok {
			continue
		}
		item := docmodel.Item{
			Content: asString(im[st.ContentKey]),
			Fields:  docmodel.FieldMap{},
		}
		if c, ok := im["confidence"].(float64); ok {
			item.Confidence = &c
		}
		if obj, ok := im["valueObject"].(map[string]any); ok {
			for name, fv := range obj {
				if ffm, ok := fv.(map[string]any); ok {
					item.Fields[name] = parseField(ffm, st)
				}
			}
		}
		res.Items = append(res.Items, item)
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
