package docmodel

import "strings"

// Language is the detected language of a page range's raw text.
type Language string

const (
	LangUnknown Language = "unknown"
	LangArabic  Language = "ar"
	LangEnglish Language = "en"
)

// RightToLeft reports whether completeness heuristics tuned for Latin-script
// documents should be relaxed for this language.
func (l Language) RightToLeft() bool {
	return l == LangArabic
}

// Line is one OCR line with its position on the page. Geometry keeps the
// backend's coordinate list (8 values, four corner points) untranslated.
type Line struct {
	Text     string
	Geometry []float64
}

// Page is one page of the analyzed range.
type Page struct {
	Number int
	Width  float64
	Height float64
	Lines  []Line
}

// ExtractionResult is the version-agnostic output of the field extraction
// adapter for one page range.
type ExtractionResult struct {
	Version Version
	Pages   []Page
	Fields  FieldMap
	Items   []Item

	// RawText concatenates every line with newlines; RawTextNoSpaces is the
	// same with interior spaces stripped (handwritten purchase orders often
	// carry spurious spaces and don't match patterns otherwise).
	RawText         string
	RawTextNoSpaces string

	Language Language
}

// Blank reports whether the range contained no meaningful text.
func (r *ExtractionResult) Blank() bool {
	if r == nil {
		return true
	}
	for _, p := range r.Pages {
		if len(p.Lines) > 0 {
			return false
		}
	}
	return true
}

// FirstLines returns up to n line texts in reading order across pages.
func (r *ExtractionResult) FirstLines(n int) []string {
	out := make([]string, 0, n)
	for _, p := range r.Pages {
		for _, l := range p.Lines {
			if len(out) == n {
				return out
			}
			out = append(out, l.Text)
		}
	}
	return out
}

// FlatText joins raw text into one lowercase, newline-collapsed string for
// phrase matching.
func (r *ExtractionResult) FlatText() string {
	return strings.ToLower(strings.ReplaceAll(r.RawText, "\n", " "))
}
