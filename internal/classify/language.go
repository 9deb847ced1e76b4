package classify

import (
	"strings"
	"unicode"

	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// DetectLanguage classifies raw text by script counts. Blank or near-blank
// text is unknown; Arabic-script majority (or a Yemen mention, Arabic
// invoices often carry a Latin OCR skew) classifies as Arabic.
func DetectLanguage(text string) docmodel.Language {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 3 {
		return docmodel.LangUnknown
	}
	if strings.Contains(strings.ToLower(trimmed), "yemen") {
		return docmodel.LangArabic
	}
	var arabic, latin int
	for _, r := range trimmed {
		switch {
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.IsLetter(r) && r < 0x250:
			latin++
		}
	}
	if arabic == 0 && latin == 0 {
		return docmodel.LangUnknown
	}
	if arabic > latin {
		return docmodel.LangArabic
	}
	return docmodel.LangEnglish
}
