package genai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

const systemPrompt = `You are an AI assistant that extracts invoice data from the raw text of invoices in different languages.
Extract the fields named in the provided JSON schema. Pick the first instance of the vendor name, usually at the beginning of the invoice.
Do not put periods at the end of field values. Omit any field the text does not mention.
Return ONLY a JSON object that matches the schema.`

func buildUserPrompt(rawText string, lang docmodel.Language) string {
	langHint := ""
	if lang.RightToLeft() {
		langHint = " Arabic"
	}
	return fmt.Sprintf("Please extract invoice data fields from the raw text of an%s invoice:\n'%s'\n\nFields to extract: %s",
		langHint, rawText, strings.Join(fieldNames(), ", "))
}

func fieldNames() []string {
	names := make([]string, 0, len(fieldKinds))
	for name := range fieldKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
