package genai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/finopsly/invoice-pipeline/constants"
)

// fieldKinds lists the fields the generative model is asked for, with the
// typed interpretation applied when merging. Anything outside this table is
// dropped from the model's answer.
var fieldKinds = map[string]string{
	constants.FieldVendorName:               "string",
	constants.FieldCustomerName:             "string",
	constants.FieldPurchaseOrder:            "string",
	constants.FieldInvoiceID:                "string",
	constants.FieldCurrencyCode:             "string",
	constants.FieldVendorAddress:            "string",
	constants.FieldVendorAddressRecipient:   "string",
	constants.FieldCustomerAddress:          "string",
	constants.FieldCustomerAddressRecipient: "string",
	constants.FieldBillingAddress:           "string",
	constants.FieldBillingAddressRecipient:  "string",
	constants.FieldTaxID:                    "string",
	constants.FieldInvoiceDate:              "date",
	constants.FieldDueDate:                  "date",
	constants.FieldSubTotal:                 "currency",
	constants.FieldTotalTax:                 "currency",
	constants.FieldInvoiceTotal:             "currency",
	constants.FieldAmountDue:                "currency",
}

// buildInvoiceJSONSchema returns the schema sent with the prompt and used to
// validate the answer. Dates and currency amounts arrive in too many shapes
// to pin down with patterns; the typed merge does the strict parsing.
func buildInvoiceJSONSchema() map[string]any {
	props := map[string]any{}
	for name, kind := range fieldKinds {
		switch kind {
		case "currency":
			props[name] = map[string]any{"type": []string{"string", "number"}}
		default:
			props[name] = map[string]any{"type": "string"}
		}
	}
	return map[string]any{
		"type": "object",
		// The model may volunteer Items and other extras; they are ignored
		// rather than rejected.
		"additionalProperties": true,
		"properties":           props,
	}
}

// validateJSONAgainstSchema compiles the generic schema map and validates the
// raw document against it.
func validateJSONAgainstSchema(schema map[string]any, raw []byte) error {
	sb, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(sb)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return compiled.Validate(doc)
}
