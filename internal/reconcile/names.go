package reconcile

import (
	"strings"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// fillNames derives missing party names from the address-recipient fields.
// The backend reads the recipient lines far more reliably than the name
// fields themselves.
func (e *Engine) fillNames(res *docmodel.ExtractionResult) {
	e.fillCustomerName(res)
	e.fillVendorName(res)
	e.backfillVendorRecipient(res)
}

func (e *Engine) fillCustomerName(res *docmodel.ExtractionResult) {
	recipient := strings.TrimSpace(res.Fields.Content(constants.FieldCustomerAddressRecipient))
	if recipient == "" || res.Fields.Has(constants.FieldCustomerName) {
		return
	}
	// Mail markers glued onto the recipient line are not part of the name.
	if i := strings.Index(recipient, "LOCKED"); i >= 0 {
		recipient = strings.TrimSpace(recipient[:i])
	}
	if recipient == "" || recipient == "PTY LTD" {
		return
	}
	// A recipient equal to the vendor's is the sender block read twice.
	if vendor := res.Fields.Content(constants.FieldVendorAddressRecipient); vendor != "" && recipient == vendor {
		return
	}
	res.Fields.SetString(constants.FieldCustomerName, recipient, docmodel.SourceRule)
}

func (e *Engine) fillVendorName(res *docmodel.ExtractionResult) {
	recipient := strings.TrimSpace(res.Fields.Content(constants.FieldVendorAddressRecipient))
	if recipient == "" {
		return
	}
	name, hasName := res.Fields[constants.FieldVendorName]
	if !hasName {
		res.Fields.SetString(constants.FieldVendorName, recipient, docmodel.SourceRule)
		return
	}
	if res.Language.RightToLeft() {
		// Arabic vendor names keep only their first line; the recipient swap
		// below is tuned for Latin layouts.
		if i := strings.IndexByte(name.Content, '\n'); i >= 0 {
			name.Content = name.Content[:i]
		}
		return
	}
	// The recipient line usually carries the full legal name while VendorName
	// holds a truncation. Never swap in a line that is really the customer or
	// an ABN footer.
	if len(recipient) > len(name.Content) &&
		recipient != res.Fields.Content(constants.FieldCustomerName) &&
		!strings.Contains(strings.ToLower(recipient), "abn") {
		name.Content = recipient
	}
}

// backfillVendorRecipient keeps the recipient at least as complete as the
// vendor name so downstream consumers can rely on either.
func (e *Engine) backfillVendorRecipient(res *docmodel.ExtractionResult) {
	name := res.Fields.Content(constants.FieldVendorName)
	rcpt, ok := res.Fields[constants.FieldVendorAddressRecipient]
	if name == "" || !ok {
		return
	}
	if len(name) > len(rcpt.Content) {
		rcpt.Content = name
	}
}
