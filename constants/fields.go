package constants

// Canonical field names exposed by the extraction adapter. The same vocabulary
// is used for both backend response versions; version-specific key names never
// leak past internal/extract.
const (
	FieldPurchaseOrder            = "PurchaseOrder"
	FieldInvoiceID                = "InvoiceId"
	FieldInvoiceDate              = "InvoiceDate"
	FieldDueDate                  = "DueDate"
	FieldInvoiceTotal             = "InvoiceTotal"
	FieldAmountDue                = "AmountDue"
	FieldSubTotal                 = "SubTotal"
	FieldTotalTax                 = "TotalTax"
	FieldCustomerName             = "CustomerName"
	FieldCustomerAddress          = "CustomerAddress"
	FieldCustomerAddressRecipient = "CustomerAddressRecipient"
	FieldVendorName               = "VendorName"
	FieldVendorAddress            = "VendorAddress"
	FieldVendorAddressRecipient   = "VendorAddressRecipient"
	FieldBillingAddress           = "BillingAddress"
	FieldBillingAddressRecipient  = "BillingAddressRecipient"
	FieldCustomerAccountNumber    = "CustomerAccountNumber"
	FieldTaxID                    = "TaxID"
	FieldAccountDetails           = "AccountDetails"
	FieldCurrencyCode             = "CurrencyCode"
	FieldItems                    = "Items"
)

// Item-level field names inside a line item's value object.
const (
	ItemFieldDescription = "Description"
	ItemFieldAmount      = "Amount"
	ItemFieldQuantity    = "Quantity"
	ItemFieldUnitPrice   = "UnitPrice"
	ItemFieldTax         = "Tax"
)
