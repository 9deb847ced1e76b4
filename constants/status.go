package constants

// RangeStatus is the processing outcome for one page range of a document.
type RangeStatus string

const (
	RangeStatusOK      RangeStatus = "OK"      // extraction + finalize succeeded
	RangeStatusRetried RangeStatus = "RETRIED" // succeeded after image-conversion retry
	RangeStatusBlank   RangeStatus = "BLANK"   // page(s) contained no meaningful text
	RangeStatusFailed  RangeStatus = "FAILED"  // backend unavailable; range recorded as missing
)

// DocumentKind is the final classification of an invoice candidate.
type DocumentKind string

const (
	KindTaxInvoice  DocumentKind = "TAX_INVOICE"
	KindCreditNote  DocumentKind = "CREDIT_NOTE"
	KindUtilityBill DocumentKind = "UTILITY_BILL"
	KindNonInvoice  DocumentKind = "NON_INVOICE"
	KindInvoice     DocumentKind = "INVOICE"
)
