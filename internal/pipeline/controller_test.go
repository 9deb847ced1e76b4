package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/classify"
	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
	"github.com/finopsly/invoice-pipeline/internal/rules"
	"github.com/finopsly/invoice-pipeline/internal/scoring"
	"github.com/finopsly/invoice-pipeline/internal/segment"
)

type extractCall struct {
	doc         string
	contentType string
}

type fakeExtractor struct {
	mu       sync.Mutex
	results  map[string]*docmodel.ExtractionResult
	errs     map[string]error
	fallback *docmodel.ExtractionResult
	calls    []extractCall
}

func (f *fakeExtractor) Extract(_ context.Context, doc []byte, contentType string, _ docmodel.Version) (*docmodel.ExtractionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, extractCall{doc: string(doc), contentType: contentType})
	f.mu.Unlock()
	if err := f.errs[string(doc)]; err != nil {
		return nil, err
	}
	if res, ok := f.results[string(doc)]; ok {
		return res, nil
	}
	if f.fallback != nil {
		return f.fallback, nil
	}
	return nil, errors.New("no fixture for payload " + string(doc))
}

func (f *fakeExtractor) sawContentType(ct string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.contentType == ct {
			return true
		}
	}
	return false
}

type fakePDF struct {
	pages        int
	rangeErrs    map[string]error
	rasterizeErr error

	mu         sync.Mutex
	rangeCalls []string
}

func (f *fakePDF) PageCount(context.Context, string) (int, error) {
	return f.pages, nil
}

func (f *fakePDF) ExtractRange(_ context.Context, _ string, pr docmodel.PageRange) ([]byte, error) {
	f.mu.Lock()
	f.rangeCalls = append(f.rangeCalls, pr.String())
	f.mu.Unlock()
	if err := f.rangeErrs[pr.String()]; err != nil {
		return nil, err
	}
	return []byte("range" + pr.String()), nil
}

func (f *fakePDF) Rasterize(_ context.Context, doc []byte) ([]byte, error) {
	if f.rasterizeErr != nil {
		return nil, f.rasterizeErr
	}
	return append([]byte("img:"), doc...), nil
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReconciler) Reconcile(context.Context, *docmodel.Candidate) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.err
}

func (f *fakeReconciler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPipelineConfig() common.PipelineConfig {
	return common.PipelineConfig{
		PageCeiling:       30,
		Workers:           2,
		MinTextLength:     10,
		MaxAmpersands:     10,
		MaxExclamations:   20,
		MaxPercents:       20,
		TaxInvoiceScanMax: 5,
		TaxInvoiceWindow:  3,
		SplitPrefixLen:    2,
	}
}

func newTestController(pdf *fakePDF, ex *fakeExtractor) (*Controller, *fakeReconciler, *fakeReconciler) {
	cfg := testPipelineConfig()
	table := rules.Default()
	probe := &fakeReconciler{}
	final := &fakeReconciler{}
	ctrl := NewController(
		cfg, docmodel.V31, pdf, ex, probe, final,
		scoring.NewEngine(nil),
		classify.NewClassifier(table, cfg, nil),
		segment.NewEngine(table, cfg.SplitPrefixLen, nil),
		table, nil,
	)
	return ctrl, probe, final
}

// invoiceResult builds a dense-enough extraction result that classifies as a
// tax invoice and clears the completeness floor.
func invoiceResult(id, vendor string) *docmodel.ExtractionResult {
	texts := []string{
		"Tax Invoice",
		"Invoice Number: " + id,
		vendor,
		"Amount payable within 30 days of issue",
	}
	return resultFromLines(texts, docmodel.FieldMap{
		constants.FieldInvoiceID:  {Content: id, Kind: "string", Source: docmodel.SourcePrimary},
		constants.FieldVendorName: {Content: vendor, Kind: "string", Source: docmodel.SourcePrimary},
		constants.FieldInvoiceTotal: {
			Content: "1,100.00", Kind: "currency", Source: docmodel.SourcePrimary,
		},
	})
}

// utilityResult reads as an electricity statement page: no structured fields,
// utility wording in the text.
func utilityResult() *docmodel.ExtractionResult {
	return resultFromLines([]string{
		"Electricity Bill",
		"Your usage and charges for the period",
	}, docmodel.FieldMap{})
}

// degradedResult simulates a failed PDF text layer: nearly no text.
func degradedResult() *docmodel.ExtractionResult {
	return resultFromLines([]string{"zz"}, docmodel.FieldMap{})
}

func resultFromLines(texts []string, fields docmodel.FieldMap) *docmodel.ExtractionResult {
	page := docmodel.Page{Number: 1}
	for _, t := range texts {
		page.Lines = append(page.Lines, docmodel.Line{Text: t})
	}
	raw := strings.Join(texts, "\n") + "\n"
	return &docmodel.ExtractionResult{
		Version:         docmodel.V31,
		Pages:           []docmodel.Page{page},
		Fields:          fields,
		RawText:         raw,
		RawTextNoSpaces: strings.ReplaceAll(raw, " ", ""),
		Language:        docmodel.LangEnglish,
	}
}

func TestProcessSinglePageInvoice(t *testing.T) {
	pdf := &fakePDF{pages: 1}
	ex := &fakeExtractor{results: map[string]*docmodel.ExtractionResult{
		"doc": invoiceResult("INV-9001", "Acme Industrial Supplies"),
	}}
	ctrl, probe, final := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "inv.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	cand := cands[0]
	if cand.Status != constants.RangeStatusOK {
		t.Errorf("status = %s, want OK", cand.Status)
	}
	if cand.Kind() != constants.KindTaxInvoice {
		t.Errorf("kind = %s, want TAX_INVOICE", cand.Kind())
	}
	if !cand.Finalized() {
		t.Error("candidate must be finalized")
	}
	if final.count() != 1 || probe.count() != 0 {
		t.Errorf("reconcile calls: final=%d probe=%d, want 1/0", final.count(), probe.count())
	}
}

func TestProcessImageFile(t *testing.T) {
	pdf := &fakePDF{pages: 99} // must not be consulted for an image
	ex := &fakeExtractor{results: map[string]*docmodel.ExtractionResult{
		"doc": invoiceResult("INV-9002", "Acme Industrial Supplies"),
	}}
	ctrl, _, _ := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "scan.png", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if got := cands[0].Range; got.Start != 1 || got.End != 1 {
		t.Errorf("range = %s, want [1,1]", got)
	}
	if !ex.sawContentType("image/png") {
		t.Error("image payload must be analyzed as image/png")
	}
}

func TestProcessUnsupportedExtension(t *testing.T) {
	ctrl, _, _ := newTestController(&fakePDF{pages: 1}, &fakeExtractor{})
	_, err := ctrl.Process(context.Background(), "notes.txt", []byte("doc"))
	if !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSinglePageDegradedTextRetry(t *testing.T) {
	pdf := &fakePDF{pages: 1}
	ex := &fakeExtractor{results: map[string]*docmodel.ExtractionResult{
		"doc":     degradedResult(),
		"img:doc": invoiceResult("INV-9003", "Acme Industrial Supplies"),
	}}
	ctrl, _, _ := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "inv.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if cands[0].Status != constants.RangeStatusRetried {
		t.Errorf("status = %s, want RETRIED", cands[0].Status)
	}
	if !cands[0].IsInvoice {
		t.Error("retried extraction must classify as invoice")
	}
	if !ex.sawContentType("image/png") {
		t.Error("retry must analyze the rasterized page")
	}
}

func TestSinglePageRetryKeepsFirstResultOnRasterizeFailure(t *testing.T) {
	pdf := &fakePDF{pages: 1, rasterizeErr: errors.New("pdftoppm: exit 1")}
	ex := &fakeExtractor{results: map[string]*docmodel.ExtractionResult{
		"doc": degradedResult(),
	}}
	ctrl, _, _ := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "inv.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if cands[0].Status != constants.RangeStatusOK {
		t.Errorf("status = %s, want OK when the retry could not run", cands[0].Status)
	}
	if cands[0].IsInvoice {
		t.Error("degraded page without fields must not classify as invoice")
	}
}

func TestProcessMultiPageSplit(t *testing.T) {
	pdf := &fakePDF{pages: 4}
	ex := &fakeExtractor{results: map[string]*docmodel.ExtractionResult{
		"range[1,1]": invoiceResult("INV-1001", "Acme Industrial Supplies"),
		"range[2,2]": invoiceResult("INV-1001", "Acme Industrial Supplies"),
		"range[3,3]": invoiceResult("INV-1002", "Acme Industrial Supplies"),
		"range[4,4]": invoiceResult("INV-1002", "Acme Industrial Supplies"),
		"range[1,2]": invoiceResult("INV-1001", "Acme Industrial Supplies"),
		"range[3,4]": invoiceResult("INV-1002", "Acme Industrial Supplies"),
	}}
	ctrl, probe, final := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "batch.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2", len(cands))
	}
	if got := cands[0].Range; got.Start != 1 || got.End != 2 {
		t.Errorf("first range = %s, want [1,2]", got)
	}
	if got := cands[1].Range; got.Start != 3 || got.End != 4 {
		t.Errorf("second range = %s, want [3,4]", got)
	}
	if id := cands[1].Fields().Content(constants.FieldInvoiceID); id != "INV-1002" {
		t.Errorf("second invoice id = %q", id)
	}
	if probe.count() != 4 {
		t.Errorf("probe reconcile calls = %d, want 4", probe.count())
	}
	if final.count() != 2 {
		t.Errorf("final reconcile calls = %d, want 2", final.count())
	}
	for _, c := range cands {
		if !c.Finalized() {
			t.Errorf("candidate %s not finalized", c.Range)
		}
	}
}

func TestProcessMultiPageNoSplitAnalyzesWhole(t *testing.T) {
	pdf := &fakePDF{pages: 3}
	ex := &fakeExtractor{
		results: map[string]*docmodel.ExtractionResult{
			"doc": invoiceResult("INV-2001", "Acme Industrial Supplies"),
		},
		fallback: invoiceResult("INV-2001", "Acme Industrial Supplies"),
	}
	ctrl, probe, final := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "inv.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if got := cands[0].Range; got.Start != 1 || got.End != 3 {
		t.Errorf("range = %s, want [1,3]", got)
	}
	if probe.count() != 3 || final.count() != 1 {
		t.Errorf("reconcile calls: probe=%d final=%d, want 3/1", probe.count(), final.count())
	}
}

func TestProcessMultiPageFailedRangeSkipped(t *testing.T) {
	pdf := &fakePDF{pages: 4}
	ex := &fakeExtractor{
		results: map[string]*docmodel.ExtractionResult{
			"range[1,1]": invoiceResult("INV-1001", "Acme Industrial Supplies"),
			"range[2,2]": invoiceResult("INV-1001", "Acme Industrial Supplies"),
			"range[3,3]": invoiceResult("INV-1002", "Acme Industrial Supplies"),
			"range[4,4]": invoiceResult("INV-1002", "Acme Industrial Supplies"),
			"range[1,2]": invoiceResult("INV-1001", "Acme Industrial Supplies"),
		},
		errs: map[string]error{
			"range[3,4]": common.ErrExtractionUnavailable,
		},
	}
	ctrl, _, _ := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "batch.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1 surviving range", len(cands))
	}
	if got := cands[0].Range; got.Start != 1 || got.End != 2 {
		t.Errorf("range = %s, want [1,2]", got)
	}
}

func TestProcessPageCeilingFirstPageOnly(t *testing.T) {
	pdf := &fakePDF{pages: 30}
	ex := &fakeExtractor{results: map[string]*docmodel.ExtractionResult{
		"range[1,1]": invoiceResult("INV-3001", "Acme Industrial Supplies"),
	}}
	ctrl, probe, final := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "statement.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if got := cands[0].Range; got.Start != 1 || got.End != 1 {
		t.Errorf("range = %s, want [1,1]", got)
	}
	if probe.count() != 0 {
		t.Errorf("probe reconcile calls = %d, want 0 at the ceiling", probe.count())
	}
	if final.count() != 1 {
		t.Errorf("final reconcile calls = %d, want 1", final.count())
	}
}

func TestProcessBillTailTakesTaxInvoiceWindow(t *testing.T) {
	pdf := &fakePDF{pages: 22}
	ex := &fakeExtractor{
		results: map[string]*docmodel.ExtractionResult{
			"range[1,1]":   invoiceResult("INV-5005", "Acme Industrial Supplies"),
			"range[22,22]": utilityResult(),
			"range[1,3]":   invoiceResult("INV-5005", "Acme Industrial Supplies"),
		},
		// Middle pages share the invoice id, so the segmenter finds no split.
		fallback: invoiceResult("INV-5005", "Acme Industrial Supplies"),
	}
	ctrl, _, final := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "bundle.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if got := cands[0].Range; got.Start != 1 || got.End != 3 {
		t.Errorf("range = %s, want the tax-invoice window [1,3]", got)
	}
	if final.count() != 1 {
		t.Errorf("final reconcile calls = %d, want 1", final.count())
	}
}

func TestProcessWholeDocLowCompletenessRetry(t *testing.T) {
	pdf := &fakePDF{pages: 3}
	ex := &fakeExtractor{
		results: map[string]*docmodel.ExtractionResult{
			"doc":     degradedResult(),
			"img:doc": invoiceResult("INV-7007", "Acme Industrial Supplies"),
		},
		fallback: invoiceResult("INV-7007", "Acme Industrial Supplies"),
	}
	ctrl, _, _ := newTestController(pdf, ex)

	cands, err := ctrl.Process(context.Background(), "inv.pdf", []byte("doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if cands[0].Status != constants.RangeStatusRetried {
		t.Errorf("status = %s, want RETRIED", cands[0].Status)
	}
	if !cands[0].IsInvoice {
		t.Error("retried extraction must classify as invoice")
	}
}

func TestMergeAggregatorMovesPurchaseOrder(t *testing.T) {
	ctrl, _, _ := newTestController(&fakePDF{pages: 1}, &fakeExtractor{})

	agg := docmodel.NewCandidate(docmodel.PageRange{Start: 3, End: 3}, &docmodel.ExtractionResult{Fields: docmodel.FieldMap{}})
	agg.Fields().SetString(constants.FieldVendorName, "GroupM Media Australia", docmodel.SourcePrimary)
	agg.Fields().SetString(constants.FieldPurchaseOrder, "PO-774411", docmodel.SourcePrimary)

	inv := docmodel.NewCandidate(docmodel.PageRange{Start: 1, End: 2}, &docmodel.ExtractionResult{Fields: docmodel.FieldMap{}})
	inv.Fields().SetString(constants.FieldVendorName, "Acme Industrial Supplies", docmodel.SourcePrimary)
	inv.IsInvoice = true

	out := ctrl.mergeAggregator([]*docmodel.Candidate{inv, agg})
	if len(out) != 1 {
		t.Fatalf("candidates = %d, want 1 after merge", len(out))
	}
	if out[0] != inv {
		t.Fatal("surviving candidate must be the vendor invoice")
	}
	if po := out[0].Fields().Content(constants.FieldPurchaseOrder); po != "PO-774411" {
		t.Errorf("purchase order = %q, want PO-774411", po)
	}
}

func TestMergeAggregatorWithoutSiblingKeepsCandidate(t *testing.T) {
	ctrl, _, _ := newTestController(&fakePDF{pages: 1}, &fakeExtractor{})

	agg := docmodel.NewCandidate(docmodel.PageRange{Start: 1, End: 1}, &docmodel.ExtractionResult{Fields: docmodel.FieldMap{}})
	agg.Fields().SetString(constants.FieldVendorName, "GroupM Media Australia", docmodel.SourcePrimary)
	agg.Fields().SetString(constants.FieldPurchaseOrder, "PO-774411", docmodel.SourcePrimary)
	agg.IsInvoice = true

	out := ctrl.mergeAggregator([]*docmodel.Candidate{agg})
	if len(out) != 1 || out[0] != agg {
		t.Fatal("a lone aggregator invoice must survive the merge")
	}

	// A non-invoice sibling does not qualify as the receiving invoice either.
	other := docmodel.NewCandidate(docmodel.PageRange{Start: 2, End: 2}, &docmodel.ExtractionResult{Fields: docmodel.FieldMap{}})
	out = ctrl.mergeAggregator([]*docmodel.Candidate{agg, other})
	if len(out) != 2 {
		t.Fatalf("candidates = %d, want 2 when no sibling invoice exists", len(out))
	}
}

func TestMergeAggregatorNoAggregatorIsNoop(t *testing.T) {
	ctrl, _, _ := newTestController(&fakePDF{pages: 1}, &fakeExtractor{})
	inv := docmodel.NewCandidate(docmodel.PageRange{Start: 1, End: 1}, &docmodel.ExtractionResult{Fields: docmodel.FieldMap{}})
	inv.Fields().SetString(constants.FieldVendorName, "Acme Industrial Supplies", docmodel.SourcePrimary)

	out := ctrl.mergeAggregator([]*docmodel.Candidate{inv})
	if len(out) != 1 || out[0] != inv {
		t.Fatal("merge must leave a batch without an aggregator untouched")
	}
}
