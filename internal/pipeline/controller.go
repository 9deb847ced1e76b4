package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/classify"
	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
	"github.com/finopsly/invoice-pipeline/internal/rules"
	"github.com/finopsly/invoice-pipeline/internal/scoring"
	"github.com/finopsly/invoice-pipeline/internal/segment"
)

// billScanMinPages gates the utility-statement fallback: only documents past
// this size scan their leading pages for a tax-invoice window instead of
// analyzing the whole file.
const billScanMinPages = 20

// lowCompletenessCeiling gates the whole-document image retry: a degraded
// text layer alone is not enough, the structured extraction must also have
// come back mostly empty.
const lowCompletenessCeiling = 0.2

// Extractor analyzes one document payload into the normalized model.
type Extractor interface {
	Extract(ctx context.Context, doc []byte, contentType string, version docmodel.Version) (*docmodel.ExtractionResult, error)
}

// Reconciler runs the field reconciliation passes over one candidate.
type Reconciler interface {
	Reconcile(ctx context.Context, cand *docmodel.Candidate) error
}

// PDFTool is the subset of the poppler wrapper the controller needs.
type PDFTool interface {
	PageCount(ctx context.Context, path string) (int, error)
	ExtractRange(ctx context.Context, path string, pr docmodel.PageRange) ([]byte, error)
	Rasterize(ctx context.Context, doc []byte) ([]byte, error)
}

// Controller owns the per-document strategy: how many analyze calls to spend,
// where to cut a multi-invoice batch, and when to retry a range as an image.
//
// It carries two reconciliation engines. The probe engine runs without the
// generative extractor during per-page scouting, where only invoice ids and
// vendor names matter; the final engine runs the full pass on the ranges that
// survive segmentation.
type Controller struct {
	cfg     common.PipelineConfig
	version docmodel.Version

	pdf        PDFTool
	extractor  Extractor
	probe      Reconciler
	final      Reconciler
	scorer     *scoring.Engine
	classifier *classify.Classifier
	segmenter  *segment.Engine
	rules      *rules.Table
	logger     *slog.Logger
}

func NewController(
	cfg common.PipelineConfig,
	version docmodel.Version,
	pdf PDFTool,
	extractor Extractor,
	probe, final Reconciler,
	scorer *scoring.Engine,
	classifier *classify.Classifier,
	segmenter *segment.Engine,
	table *rules.Table,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:        cfg,
		version:    version,
		pdf:        pdf,
		extractor:  extractor,
		probe:      probe,
		final:      final,
		scorer:     scorer,
		classifier: classifier,
		segmenter:  segmenter,
		rules:      table,
		logger:     logger,
	}
}

// Process analyzes the document at path and returns one finalized candidate
// per detected invoice. doc carries the file's bytes; reading the file is the
// caller's job so batch drivers can reuse buffers.
func (c *Controller) Process(ctx context.Context, path string, doc []byte) ([]*docmodel.Candidate, error) {
	ext := constants.NormalizeExt(filepath.Ext(path))
	format := constants.MapExtToFormat(ext)
	if format == "" {
		return nil, fmt.Errorf("%w: unsupported file extension %q", common.ErrInvalidInput, ext)
	}
	contentType := constants.ContentTypeForExt(ext)

	pageCount := 1
	if format == constants.PDF {
		n, err := c.pdf.PageCount(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("page count: %w", err)
		}
		pageCount = n
	}
	c.logger.Info("pipeline.process.start",
		"path", filepath.Base(path),
		"format", format,
		"pages", pageCount,
	)

	var (
		cands []*docmodel.Candidate
		err   error
	)
	switch {
	case pageCount <= 1:
		var cand *docmodel.Candidate
		cand, err = c.processSinglePage(ctx, doc, contentType, format == constants.PDF, pageCount)
		if cand != nil {
			cands = append(cands, cand)
		}
	case c.cfg.AlwaysSplit || pageCount < c.cfg.PageCeiling:
		cands, err = c.processMultiPage(ctx, path, doc, contentType, pageCount)
	default:
		// Documents at or past the ceiling are overwhelmingly scanned
		// statements; the first page carries everything worth reading.
		c.logger.Info("pipeline.process.page_ceiling", "pages", pageCount, "ceiling", c.cfg.PageCeiling)
		var cand *docmodel.Candidate
		cand, err = c.processRangeFromFile(ctx, path, docmodel.PageRange{Start: 1, End: 1})
		if cand != nil {
			cands = append(cands, cand)
		}
	}
	if err != nil {
		return nil, err
	}

	for _, cand := range cands {
		cand.Finalize()
	}
	c.logger.Info("pipeline.process.ok", "path", filepath.Base(path), "candidates", len(cands))
	return cands, nil
}

// processSinglePage runs the full pass over a one-page document (or a raw
// image), with one image-conversion retry when the text layer reads as
// garbage.
func (c *Controller) processSinglePage(ctx context.Context, doc []byte, contentType string, isPDF bool, pageCount int) (*docmodel.Candidate, error) {
	pr := docmodel.PageRange{Start: 1, End: 1}
	if pageCount < 1 {
		pageCount = 1
	}
	pr.End = pageCount

	res, retried, err := c.analyzeWithTextRetry(ctx, doc, contentType, isPDF)
	if err != nil {
		return nil, err
	}
	cand, err := c.evaluate(ctx, c.final, pr, res)
	if err != nil {
		return nil, err
	}
	if retried && cand.Status == constants.RangeStatusOK {
		cand.Status = constants.RangeStatusRetried
	}
	return cand, nil
}

// processMultiPage probes every page concurrently with the cheap pass, asks
// the segmenter where the batch breaks, and re-analyzes each detected range
// in full. When no break is found the whole document is treated as one
// invoice, with two escape hatches for oversized utility statements.
func (c *Controller) processMultiPage(ctx context.Context, path string, doc []byte, contentType string, pageCount int) ([]*docmodel.Candidate, error) {
	probes, err := c.probePages(ctx, path, pageCount)
	if err != nil {
		return nil, err
	}

	splits := c.segmenter.FindSplits(probes)
	if len(splits) == 0 {
		return c.processUnsplit(ctx, path, doc, contentType, pageCount, probes)
	}

	ranges := segment.Ranges(splits, pageCount)
	c.logger.Info("pipeline.segment.split", "pages", pageCount, "ranges", len(ranges))

	var cands []*docmodel.Candidate
	for _, pr := range ranges {
		cand, err := c.processRangeFromFile(ctx, path, pr)
		if err != nil {
			return nil, err
		}
		if cand == nil {
			// Range failed against the backend; the rest of the batch is
			// still worth returning.
			continue
		}
		cands = append(cands, cand)
	}
	return c.mergeAggregator(cands), nil
}

// probePages analyzes every page as its own range using the probe engine.
// Individual page failures degrade to a FAILED placeholder so the page
// indices stay aligned for the segmenter.
func (c *Controller) probePages(ctx context.Context, path string, pageCount int) ([]*docmodel.Candidate, error) {
	probes := make([]*docmodel.Candidate, pageCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i := 0; i < pageCount; i++ {
		i := i
		g.Go(func() error {
			pr := docmodel.PageRange{Start: i + 1, End: i + 1}
			pageDoc, err := c.pdf.ExtractRange(gctx, path, pr)
			if err != nil {
				c.logger.Warn("pipeline.probe.extract_range_failed", "range", pr.String(), "error", err)
				probes[i] = failedCandidate(pr)
				return nil
			}
			res, retried, err := c.analyzeWithTextRetry(gctx, pageDoc, "application/pdf", true)
			if err != nil {
				c.logger.Warn("pipeline.probe.analyze_failed", "range", pr.String(), "error", err)
				probes[i] = failedCandidate(pr)
				return nil
			}
			cand, err := c.evaluate(gctx, c.probe, pr, res)
			if err != nil {
				return err
			}
			if retried && cand.Status == constants.RangeStatusOK {
				cand.Status = constants.RangeStatusRetried
			}
			probes[i] = cand
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return probes, nil
}

// processUnsplit handles a multi-page document the segmenter left whole.
// Oversized documents whose tail reads as a utility statement get trimmed to
// the tax-invoice window near the front; everything else is analyzed in one
// piece with a completeness-gated image retry.
func (c *Controller) processUnsplit(ctx context.Context, path string, doc []byte, contentType string, pageCount int, probes []*docmodel.Candidate) ([]*docmodel.Candidate, error) {
	if pageCount > billScanMinPages && probes[pageCount-1].IsBill {
		pr := c.taxInvoiceWindow(probes, pageCount)
		c.logger.Info("pipeline.process.bill_window", "pages", pageCount, "range", pr.String())
		cand, err := c.processRangeFromFile(ctx, path, pr)
		if err != nil || cand == nil {
			return nil, err
		}
		return []*docmodel.Candidate{cand}, nil
	}

	res, err := c.extractor.Extract(ctx, doc, contentType, c.version)
	if err != nil {
		return nil, err
	}
	cand, err := c.evaluate(ctx, c.final, docmodel.PageRange{Start: 1, End: pageCount}, res)
	if err != nil {
		return nil, err
	}
	if cand.Status == constants.RangeStatusOK &&
		c.classifier.NeedsRetry(res.RawText) &&
		cand.CompletenessScore < lowCompletenessCeiling {
		retried, rerr := c.retryAsImage(ctx, doc, cand.Range)
		if rerr != nil {
			return nil, rerr
		}
		if retried != nil {
			cand = retried
		}
	}
	return []*docmodel.Candidate{cand}, nil
}

// taxInvoiceWindow picks the page range around the earliest probe page that
// carried a tax-invoice phrase. When none of the leading pages did, only the
// first page is analyzed.
func (c *Controller) taxInvoiceWindow(probes []*docmodel.Candidate, pageCount int) docmodel.PageRange {
	limit := c.cfg.TaxInvoiceScanMax
	if limit > len(probes) {
		limit = len(probes)
	}
	for i := 0; i < limit; i++ {
		if probes[i].IsTaxInvoice {
			end := i + c.cfg.TaxInvoiceWindow
			if end > pageCount {
				end = pageCount
			}
			return docmodel.PageRange{Start: i + 1, End: end}
		}
	}
	return docmodel.PageRange{Start: 1, End: 1}
}

// processRangeFromFile cuts the range out of the source PDF and runs the full
// pass on it. A backend failure returns (nil, nil): the caller decides
// whether a missing range is fatal.
func (c *Controller) processRangeFromFile(ctx context.Context, path string, pr docmodel.PageRange) (*docmodel.Candidate, error) {
	rangeDoc, err := c.pdf.ExtractRange(ctx, path, pr)
	if err != nil {
		return nil, fmt.Errorf("extract range %s: %w", pr.String(), err)
	}
	res, retried, err := c.analyzeWithTextRetry(ctx, rangeDoc, "application/pdf", true)
	if err != nil {
		c.logger.Warn("pipeline.range.analyze_failed", "range", pr.String(), "error", err)
		return nil, nil
	}
	cand, err := c.evaluate(ctx, c.final, pr, res)
	if err != nil {
		return nil, err
	}
	if retried && cand.Status == constants.RangeStatusOK {
		cand.Status = constants.RangeStatusRetried
	}
	return cand, nil
}

// analyzeWithTextRetry analyzes the payload and, when the returned text layer
// reads as garbage, rasterizes the first page and analyzes the image instead.
// The backend then runs full OCR rather than trusting the embedded text. The
// retry is best effort: rasterization or re-analysis failures keep the first
// result.
func (c *Controller) analyzeWithTextRetry(ctx context.Context, doc []byte, contentType string, isPDF bool) (*docmodel.ExtractionResult, bool, error) {
	res, err := c.extractor.Extract(ctx, doc, contentType, c.version)
	if err != nil {
		return nil, false, err
	}
	if !isPDF || !c.classifier.NeedsRetry(res.RawText) {
		return res, false, nil
	}

	img, err := c.pdf.Rasterize(ctx, doc)
	if err != nil {
		c.logger.Warn("pipeline.retry.rasterize_failed", "error", err)
		return res, false, nil
	}
	retryRes, err := c.extractor.Extract(ctx, img, "image/png", c.version)
	if err != nil {
		c.logger.Warn("pipeline.retry.analyze_failed", "error", err)
		return res, false, nil
	}
	c.logger.Info("pipeline.retry.ok",
		"text_len", len(res.RawText),
		"retry_text_len", len(retryRes.RawText),
	)
	return retryRes, true, nil
}

// retryAsImage re-runs the full pass over a rasterized first page. Used when
// a whole-document pass produced a nearly empty field set from degraded text.
func (c *Controller) retryAsImage(ctx context.Context, doc []byte, pr docmodel.PageRange) (*docmodel.Candidate, error) {
	img, err := c.pdf.Rasterize(ctx, doc)
	if err != nil {
		c.logger.Warn("pipeline.retry.rasterize_failed", "error", err)
		return nil, nil
	}
	res, err := c.extractor.Extract(ctx, img, "image/png", c.version)
	if err != nil {
		c.logger.Warn("pipeline.retry.analyze_failed", "error", err)
		return nil, nil
	}
	cand, err := c.evaluate(ctx, c.final, pr, res)
	if err != nil {
		return nil, err
	}
	if cand.Status == constants.RangeStatusOK {
		cand.Status = constants.RangeStatusRetried
	}
	return cand, nil
}

// evaluate runs the fixed stage order over one extraction result: text flags,
// reconciliation, scoring, final classification. Blank ranges skip the stages
// and come back marked BLANK.
func (c *Controller) evaluate(ctx context.Context, recon Reconciler, pr docmodel.PageRange, res *docmodel.ExtractionResult) (*docmodel.Candidate, error) {
	cand := docmodel.NewCandidate(pr, res)
	if res.Blank() {
		cand.Status = constants.RangeStatusBlank
		cand.NonInvoice = true
		return cand, nil
	}
	c.classifier.Flags(cand)
	if err := recon.Reconcile(ctx, cand); err != nil {
		return nil, err
	}
	c.scorer.Score(cand)
	c.classifier.Finalize(cand)
	return cand, nil
}

// mergeAggregator folds the aggregator's own billing page into the vendor
// invoice it rode in on: the aggregator page is the only one carrying the
// purchase order, so the number moves to the first real invoice and the
// aggregator candidate is dropped.
func (c *Controller) mergeAggregator(cands []*docmodel.Candidate) []*docmodel.Candidate {
	aggIdx := -1
	for i, cand := range cands {
		if c.rules.IsAggregatorVendor(cand.Fields().Content(constants.FieldVendorName)) {
			aggIdx = i
			break
		}
	}
	if aggIdx < 0 {
		return cands
	}

	// Without a genuine invoice alongside it, the aggregator page is the
	// document's only result and stays put.
	var sibling *docmodel.Candidate
	for i, cand := range cands {
		if i != aggIdx && cand.IsInvoice {
			sibling = cand
			break
		}
	}
	if sibling == nil {
		return cands
	}

	if po := cands[aggIdx].Fields()[constants.FieldPurchaseOrder]; po != nil {
		sibling.Fields()[constants.FieldPurchaseOrder] = po.Clone()
		c.logger.Info("pipeline.aggregator.po_moved",
			"from_range", cands[aggIdx].Range.String(),
			"to_range", sibling.Range.String(),
		)
	}
	return append(cands[:aggIdx], cands[aggIdx+1:]...)
}

func failedCandidate(pr docmodel.PageRange) *docmodel.Candidate {
	cand := docmodel.NewCandidate(pr, nil)
	cand.Status = constants.RangeStatusFailed
	cand.NonInvoice = true
	return cand
}
