package pdfops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// Runner abstracts command execution so tests can stub the poppler binaries.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

// stderrLogLimit caps how much command stderr ends up in a log record.
const stderrLogLimit = 8 << 10

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		stderrText := errb.String()
		if len(stderrText) > stderrLogLimit {
			stderrText = stderrText[:stderrLogLimit] + "...(truncated)"
		}
		r.logger.Error("pdfops.exec.failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"elapsed_ms", elapsed,
			"error", err,
			"stderr", stderrText,
		)
		return out.Bytes(), errb.Bytes(), err
	}

	r.logger.Debug("pdfops.exec.ok",
		"cmd", name,
		"elapsed_ms", elapsed,
		"stdout_bytes", out.Len(),
	)
	return out.Bytes(), errb.Bytes(), nil
}

type Config struct {
	Pdfinfo     string // binary name or absolute path; if empty -> "pdfinfo"
	Pdfseparate string // if empty -> "pdfseparate"
	Pdfunite    string // if empty -> "pdfunite"
	Pdftoppm    string // if empty -> "pdftoppm"

	DPI int // rasterization DPI for the image retry, default 300
}

// Tool wraps the poppler utilities the pipeline needs: counting pages,
// cutting a page range into its own PDF, and rasterizing a range for the
// degraded-text retry.
type Tool struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewTool(cfg Config, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdfinfo == "" {
		cfg.Pdfinfo = "pdfinfo"
	}
	if cfg.Pdfseparate == "" {
		cfg.Pdfseparate = "pdfseparate"
	}
	if cfg.Pdfunite == "" {
		cfg.Pdfunite = "pdfunite"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Tool{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
}

// NewToolWithRunner is used by tests to stub the external commands.
func NewToolWithRunner(cfg Config, runner Runner, logger *slog.Logger) *Tool {
	t := NewTool(cfg, logger)
	t.runner = runner
	return t
}

// PageCount reads the page count via pdfinfo.
func (t *Tool) PageCount(ctx context.Context, path string) (int, error) {
	out, errb, err := t.runner.Run(ctx, t.cfg.Pdfinfo, path)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w: %s", err, string(errb))
	}
	return parsePageCount(string(out))
}

func parsePageCount(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		rest, found := strings.CutPrefix(line, "Pages:")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return 0, fmt.Errorf("parse page count %q: %w", rest, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("pdfinfo output carries no page count")
}

// ExtractRange cuts the 1-based inclusive page range into a standalone PDF
// and returns its bytes.
func (t *Tool) ExtractRange(ctx context.Context, path string, pr docmodel.PageRange) ([]byte, error) {
	if pr.Start < 1 || pr.End < pr.Start {
		return nil, fmt.Errorf("%w: page range %s", common.ErrInvalidInput, pr)
	}
	tmpDir, err := os.MkdirTemp("", "invpipe-split-*")
	if err != nil {
		return nil, err
	}
	defer t.removeAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page-%d.pdf")
	_, errb, err := t.runner.Run(ctx, t.cfg.Pdfseparate,
		"-f", strconv.Itoa(pr.Start), "-l", strconv.Itoa(pr.End), path, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdfseparate: %w: %s", err, string(errb))
	}

	pages, err := filepath.Glob(filepath.Join(tmpDir, "page-*.pdf"))
	if err != nil {
		return nil, err
	}
	sortByPageNumber(pages)
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdfseparate produced no pages for %s", pr)
	}
	if len(pages) == 1 {
		return os.ReadFile(pages[0])
	}

	out := filepath.Join(tmpDir, "range.pdf")
	args := append(append([]string(nil), pages...), out)
	if _, errb, err := t.runner.Run(ctx, t.cfg.Pdfunite, args...); err != nil {
		return nil, fmt.Errorf("pdfunite: %w: %s", err, string(errb))
	}
	return os.ReadFile(out)
}

// Rasterize renders the first page of the PDF to a PNG. It backs the retry
// path for documents whose embedded text layer is garbage: re-analyzing the
// rendered image forces the backend into OCR.
func (t *Tool) Rasterize(ctx context.Context, doc []byte) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "invpipe-raster-*")
	if err != nil {
		return nil, err
	}
	defer t.removeAll(tmpDir)

	in := filepath.Join(tmpDir, "in.pdf")
	if err := os.WriteFile(in, doc, 0o600); err != nil {
		return nil, err
	}
	prefix := filepath.Join(tmpDir, "page")
	_, errb, err := t.runner.Run(ctx, t.cfg.Pdftoppm,
		"-f", "1", "-l", "1", "-r", strconv.Itoa(t.cfg.DPI), "-png", in, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, string(errb))
	}
	images, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no image")
	}
	sort.Strings(images)
	return os.ReadFile(images[0])
}

func (t *Tool) removeAll(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		t.logger.Warn("pdfops.tempdir_remove_failed", "dir", dir, "error", err)
	}
}

// sortByPageNumber orders page-N.pdf paths numerically; a lexical sort puts
// page-10 before page-2.
func sortByPageNumber(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return pageNumberOf(paths[i]) < pageNumberOf(paths[j])
	})
}

func pageNumberOf(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".pdf")
	if i := strings.LastIndexByte(base, '-'); i >= 0 {
		if n, err := strconv.Atoi(base[i+1:]); err == nil {
			return n
		}
	}
	return 0
}
