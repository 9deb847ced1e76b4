package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/classify"
	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
	"github.com/finopsly/invoice-pipeline/internal/export"
	"github.com/finopsly/invoice-pipeline/internal/extract"
	"github.com/finopsly/invoice-pipeline/internal/genai"
	"github.com/finopsly/invoice-pipeline/internal/ner"
	"github.com/finopsly/invoice-pipeline/internal/pdfops"
	"github.com/finopsly/invoice-pipeline/internal/pipeline"
	"github.com/finopsly/invoice-pipeline/internal/reconcile"
	"github.com/finopsly/invoice-pipeline/internal/repository"
	"github.com/finopsly/invoice-pipeline/internal/rules"
	"github.com/finopsly/invoice-pipeline/internal/scoring"
	"github.com/finopsly/invoice-pipeline/internal/segment"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		dir   = flag.String("dir", "", "directory to process invoices from (required)")
		out   = flag.String("out", "", "output XLSX file path (optional, defaults to parent directory)")
		split = flag.Bool("split", false, "force per-page analysis regardless of page count")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(filepath.Dir(*dir), "invoices.xlsx")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	cfg := common.LoadConfig()
	if *split {
		cfg.Pipeline.AlwaysSplit = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctrl, cleanup, err := buildController(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	paths, err := collectDocuments(*dir)
	if err != nil {
		logger.Error("failed to scan directory", "dir", *dir, "error", err)
		os.Exit(1)
	}
	logger.Info("starting batch", "dir", *dir, "documents", len(paths))

	// Documents run concurrently; per-document failures are counted, not fatal.
	results := make([]*export.Document, len(paths))
	var failureCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Pipeline.Workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			payload, err := os.ReadFile(path)
			if err != nil {
				logger.Error("failed to read document", "path", path, "error", err)
				failureCount.Add(1)
				return nil
			}
			cands, err := ctrl.Process(gctx, path, payload)
			if err != nil {
				logger.Error("failed to process document", "path", path, "error", err)
				failureCount.Add(1)
				return nil
			}
			results[i] = &export.Document{Path: path, Candidates: cands}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("batch aborted", "error", err)
		os.Exit(1)
	}

	var docs []export.Document
	for _, doc := range results {
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	processed := len(docs)
	failures := int(failureCount.Load())

	logger.Info("exporting to XLSX", "output", *out)
	xlsxBytes, err := export.NewService(logger).BuildXLSX(docs)
	if err != nil {
		logger.Error("failed to build workbook", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsxBytes, 0644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	logger.Info("batch processing complete",
		"documents", len(paths),
		"processed", processed,
		"failures", failures,
		"output", *out,
	)
	if failures > 0 {
		os.Exit(1)
	}
}

// collectDocuments walks the directory and returns every file with a
// supported extension, in walk order.
func collectDocuments(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if constants.MapExtToFormat(filepath.Ext(path)) == "" {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// buildController wires the full pipeline from configuration. The returned
// cleanup closes the analyze cache when one was opened.
func buildController(cfg *common.Config, logger *slog.Logger) (*pipeline.Controller, func(), error) {
	table, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return nil, nil, err
	}
	version := docmodel.Version(cfg.Backend.Version)

	cleanup := func() {}
	var backend extract.Backend = extract.NewHTTPBackend(cfg.Backend, logger)
	if cfg.Cache.Path != "" {
		cache, err := repository.OpenAnalyzeCache(cfg.Cache.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() {
			if err := cache.Close(); err != nil {
				logger.Warn("failed to close analyze cache", "error", err)
			}
		}
		backend = repository.NewCachingBackend(backend, cache, logger)
		logger.Info("analyze cache enabled", "path", cfg.Cache.Path)
	}
	adapter := extract.NewAdapter(backend, classify.DetectLanguage, logger)

	var entityClient extract.EntityRecognizer
	if cfg.NER.Endpoint != "" {
		entityClient = ner.NewClient(cfg.NER, logger)
	} else {
		logger.Warn("NER endpoint not configured, entity pass will be skipped")
	}

	var generative extract.GenerativeExtractor
	if cfg.GenAI.APIKey != "" {
		generative = genai.NewClient(cfg.GenAI, logger)
		logger.Info("generative extractor initialized", "model", cfg.GenAI.Model)
	} else {
		logger.Warn("generative API key not configured, generative pass will be skipped")
	}

	probe := reconcile.NewEngine(table, entityClient, nil, logger)
	final := reconcile.NewEngine(table, entityClient, generative, logger)

	ctrl := pipeline.NewController(
		cfg.Pipeline,
		version,
		pdfops.NewTool(pdfops.Config{}, logger),
		adapter,
		probe,
		final,
		scoring.NewEngine(logger),
		classify.NewClassifier(table, cfg.Pipeline, logger),
		segment.NewEngine(table, cfg.Pipeline.SplitPrefixLen, logger),
		table,
		logger,
	)
	return ctrl, cleanup, nil
}
