package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

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

// invoiceReport is the JSON shape printed per candidate.
type invoiceReport struct {
	Pages        string            `json:"pages"`
	Kind         string            `json:"kind"`
	Status       string            `json:"status"`
	Language     string            `json:"language,omitempty"`
	Confidence   float64           `json:"confidence"`
	Completeness float64           `json:"completeness"`
	Fields       map[string]string `json:"fields"`
}

func main() {
	var (
		file  = flag.String("file", "", "document to process (required)")
		out   = flag.String("out", "", "write the JSON report to this path instead of stdout")
		xlsx  = flag.String("xlsx", "", "also write an XLSX workbook to this path")
		debug = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *file == "" {
		printError("Error: --file is required\n")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()

	cfg := common.LoadConfig()
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

	doc, err := os.ReadFile(*file)
	if err != nil {
		logger.Error("failed to read document", "path", *file, "error", err)
		os.Exit(1)
	}

	cands, err := ctrl.Process(ctx, *file, doc)
	if err != nil {
		logger.Error("processing failed", "path", *file, "error", err)
		os.Exit(1)
	}

	reports := make([]invoiceReport, 0, len(cands))
	for _, cand := range cands {
		reports = append(reports, reportFor(cand))
	}
	payload, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		logger.Error("failed to encode report", "error", err)
		os.Exit(1)
	}

	if *xlsx != "" {
		wb, err := export.NewService(logger).BuildXLSX([]export.Document{{Path: *file, Candidates: cands}})
		if err != nil {
			logger.Error("failed to build workbook", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*xlsx, wb, 0644); err != nil {
			logger.Error("failed to write workbook", "path", *xlsx, "error", err)
			os.Exit(1)
		}
		logger.Info("workbook written", "path", *xlsx)
	}

	if *out != "" {
		if err := os.WriteFile(*out, payload, 0644); err != nil {
			logger.Error("failed to write report", "path", *out, "error", err)
			os.Exit(1)
		}
		logger.Info("report written", "path", *out, "invoices", len(reports))
		return
	}
	fmt.Println(string(payload))
}

func reportFor(cand *docmodel.Candidate) invoiceReport {
	rep := invoiceReport{
		Pages:        cand.Range.String(),
		Kind:         string(cand.Kind()),
		Status:       string(cand.Status),
		Confidence:   cand.OverallConfidence,
		Completeness: cand.CompletenessScore,
		Fields:       map[string]string{},
	}
	if cand.Result != nil {
		rep.Language = string(cand.Result.Language)
	}
	for name, f := range cand.Fields() {
		if name == constants.FieldItems || f == nil {
			continue
		}
		rep.Fields[name] = f.Content
	}
	return rep
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
