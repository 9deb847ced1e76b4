package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// HTTPBackend talks to the analyze service with its submit-then-poll
// protocol: POST the document, then poll the returned operation URL until the
// analysis reports succeeded. Transient submit failures retry with
// exponential backoff; exhaustion surfaces common.ErrExtractionUnavailable.
type HTTPBackend struct {
	cfg    common.BackendConfig
	client *http.Client
	logger *slog.Logger
}

func NewHTTPBackend(cfg common.BackendConfig, logger *slog.Logger) *HTTPBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 200 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &HTTPBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.PollTimeout},
		logger: logger,
	}
}

func (b *HTTPBackend) endpoint(version docmodel.Version) (string, error) {
	base := strings.TrimRight(b.cfg.Endpoint, "/")
	switch version {
	case docmodel.V21:
		return base + "/formrecognizer/v2.1/prebuilt/invoice/analyze?includeTextDetails=true", nil
	case docmodel.V31:
		return base + "/formrecognizer/documentModels/prebuilt-invoice:analyze?api-version=2023-07-31", nil
	default:
		return "", fmt.Errorf("%w: %q", common.ErrUnsupportedVersion, version)
	}
}

// Analyze implements Backend.
func (b *HTTPBackend) Analyze(ctx context.Context, doc []byte, contentType string, version docmodel.Version) ([]byte, error) {
	url, err := b.endpoint(version)
	if err != nil {
		return nil, err
	}
	rid := uuid.New().String()
	start := time.Now()

	var opURL string
	backoff := time.Second
	for {
		opURL, err = b.submit(ctx, url, doc, contentType)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrExtractionUnavailable, err)
		}
		if backoff > b.cfg.MaxBackoff {
			b.logger.Error("extract.backend.unavailable", "req_id", rid, "error", err,
				"elapsed_ms", time.Since(start).Milliseconds())
			return nil, fmt.Errorf("%w: %v", common.ErrExtractionUnavailable, err)
		}
		b.logger.Warn("extract.backend.retry", "req_id", rid, "error", err, "backoff", backoff.String())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", common.ErrExtractionUnavailable, ctx.Err())
		}
		backoff *= 2
	}

	raw, err := b.poll(ctx, opURL)
	if err != nil {
		b.logger.Error("extract.backend.poll_failed", "req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("%w: %v", common.ErrExtractionUnavailable, err)
	}
	b.logger.Info("extract.backend.ok", "req_id", rid, "bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())
	return raw, nil
}

func (b *HTTPBackend) submit(ctx context.Context, url string, doc []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Ocp-Apim-Subscription-Key", b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			b.logger.Warn("extract.backend.body_close_error", "error", cerr)
		}
	}()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("submit status %d: %s", resp.StatusCode, string(body))
	}
	op := resp.Header.Get("Operation-Location")
	if op == "" {
		return "", fmt.Errorf("submit response missing Operation-Location")
	}
	return op, nil
}

func (b *HTTPBackend) poll(ctx context.Context, opURL string) ([]byte, error) {
	deadline := time.Now().Add(b.cfg.PollTimeout)
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		raw, done, err := b.pollOnce(ctx, opURL)
		if err != nil {
			return nil, err
		}
		if done {
			return raw, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("analysis did not complete within %s", b.cfg.PollTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *HTTPBackend) pollOnce(ctx context.Context, opURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			b.logger.Warn("extract.backend.body_close_error", "error", cerr)
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, false, fmt.Errorf("poll status %d: %s", resp.StatusCode, string(raw))
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, false, fmt.Errorf("decode poll response: %w", err)
	}
	switch status.Status {
	case "succeeded":
		return raw, true, nil
	case "failed":
		return nil, false, fmt.Errorf("analysis failed")
	default:
		return nil, false, nil
	}
}
