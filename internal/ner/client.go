package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/extract"
)

// Client calls the named-entity model service. The service takes the raw
// document text and returns one prediction per entity type with its
// character offset.
type Client struct {
	cfg        common.NERConfig
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg common.NERConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

// Predict implements extract.EntityRecognizer.
func (c *Client) Predict(ctx context.Context, text string) (map[string]extract.Entity, error) {
	start := time.Now()
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal predict request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner http error: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Warn("ner.body_close_error", "error", cerr)
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ner status %d: %s", resp.StatusCode, string(raw))
	}

	var payload struct {
		Entities map[string]extract.Entity `json:"entities"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode ner response: %w", err)
	}
	c.log.Debug("ner.predict.ok",
		"entities", len(payload.Entities),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return payload.Entities, nil
}
