package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finopsly/invoice-pipeline/constants"
	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

// Client asks a chat/completions endpoint for invoice fields in JSON mode and
// validates the answer against the invoice schema before anything is merged.
// A quota rejection or an answer that fails validation yields (nil, nil): the
// generative pass is best effort by contract.
type Client struct {
	cfg        common.GenAIConfig
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg common.GenAIConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

// ExtractFields implements extract.GenerativeExtractor.
func (c *Client) ExtractFields(ctx context.Context, rawText string, lang docmodel.Language) (docmodel.FieldMap, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("genai.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"text_len", len(rawText),
		"language", string(lang),
	)

	schema := buildInvoiceJSONSchema()
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": buildUserPrompt(rawText, lang)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, status, err := c.post(ctx, endpoint, body)
	if err != nil {
		if status == http.StatusTooManyRequests || status == http.StatusBadRequest {
			c.log.Warn("genai.extract.rejected",
				"req_id", rid, "status", status,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return nil, nil
		}
		c.log.Error("genai.extract.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("no choices in completion response")
	}
	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))

	if err := validateJSONAgainstSchema(schema, content); err != nil {
		c.log.Warn("genai.extract.schema_validation_failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	fields := mergePayload(payload)

	c.log.Info("genai.extract.ok",
		"req_id", rid,
		"fields", len(fields),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return fields, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("completion http error: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Warn("genai.body_close_error", "error", cerr)
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("completion status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, resp.StatusCode, nil
}

// mergePayload converts the validated model answer into typed fields.
// Placeholder answers and out-of-table keys are dropped here, not rejected by
// the schema, so one bad key never costs the whole pass.
func mergePayload(payload map[string]any) docmodel.FieldMap {
	fields := docmodel.FieldMap{}
	for name, kind := range fieldKinds {
		v, ok := payload[name]
		if !ok {
			continue
		}
		switch kind {
		case "string":
			s, _ := v.(string)
			s = strings.TrimSpace(s)
			if s == "" || s == "Not mentioned" {
				continue
			}
			fields.SetString(name, s, docmodel.SourceGenerative)
		case "date":
			s, _ := v.(string)
			s = strings.TrimSpace(s)
			if s == "" || s == "Not mentioned" {
				continue
			}
			fields[name] = &docmodel.Field{
				Content: normalizeDate(s),
				Kind:    "date",
				Source:  docmodel.SourceGenerative,
			}
		case "currency":
			content, amount, ok := parseAmount(v)
			if !ok || amount == 0 {
				continue
			}
			fields.SetNumber(name, content, amount, docmodel.SourceGenerative)
		}
	}
	// CurrencyCode must be a plausible ISO code, not a symbol the model
	// echoed back.
	if f, ok := fields[constants.FieldCurrencyCode]; ok && len(f.Content) != 3 {
		fields.Delete(constants.FieldCurrencyCode)
	}
	return fields
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"2 January 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"02-Jan-2006",
	"02.01.2006",
}

// normalizeDate reshapes a recognizable date to YYYY-MM-DD and otherwise
// returns the input untouched.
func normalizeDate(s string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

func parseAmount(v any) (content string, amount float64, ok bool) {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" || s == "Not mentioned" {
			return "", 0, false
		}
		cleaned := strings.ReplaceAll(strings.ReplaceAll(s, ",", ""), "$", "")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return "", 0, false
		}
		return s, f, true
	default:
		return "", 0, false
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
