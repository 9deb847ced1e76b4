package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Backend  BackendConfig
	Pipeline PipelineConfig
	GenAI    GenAIConfig
	NER      NERConfig
	Cache    CacheConfig
	Rules    RulesConfig
}

// BackendConfig holds field-extraction backend configuration.
type BackendConfig struct {
	Endpoint     string
	APIKey       string
	Version      string // "v2.1" | "v3.1"
	PollInterval time.Duration
	PollTimeout  time.Duration
	MaxBackoff   time.Duration
}

// PipelineConfig holds the controller's strategy knobs. The split heuristics
// and the page ceiling are deliberately configuration, not constants: both are
// empirically tuned trade-offs.
type PipelineConfig struct {
	PageCeiling       int  // >= this many pages -> first page only
	AlwaysSplit       bool // caller-forced per-page analysis regardless of count
	Workers           int  // bounded worker pool for per-page extraction
	MinTextLength     int  // retry trigger: raw text shorter than this
	MaxAmpersands     int  // retry trigger: OCR noise thresholds
	MaxExclamations   int
	MaxPercents       int
	TaxInvoiceScanMax int // fallback: pages scanned for a tax-invoice flag
	TaxInvoiceWindow  int // fallback: pages taken after the flagged page
	SplitPrefixLen    int // same-template renumbering: shared id prefix length
}

// GenAIConfig holds generative field extractor configuration.
type GenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// NERConfig holds named-entity model configuration.
type NERConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// CacheConfig holds the analyze-response cache configuration.
type CacheConfig struct {
	Path string // sqlite file path; empty disables caching
}

// RulesConfig holds the vendor rule table configuration.
type RulesConfig struct {
	Path string // YAML override; empty uses the embedded default table
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Endpoint:     getEnv("ANALYZE_ENDPOINT", ""),
			APIKey:       getEnv("ANALYZE_API_KEY", ""),
			Version:      getEnv("ANALYZE_VERSION", "v3.1"),
			PollInterval: getEnvAsDuration("ANALYZE_POLL_INTERVAL", time.Second),
			PollTimeout:  getEnvAsDuration("ANALYZE_POLL_TIMEOUT", 200*time.Second),
			MaxBackoff:   getEnvAsDuration("ANALYZE_MAX_BACKOFF", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			PageCeiling:       getEnvAsInt("PAGE_CEILING", 30),
			AlwaysSplit:       getEnvAsBool("ALWAYS_SPLIT", false),
			Workers:           getEnvAsInt("PAGE_WORKERS", 4),
			MinTextLength:     getEnvAsInt("RETRY_MIN_TEXT", 350),
			MaxAmpersands:     getEnvAsInt("RETRY_MAX_AMPERSANDS", 10),
			MaxExclamations:   getEnvAsInt("RETRY_MAX_EXCLAMATIONS", 20),
			MaxPercents:       getEnvAsInt("RETRY_MAX_PERCENTS", 20),
			TaxInvoiceScanMax: getEnvAsInt("TAX_INVOICE_SCAN_MAX", 5),
			TaxInvoiceWindow:  getEnvAsInt("TAX_INVOICE_WINDOW", 3),
			SplitPrefixLen:    getEnvAsInt("SPLIT_PREFIX_LEN", 2),
		},
		GenAI: GenAIConfig{
			BaseURL:     getEnv("GENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      getEnv("GENAI_API_KEY", ""),
			Model:       getEnv("GENAI_MODEL", "gpt-4o-mini"),
			Temperature: getEnvAsFloat32("GENAI_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("GENAI_TIMEOUT", 45*time.Second),
		},
		NER: NERConfig{
			Endpoint: getEnv("NER_ENDPOINT", ""),
			Timeout:  getEnvAsDuration("NER_TIMEOUT", 15*time.Second),
		},
		Cache: CacheConfig{
			Path: getEnv("ANALYZE_CACHE_PATH", ""),
		},
		Rules: RulesConfig{
			Path: getEnv("RULES_PATH", ""),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Backend.Endpoint == "" {
		return NewAppError("CONFIG_ERROR", "ANALYZE_ENDPOINT is required", ErrInvalidInput)
	}
	if c.Backend.Version != "v2.1" && c.Backend.Version != "v3.1" {
		return NewAppError("CONFIG_ERROR", "ANALYZE_VERSION must be v2.1 or v3.1", ErrInvalidInput)
	}
	if c.Pipeline.PageCeiling < 2 {
		return NewAppError("CONFIG_ERROR", "PAGE_CEILING must be at least 2", ErrInvalidInput)
	}
	if c.Pipeline.Workers < 1 {
		return NewAppError("CONFIG_ERROR", "PAGE_WORKERS must be at least 1", ErrInvalidInput)
	}
	return nil
}
