package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

func TestHTTPBackendSubmitAndPoll(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/formrecognizer/documentModels/prebuilt-invoice:analyze", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "key123" {
			t.Error("missing subscription key")
		}
		if r.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("content type = %s", r.Header.Get("Content-Type"))
		}
		w.Header().Set("Operation-Location", srv.URL+"/op/42")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/op/42", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"status":"running"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"succeeded","analyzeResult":{}}`))
	})

	backend := NewHTTPBackend(common.BackendConfig{
		Endpoint:     srv.URL,
		APIKey:       "key123",
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
	}, nil)

	raw, err := backend.Analyze(context.Background(), []byte("pdf"), "application/pdf", docmodel.V31)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"status":"succeeded","analyzeResult":{}}` {
		t.Errorf("raw = %s", raw)
	}
	if polls.Load() != 2 {
		t.Errorf("polls = %d, want 2", polls.Load())
	}
}

func TestHTTPBackendUnavailableAfterBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	backend := NewHTTPBackend(common.BackendConfig{
		Endpoint:   srv.URL,
		APIKey:     "key123",
		MaxBackoff: time.Millisecond, // first retry already exceeds it
	}, nil)

	_, err := backend.Analyze(context.Background(), []byte("pdf"), "application/pdf", docmodel.V31)
	if !errors.Is(err, common.ErrExtractionUnavailable) {
		t.Errorf("err = %v, want ErrExtractionUnavailable", err)
	}
}

func TestHTTPBackendFailedAnalysis(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/formrecognizer/v2.1/prebuilt/invoice/analyze", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Operation-Location", srv.URL+"/op/7")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/op/7", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed"}`))
	})

	backend := NewHTTPBackend(common.BackendConfig{
		Endpoint:     srv.URL,
		APIKey:       "key123",
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
	}, nil)

	_, err := backend.Analyze(context.Background(), []byte("pdf"), "application/pdf", docmodel.V21)
	if !errors.Is(err, common.ErrExtractionUnavailable) {
		t.Errorf("err = %v, want ErrExtractionUnavailable", err)
	}
}

func TestHTTPBackendRejectsUnknownVersion(t *testing.T) {
	backend := NewHTTPBackend(common.BackendConfig{Endpoint: "http://example.invalid"}, nil)
	_, err := backend.Analyze(context.Background(), nil, "application/pdf", docmodel.Version("v9"))
	if !errors.Is(err, common.ErrUnsupportedVersion) {
		t.Errorf("err = %v, want ErrUnsupportedVersion", err)
	}
}
