package ner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/finopsly/invoice-pipeline/internal/common"
)

func TestPredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Text != "Invoice No 8841" {
			t.Errorf("text = %q", req.Text)
		}
		_, _ = w.Write([]byte(`{"entities":{"InvoiceNum":{"text":"8841","start":11}}}`))
	}))
	defer srv.Close()

	client := NewClient(common.NERConfig{Endpoint: srv.URL}, nil)
	entities, err := client.Predict(context.Background(), "Invoice No 8841")
	if err != nil {
		t.Fatal(err)
	}
	ent, ok := entities["InvoiceNum"]
	if !ok || ent.Text != "8841" || ent.Start != 11 {
		t.Errorf("entities = %+v", entities)
	}
}

func TestPredictErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(common.NERConfig{Endpoint: srv.URL}, nil)
	if _, err := client.Predict(context.Background(), "text"); err == nil {
		t.Fatal("want error for non-2xx response")
	}
}
