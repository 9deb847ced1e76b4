package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

func openTestCache(t *testing.T) *AnalyzeCache {
	t.Helper()
	cache, err := OpenAnalyzeCache(filepath.Join(t.TempDir(), "cache.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := cache.Close(); err != nil {
			t.Error(err)
		}
	})
	return cache
}

func TestCacheRoundTrip(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	key := Key([]byte("pdf bytes"), "application/pdf", docmodel.V31)

	got, err := cache.Get(ctx, key, docmodel.V31)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected miss, got %q", got)
	}

	if err := cache.Put(ctx, key, docmodel.V31, []byte(`{"status":"succeeded"}`)); err != nil {
		t.Fatal(err)
	}
	got, err = cache.Get(ctx, key, docmodel.V31)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"status":"succeeded"}` {
		t.Errorf("cached response = %q", got)
	}

	// The same content under the other version shape is a distinct entry.
	got, err = cache.Get(ctx, key, docmodel.V21)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("version must partition the cache, got %q", got)
	}
}

func TestKeyDistinguishesContentAndType(t *testing.T) {
	a := Key([]byte("doc"), "application/pdf", docmodel.V31)
	b := Key([]byte("doc"), "image/png", docmodel.V31)
	c := Key([]byte("other"), "application/pdf", docmodel.V31)
	if a == b || a == c {
		t.Errorf("keys must differ: %s %s %s", a, b, c)
	}
}

type countingBackend struct {
	calls int
	resp  []byte
}

func (c *countingBackend) Analyze(_ context.Context, _ []byte, _ string, _ docmodel.Version) ([]byte, error) {
	c.calls++
	return c.resp, nil
}

func TestCachingBackendHitsOnSecondCall(t *testing.T) {
	cache := openTestCache(t)
	inner := &countingBackend{resp: []byte(`{"analyzeResult":{}}`)}
	backend := NewCachingBackend(inner, cache, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := backend.Analyze(ctx, []byte("doc"), "application/pdf", docmodel.V31)
		if err != nil {
			t.Fatal(err)
		}
		if string(resp) != `{"analyzeResult":{}}` {
			t.Errorf("resp = %q", resp)
		}
	}
	if inner.calls != 1 {
		t.Errorf("backend calls = %d, want 1", inner.calls)
	}
}
