package pdfops

import (
	"context"
	"errors"
	"testing"

	"github.com/finopsly/invoice-pipeline/internal/common"
	"github.com/finopsly/invoice-pipeline/internal/docmodel"
)

type stubRunner struct {
	stdout []byte
	err    error
	calls  [][]string
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	return s.stdout, nil, s.err
}

func TestPageCount(t *testing.T) {
	out := "Title:          Invoice\nPages:          7\nEncrypted:      no\n"
	runner := &stubRunner{stdout: []byte(out)}
	tool := NewToolWithRunner(Config{}, runner, nil)
	n, err := tool.PageCount(context.Background(), "doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("PageCount = %d, want 7", n)
	}
	if len(runner.calls) != 1 || runner.calls[0][0] != "pdfinfo" {
		t.Errorf("unexpected calls: %v", runner.calls)
	}
}

func TestPageCountMissingField(t *testing.T) {
	tool := NewToolWithRunner(Config{}, &stubRunner{stdout: []byte("Title: x\n")}, nil)
	if _, err := tool.PageCount(context.Background(), "doc.pdf"); err == nil {
		t.Fatal("want error for output without a page count")
	}
}

func TestPageCountCommandFailure(t *testing.T) {
	tool := NewToolWithRunner(Config{}, &stubRunner{err: errors.New("exit 1")}, nil)
	if _, err := tool.PageCount(context.Background(), "doc.pdf"); err == nil {
		t.Fatal("want error when pdfinfo fails")
	}
}

func TestExtractRangeRejectsInvalidRange(t *testing.T) {
	tool := NewToolWithRunner(Config{}, &stubRunner{}, nil)
	_, err := tool.ExtractRange(context.Background(), "doc.pdf", docmodel.PageRange{Start: 3, End: 1})
	if !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSortByPageNumber(t *testing.T) {
	paths := []string{"/tmp/x/page-10.pdf", "/tmp/x/page-2.pdf", "/tmp/x/page-1.pdf"}
	sortByPageNumber(paths)
	want := []string{"/tmp/x/page-1.pdf", "/tmp/x/page-2.pdf", "/tmp/x/page-10.pdf"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("order = %v, want %v", paths, want)
		}
	}
}
