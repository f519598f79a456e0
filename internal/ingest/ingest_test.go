package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ragline/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeUploader struct {
	filenames []string
	contents  []string
	err       error
}

func (u *fakeUploader) Ingest(ctx context.Context, filename string, r io.Reader) (*domain.IngestResult, error) {
	if u.err != nil {
		return nil, u.err
	}
	data, _ := io.ReadAll(r)
	u.filenames = append(u.filenames, filename)
	u.contents = append(u.contents, string(data))
	return &domain.IngestResult{
		DocumentID: fmt.Sprintf("doc-%d", len(u.filenames)),
		Chunks:     3,
		Message:    "indexed",
	}, nil
}

type fakeRenderer struct {
	page *Page
	err  error
}

func (r *fakeRenderer) RenderPage(ctx context.Context, pageURL string) (*Page, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.page, nil
}

type fakeReceipts struct {
	recorded []string
}

func (f *fakeReceipts) RecordUpload(ctx context.Context, documentID, filename string, size int64, chunks int) error {
	f.recorded = append(f.recorded, documentID+":"+filename)
	return nil
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunUploadsFile(t *testing.T) {
	up := &fakeUploader{}
	receipts := &fakeReceipts{}
	in := New(Config{Uploader: up, Receipts: receipts, Logger: testLogger()})

	path := writeTempFile(t, "notes.md", "# Release notes\nTwo services changed.")
	results := in.Run(context.Background(), []string{path})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.DocumentID != "doc-1" || res.Chunks != 3 {
		t.Errorf("backend result lost: %+v", res)
	}
	if len(up.filenames) != 1 || up.filenames[0] != "notes.md" {
		t.Errorf("upload name wrong: %v", up.filenames)
	}
	if !strings.Contains(up.contents[0], "Release notes") {
		t.Errorf("upload content wrong: %q", up.contents[0])
	}
	if len(receipts.recorded) != 1 || receipts.recorded[0] != "doc-1:notes.md" {
		t.Errorf("receipt not recorded: %v", receipts.recorded)
	}
}

func TestRunRejectsOversizedFile(t *testing.T) {
	up := &fakeUploader{}
	in := New(Config{Uploader: up, MaxFileBytes: 10, Logger: testLogger()})

	path := writeTempFile(t, "big.txt", "definitely more than ten bytes of content")
	results := in.Run(context.Background(), []string{path})

	if results[0].Err == nil {
		t.Fatal("expected error for oversized file")
	}
	var verr *domain.ValidationError
	if !errors.As(results[0].Err, &verr) {
		t.Errorf("expected ValidationError, got %T", results[0].Err)
	}
	if !strings.Contains(results[0].Err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", results[0].Err)
	}
	if len(up.filenames) != 0 {
		t.Error("oversized file must not reach the uploader")
	}
}

func TestRunMissingFileContinuesBatch(t *testing.T) {
	up := &fakeUploader{}
	in := New(Config{Uploader: up, Logger: testLogger()})

	good := writeTempFile(t, "good.txt", "fine")
	results := in.Run(context.Background(), []string{"/does/not/exist.txt", good})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Error("missing file should error")
	}
	if results[1].Err != nil {
		t.Errorf("good file should upload: %v", results[1].Err)
	}
	if len(up.filenames) != 1 {
		t.Errorf("expected 1 upload, got %d", len(up.filenames))
	}
}

func TestRunRendersURL(t *testing.T) {
	up := &fakeUploader{}
	renderer := &fakeRenderer{page: &Page{
		Title: "Release Notes: Q3",
		Text:  "Two services changed in this release.",
	}}
	in := New(Config{Uploader: up, Renderer: renderer, Logger: testLogger()})

	results := in.Run(context.Background(), []string{"https://example.com/notes"})

	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if len(up.filenames) != 1 || up.filenames[0] != "release-notes-q3.txt" {
		t.Errorf("derived filename wrong: %v", up.filenames)
	}
	if up.contents[0] != "Two services changed in this release." {
		t.Errorf("rendered text not uploaded: %q", up.contents[0])
	}
}

func TestRunURLWithoutRendererFails(t *testing.T) {
	up := &fakeUploader{}
	in := New(Config{Uploader: up, Logger: testLogger()})

	results := in.Run(context.Background(), []string{"https://example.com"})
	if results[0].Err == nil {
		t.Fatal("expected error when no renderer is configured")
	}
	if len(up.filenames) != 0 {
		t.Error("nothing should upload without a renderer")
	}
}

func TestRunEmptyPageFails(t *testing.T) {
	up := &fakeUploader{}
	renderer := &fakeRenderer{page: &Page{Title: "Blank", Text: ""}}
	in := New(Config{Uploader: up, Renderer: renderer, Logger: testLogger()})

	results := in.Run(context.Background(), []string{"https://example.com/blank"})
	if results[0].Err == nil || !strings.Contains(results[0].Err.Error(), "empty") {
		t.Errorf("expected empty-page error, got %v", results[0].Err)
	}
}

func TestRunUploaderErrorSurfaces(t *testing.T) {
	up := &fakeUploader{err: errors.New("backend unavailable")}
	in := New(Config{Uploader: up, Logger: testLogger()})

	path := writeTempFile(t, "doc.txt", "content")
	results := in.Run(context.Background(), []string{path})
	if results[0].Err == nil || !strings.Contains(results[0].Err.Error(), "backend unavailable") {
		t.Errorf("uploader error should surface, got %v", results[0].Err)
	}
}

func TestPageFilename(t *testing.T) {
	tests := []struct {
		title string
		url   string
		want  string
	}{
		{"Release Notes: Q3", "https://example.com/x", "release-notes-q3.txt"},
		{"", "https://docs.example.com/guide/setup", "docs-example-com-guide-setup.txt"},
		{"///", "https://example.com", "example-com.txt"},
	}
	for _, tt := range tests {
		got := pageFilename(tt.title, tt.url)
		if got != tt.want {
			t.Errorf("pageFilename(%q, %q) = %q, want %q", tt.title, tt.url, got, tt.want)
		}
	}
}

func TestIsURL(t *testing.T) {
	if !isURL("https://example.com") || !isURL("http://example.com") {
		t.Error("http(s) prefixes are URLs")
	}
	if isURL("./notes.md") || isURL("ftp://example.com") {
		t.Error("paths and other schemes are not URL sources")
	}
}
