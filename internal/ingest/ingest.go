// Package ingest pushes local files and rendered web pages into the
// backend's document index. Each source is handled independently: one
// bad file does not stop the batch.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"ragline/internal/domain"
)

const defaultMaxFileBytes = 50 * 1024 * 1024

// Uploader pushes one document to the backend index.
type Uploader interface {
	Ingest(ctx context.Context, filename string, r io.Reader) (*domain.IngestResult, error)
}

// PageRenderer turns a URL into extracted text.
type PageRenderer interface {
	RenderPage(ctx context.Context, pageURL string) (*Page, error)
}

// ReceiptStore keeps local records of successful uploads.
type ReceiptStore interface {
	RecordUpload(ctx context.Context, documentID, filename string, size int64, chunks int) error
}

// Config configures an Ingestor.
type Config struct {
	Uploader     Uploader
	Renderer     PageRenderer // nil disables URL sources
	Receipts     ReceiptStore // nil disables local receipts
	MaxFileBytes int64
	Logger       *slog.Logger
}

// Ingestor uploads documents and records receipts.
type Ingestor struct {
	uploader Uploader
	renderer PageRenderer
	receipts ReceiptStore
	maxBytes int64
	logger   *slog.Logger
}

// Result reports what happened to one source.
type Result struct {
	Source     string
	DocumentID string
	Chunks     int
	Size       int64
	Err        error
}

func New(cfg Config) *Ingestor {
	maxBytes := cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	return &Ingestor{
		uploader: cfg.Uploader,
		renderer: cfg.Renderer,
		receipts: cfg.Receipts,
		maxBytes: maxBytes,
		logger:   cfg.Logger,
	}
}

// Run ingests every source, files and URLs mixed, and returns one
// result per source in input order.
func (in *Ingestor) Run(ctx context.Context, sources []string) []Result {
	results := make([]Result, 0, len(sources))
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Source: source, Err: err})
			continue
		}
		var res Result
		if isURL(source) {
			res = in.ingestURL(ctx, source)
		} else {
			res = in.ingestFile(ctx, source)
		}
		if res.Err != nil {
			in.logger.Warn("ingest failed", "source", source, "err", res.Err)
		} else {
			in.logger.Info("ingested",
				"source", source,
				"document_id", res.DocumentID,
				"chunks", res.Chunks,
				"size", res.Size,
			)
		}
		results = append(results, res)
	}
	return results
}

func (in *Ingestor) ingestFile(ctx context.Context, path string) Result {
	res := Result{Source: path}

	info, err := os.Stat(path)
	if err != nil {
		res.Err = err
		return res
	}
	if info.IsDir() {
		res.Err = fmt.Errorf("%s is a directory", path)
		return res
	}
	if info.Size() > in.maxBytes {
		res.Err = &domain.ValidationError{
			Reason: fmt.Sprintf("file too large: %d bytes (max %d)", info.Size(), in.maxBytes),
		}
		return res
	}

	f, err := os.Open(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer f.Close()

	out, err := in.uploader.Ingest(ctx, filepath.Base(path), f)
	if err != nil {
		res.Err = err
		return res
	}
	res.DocumentID = out.DocumentID
	res.Chunks = out.Chunks
	res.Size = info.Size()
	in.recordReceipt(ctx, res, filepath.Base(path))
	return res
}

func (in *Ingestor) ingestURL(ctx context.Context, pageURL string) Result {
	res := Result{Source: pageURL}

	if in.renderer == nil {
		res.Err = fmt.Errorf("url ingestion disabled: no renderer configured")
		return res
	}

	page, err := in.renderer.RenderPage(ctx, pageURL)
	if err != nil {
		res.Err = err
		return res
	}
	if page.Text == "" {
		res.Err = fmt.Errorf("page rendered empty: %s", pageURL)
		return res
	}
	if int64(len(page.Text)) > in.maxBytes {
		res.Err = &domain.ValidationError{
			Reason: fmt.Sprintf("rendered page too large: %d bytes (max %d)", len(page.Text), in.maxBytes),
		}
		return res
	}

	filename := pageFilename(page.Title, pageURL)
	out, err := in.uploader.Ingest(ctx, filename, strings.NewReader(page.Text))
	if err != nil {
		res.Err = err
		return res
	}
	res.DocumentID = out.DocumentID
	res.Chunks = out.Chunks
	res.Size = int64(len(page.Text))
	in.recordReceipt(ctx, res, filename)
	return res
}

func (in *Ingestor) recordReceipt(ctx context.Context, res Result, filename string) {
	if in.receipts == nil {
		return
	}
	if err := in.receipts.RecordUpload(ctx, res.DocumentID, filename, res.Size, res.Chunks); err != nil {
		in.logger.Warn("upload receipt not recorded", "document_id", res.DocumentID, "err", err)
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// pageFilename derives an upload name from the page title, falling
// back to the URL host and path.
func pageFilename(title, pageURL string) string {
	slug := slugify(title)
	if slug == "" {
		if u, err := url.Parse(pageURL); err == nil {
			slug = slugify(u.Host + " " + strings.ReplaceAll(u.Path, "/", " "))
		}
	}
	if slug == "" {
		slug = "page"
	}
	return slug + ".txt"
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 64 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
