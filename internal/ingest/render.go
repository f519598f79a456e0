package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Page is the text a reader would see on a rendered URL.
type Page struct {
	Title string
	Text  string
}

// Renderer extracts page text with headless Chrome, so client-side
// rendered sites ingest as their visible content rather than an empty
// HTML shell.
type Renderer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// RendererConfig configures a Renderer.
type RendererConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewRenderer(cfg RendererConfig) *Renderer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Renderer{
		timeout: timeout,
		logger:  cfg.Logger,
	}
}

// RenderPage navigates to the URL, waits for the document to become
// ready, and extracts the title and visible text.
func (r *Renderer) RenderPage(ctx context.Context, pageURL string) (*Page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.Flag("disable-gpu", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, r.timeout)
	defer timeoutCancel()

	r.logger.Debug("rendering page", "url", pageURL, "timeout", r.timeout)

	var title, text string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		// Give client-side rendering a moment to settle.
		chromedp.Sleep(1500*time.Millisecond),
		chromedp.Title(&title),
		chromedp.Evaluate(`document.body.innerText || document.body.textContent || ''`, &text),
	)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}

	return &Page{
		Title: strings.TrimSpace(title),
		Text:  strings.TrimSpace(text),
	}, nil
}
