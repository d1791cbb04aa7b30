package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// The converter page has shipped the input under different ids over
// time; match any visible text input.
const urlInputSelector = `#url, input[name="url"], input[type="text"]`

const pollInterval = 2 * time.Second

// ChromeResolver drives a headless Chrome session against the converter
// page: load, type the source URL, submit, and poll the rendered DOM
// until the generated download link appears.
type ChromeResolver struct {
	cfg config.ResolverConfig
}

func NewChromeResolver(cfg config.ResolverConfig) *ChromeResolver {
	return &ChromeResolver{cfg: cfg}
}

func (r *ChromeResolver) Resolve(ctx context.Context, sourceURL string) (*media.ResolvedLink, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.WaitTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(browserUserAgent),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if r.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ChromePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// Cancelling the browser context terminates the Chrome process on
	// every exit path, including errors below.
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	slog.Info("Resolving download link", "source", sourceURL, "page", r.cfg.PageURL)

	err := chromedp.Run(browserCtx,
		chromedp.Navigate(r.cfg.PageURL),
		chromedp.WaitVisible(urlInputSelector, chromedp.ByQuery),
		chromedp.SendKeys(urlInputSelector, sourceURL+kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return nil, r.mapError(ctx, "could not submit source URL", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var html string
		if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &html)); err != nil {
			return nil, r.mapError(ctx, "could not read converter page", err)
		}

		if link := extractDirectLink(html, r.cfg.PageURL); link != nil {
			slog.Info("Resolved download link", "url", link.DirectURL, "format", link.Format)
			return link, nil
		}

		select {
		case <-ctx.Done():
			return nil, r.mapError(ctx, "waiting for download link", ctx.Err())
		case <-ticker.C:
		}
	}
}

// mapError distinguishes the bounded-wait expiry from structural page
// failures and caller cancellation.
func (r *ChromeResolver) mapError(ctx context.Context, reason string, err error) error {
	if errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return &Error{Reason: reason, Err: err}
}
