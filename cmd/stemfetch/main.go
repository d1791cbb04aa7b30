// Command stemfetch resolves a video URL and downloads the media to a
// local directory, without going through the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/fetcher"
	"github.com/stemfetch/stemfetch/internal/resolver"
)

func main() {
	outDir := flag.String("o", ".", "Output directory")
	mode := flag.String("mode", "", "Resolver mode: chrome or static")
	pageURL := flag.String("page-url", "", "Converter page URL")
	wait := flag.Duration("wait", 0, "How long to wait for the download link")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: stemfetch [flags] <video-url>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	sourceURL := flag.Arg(0)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := config.Default()
	if *mode != "" {
		cfg.Resolver.Mode = *mode
	}
	if *pageURL != "" {
		cfg.Resolver.PageURL = *pageURL
	}
	if *wait > 0 {
		cfg.Resolver.WaitTimeout = *wait
	}

	if err := run(cfg, sourceURL, *outDir); err != nil {
		slog.Error("Download failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, sourceURL, outDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	res, err := resolver.For(cfg)
	if err != nil {
		return err
	}

	slog.Info("Resolving download link", "url", sourceURL, "mode", cfg.Resolver.Mode)
	start := time.Now()
	link, err := res.Resolve(ctx, sourceURL)
	if err != nil {
		return err
	}
	slog.Info("Resolved", "format", link.Format, "took", time.Since(start).Round(time.Millisecond))

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(ansi.NewAnsiStderr()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("[cyan]downloading[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSpinnerType(14),
	)

	f := fetcher.New(cfg.Fetch, cfg.Resolver.PageURL)
	got, err := f.FetchWithProgress(ctx, link.DirectURL, outDir, bar)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	fmt.Printf("saved %s (%d bytes)\n", got.Path, got.Size)
	return nil
}
