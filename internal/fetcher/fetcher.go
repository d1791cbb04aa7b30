// Package fetcher streams a resolved direct URL to a request-scoped
// temporary file. Files are never buffered in memory; media can run to
// hundreds of megabytes.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

const chunkSize = 64 * 1024

var (
	// ErrInactivityTimeout is returned when no bytes arrive within the
	// configured window.
	ErrInactivityTimeout = errors.New("fetch inactivity timeout")

	// ErrPayloadTooLarge is returned when the configured size cap is
	// crossed mid-stream. The partial file is removed first.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Error is a non-2xx upstream response.
type Error struct {
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch failed with upstream status %d", e.Status)
}

type Fetcher struct {
	cfg     config.FetchConfig
	client  *http.Client
	referer string
}

// New creates a fetcher. referer is sent with every request; converter
// CDNs reject downloads that do not appear to come from their own page.
func New(cfg config.FetchConfig, referer string) *Fetcher {
	return &Fetcher{
		cfg: cfg,
		// No overall client timeout: large files legitimately take a
		// long time. Inactivity is policed per chunk instead.
		client:  &http.Client{},
		referer: referer,
	}
}

// Fetch downloads directURL into dir and returns the file handle. On
// any failure the partial file is removed before returning.
func (f *Fetcher) Fetch(ctx context.Context, directURL, dir string) (*media.FetchedMedia, error) {
	return f.FetchWithProgress(ctx, directURL, dir, nil)
}

// FetchWithProgress is Fetch with every downloaded chunk mirrored to
// progress. The CLI feeds a progress bar through it; the server passes
// nil.
func (f *Fetcher) FetchWithProgress(ctx context.Context, directURL, dir string, progress io.Writer) (*media.FetchedMedia, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, directURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	if f.referer != "" {
		req.Header.Set("Referer", f.referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Status: resp.StatusCode}
	}

	filename := filenameFor(resp, directURL)
	outputPath := filepath.Join(dir, filename)
	out, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	written, err := f.copyWithWatchdog(ctx, cancel, out, resp.Body, progress)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written == 0 {
		err = fmt.Errorf("downloaded file is empty")
	}
	if err == nil {
		err = validateMediaFile(outputPath)
	}
	if err != nil {
		os.Remove(outputPath)
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	slog.Info("Downloaded media file", "path", outputPath, "size", written, "contentType", contentType)

	return &media.FetchedMedia{
		Path:        outputPath,
		ContentType: contentType,
		Size:        written,
	}, nil
}

// copyWithWatchdog streams body to out in bounded chunks, resetting an
// inactivity timer on every read. The timer cancels the request, which
// surfaces here as a read error.
func (f *Fetcher) copyWithWatchdog(ctx context.Context, cancel context.CancelFunc, out *os.File, body io.Reader, progress io.Writer) (int64, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(f.cfg.InactivityTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			timer.Reset(f.cfg.InactivityTimeout)
			written += int64(n)
			if f.cfg.MaxBytes > 0 && written > f.cfg.MaxBytes {
				return written, ErrPayloadTooLarge
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write file: %w", err)
			}
			if progress != nil {
				progress.Write(buf[:n])
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			if timedOut.Load() {
				return written, ErrInactivityTimeout
			}
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, fmt.Errorf("failed to read response: %w", readErr)
		}
	}
}

// filenameFor derives the local filename from the Content-Disposition
// header, falling back to the URL path. The header is
// attacker-controlled; the result must never carry path segments that
// would escape the request directory.
func filenameFor(resp *http.Response, directURL string) string {
	filename := "media_file"
	if contentDisp := resp.Header.Get("Content-Disposition"); contentDisp != "" {
		if idx := strings.Index(contentDisp, "filename="); idx != -1 {
			filename = strings.Trim(contentDisp[idx+len("filename="):], "\"")
		}
	} else if u, err := url.Parse(directURL); err == nil && u.Path != "" {
		if name := filepath.Base(u.Path); name != "" && name != "." && name != "/" {
			filename = name
		}
	}

	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if filename == "." || filename == ".." || filename == "/" {
		filename = "media_file"
	}
	if !strings.Contains(filename, ".") {
		filename += ".mp4"
	}
	return filename
}

// validateMediaFile checks the file header for known media signatures.
// A converter CDN that rejects a request often serves an HTML error
// page with a 200 status; catch that here rather than shipping it to
// the client as media.
func validateMediaFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for validation: %w", err)
	}
	defer file.Close()

	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read file header: %w", err)
	}
	if n < 4 {
		return fmt.Errorf("file too small to be valid media")
	}
	header := buffer[:n]

	switch {
	case header[0] == 0xFF && (header[1]&0xE0) == 0xE0: // MP3 frame
		return nil
	case string(header[:3]) == "ID3": // MP3 with ID3 tag
		return nil
	case string(header[:4]) == "RIFF": // WAV
		return nil
	case string(header[:4]) == "fLaC":
		return nil
	case string(header[:4]) == "OggS":
		return nil
	case len(header) >= 8 && string(header[4:8]) == "ftyp": // MP4/M4A
		return nil
	case len(header) >= 4 && header[0] == 0x1A && header[1] == 0x45 && header[2] == 0xDF && header[3] == 0xA3: // WebM/Matroska
		return nil
	}

	checkLen := min(len(header), 100)
	headerStr := strings.ToLower(string(header[:checkLen]))
	if strings.Contains(headerStr, "<html") || strings.Contains(headerStr, "<!doctype") {
		return fmt.Errorf("downloaded file appears to be an HTML page, not media")
	}

	// Unknown container; let the separation backend decide.
	slog.Warn("Could not verify media file format, proceeding anyway", "path", path)
	return nil
}
