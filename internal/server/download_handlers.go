package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stemfetch/stemfetch/internal/media"
	"github.com/stemfetch/stemfetch/internal/pipeline"
	"github.com/stemfetch/stemfetch/internal/stems"
)

// mediaRequest is the shared body of the download and stem-separation
// endpoints. file_location is only a filename hint; the server never
// writes outside its own temp root.
type mediaRequest struct {
	YoutubeURL   string `json:"youtube_url"`
	FileLocation string `json:"file_location"`
}

// download resolves the source URL, fetches the media, and streams it
// back as an attachment.
func (s *Server) download(c *gin.Context) {
	body, ok := s.bindMediaRequest(c)
	if !ok {
		return
	}

	req, ctx := s.tracker.Start(c.Request.Context(), pipeline.KindDownload, body.YoutubeURL)
	slog.Info("Download request accepted", "id", req.ID, "url", body.YoutubeURL)

	dir, err := s.requestDir(req.ID)
	if err != nil {
		s.failRequest(c, req.ID, err)
		return
	}
	defer os.RemoveAll(dir)

	fetched, err := s.resolveAndFetch(ctx, req.ID, body.YoutubeURL, dir)
	if err != nil {
		s.failRequest(c, req.ID, err)
		return
	}

	s.tracker.Advance(req.ID, pipeline.StateStreaming)
	c.FileAttachment(fetched.Path, downloadName(body.FileLocation, fetched.Path))
	s.tracker.Finish(req.ID)

	slog.Info("Download complete", "id", req.ID, "size", fetched.Size)
}

// separateStems runs the full pipeline: resolve, fetch, separate into
// four stems, and stream the packaged archive.
func (s *Server) separateStems(c *gin.Context) {
	body, ok := s.bindMediaRequest(c)
	if !ok {
		return
	}

	req, ctx := s.tracker.Start(c.Request.Context(), pipeline.KindStems, body.YoutubeURL)
	slog.Info("Stem separation request accepted", "id", req.ID, "url", body.YoutubeURL)

	dir, err := s.requestDir(req.ID)
	if err != nil {
		s.failRequest(c, req.ID, err)
		return
	}
	defer os.RemoveAll(dir)

	fetched, err := s.resolveAndFetch(ctx, req.ID, body.YoutubeURL, dir)
	if err != nil {
		s.failRequest(c, req.ID, err)
		return
	}

	s.tracker.Advance(req.ID, pipeline.StateSeparating)
	stemsDir := filepath.Join(dir, "stems")
	if err := os.MkdirAll(stemsDir, 0o755); err != nil {
		s.failRequest(c, req.ID, err)
		return
	}
	set, err := s.separator.Separate(ctx, fetched.Path, stemsDir)
	if err != nil {
		s.failRequest(c, req.ID, err)
		return
	}

	s.tracker.Advance(req.ID, pipeline.StatePackaging)
	zipPath := filepath.Join(dir, "separated_stems.zip")
	if err := stems.WriteArchive(zipPath, set, fetched.Path); err != nil {
		s.failRequest(c, req.ID, err)
		return
	}

	s.tracker.Advance(req.ID, pipeline.StateStreaming)
	c.FileAttachment(zipPath, "separated_stems.zip")
	s.tracker.Finish(req.ID)

	slog.Info("Stem separation complete", "id", req.ID)
}

// bindMediaRequest parses and validates the request body. Validation
// failures never reach the resolver; a headless browser session is too
// expensive to spend on junk input.
func (s *Server) bindMediaRequest(c *gin.Context) (mediaRequest, bool) {
	var body mediaRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return body, false
	}
	if err := validateSourceURL(body.YoutubeURL); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return body, false
	}
	return body, true
}

// resolveAndFetch is the shared front half of both pipelines.
func (s *Server) resolveAndFetch(ctx context.Context, id, sourceURL, dir string) (*media.FetchedMedia, error) {
	s.tracker.Advance(id, pipeline.StateResolving)
	link, err := s.resolver.Resolve(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	s.tracker.Advance(id, pipeline.StateFetching)
	return s.fetcher.Fetch(ctx, link.DirectURL, dir)
}

// statusClientClosedRequest is nginx's non-standard status for an
// aborted request. A pipeline can be cancelled through the cancel
// endpoint while the download connection is still alive, so the
// response needs a status that is unmistakably not success.
const statusClientClosedRequest = 499

// failRequest records the failure on the tracker and maps the error
// kind onto an HTTP status. A cancelled request gets no response body;
// the client is already gone or asked for the cancellation itself.
func (s *Server) failRequest(c *gin.Context, id string, err error) {
	kind := pipeline.Classify(err)
	s.tracker.Fail(id, kind, err.Error())

	if kind == pipeline.KindCanceled {
		slog.Info("Request cancelled", "id", id)
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}

	slog.Error("Request failed", "id", id, "kind", string(kind), "error", err)
	c.JSON(statusFor(kind), ErrorResponse{Error: err.Error()})
}

// statusFor maps the failure taxonomy onto HTTP statuses. Upstream
// failures are gateway errors; only validation is the client's fault.
func statusFor(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindResolutionTimeout, pipeline.KindFetchTimeout, pipeline.KindSeparationTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case pipeline.KindResolution, pipeline.KindFetch, pipeline.KindSeparation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// validateSourceURL requires an absolute http(s) URL with a host.
func validateSourceURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("youtube_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("youtube_url must be an absolute http(s) URL")
	}
	return nil
}

// downloadName picks the attachment filename: the client's hint when
// given, otherwise the name the fetcher derived. The hint is reduced to
// a bare sanitized filename and keeps the fetched extension if it has
// none of its own.
func downloadName(hint, fetchedPath string) string {
	fallback := filepath.Base(fetchedPath)
	if hint == "" {
		return fallback
	}

	// Hints may carry Windows paths; Base only understands the host
	// separator.
	name := sanitizeFilename(filepath.Base(strings.ReplaceAll(hint, "\\", "/")))
	if name == "" || name == "." {
		return fallback
	}
	if filepath.Ext(name) == "" {
		name += filepath.Ext(fallback)
	}
	return name
}
