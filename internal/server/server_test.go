package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
	"github.com/stemfetch/stemfetch/internal/pipeline"
	"github.com/stemfetch/stemfetch/internal/resolver"
	"github.com/stemfetch/stemfetch/internal/stems"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const testPassword = "CookieRocks"

// wavBytes is a minimal payload that passes the fetcher's signature
// check.
var wavBytes = append([]byte("RIFF\x24\x00\x00\x00WAVE"), bytes.Repeat([]byte{0}, 64)...)

type fakeResolver struct {
	link  *media.ResolvedLink
	err   error
	calls atomic.Int32
}

func (f *fakeResolver) Resolve(ctx context.Context, sourceURL string) (*media.ResolvedLink, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.link, nil
}

type fakeSeparator struct {
	err   error
	calls atomic.Int32
}

func (f *fakeSeparator) Separate(ctx context.Context, audioPath, outDir string) (media.StemSet, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}

	set := make(media.StemSet, len(media.StemNames))
	for _, name := range media.StemNames {
		path := filepath.Join(outDir, name+".wav")
		if err := os.WriteFile(path, []byte(name+" audio"), 0o644); err != nil {
			return nil, err
		}
		set[name] = path
	}
	return set, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: "0"},
		Auth:   config.AuthConfig{Password: testPassword, SessionTTL: time.Hour},
		Resolver: config.ResolverConfig{
			PageURL:     "https://converter.example.com/youtube-wav",
			WaitTimeout: time.Second,
			Mode:        "static",
		},
		Fetch:      config.FetchConfig{InactivityTimeout: 2 * time.Second},
		Separation: config.SeparationConfig{Backend: "audioshake", Timeout: time.Minute},
		Storage:    config.StorageConfig{TempDir: t.TempDir()},
	}
}

func newTestServer(t *testing.T, res resolver.Resolver, sep stems.Separator) *Server {
	t.Helper()
	return newServer(testConfig(t), res, sep)
}

// upstream serves the direct download URL that the fake resolver hands
// out.
func upstream(t *testing.T, status int, filename string, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if filename != "" {
			w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		}
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func login(t *testing.T, s *Server) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString(`{"password":"`+testPassword+`"}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("login response did not set the session cookie")
	return nil
}

func doJSON(s *Server, method, path string, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	s.router.ServeHTTP(w, req)
	return w
}

func assertTempRootEmpty(t *testing.T, s *Server) {
	t.Helper()
	entries, err := os.ReadDir(s.tempRoot())
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "request working directories were not cleaned up")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeSeparator{})
	w := doJSON(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginLogoutFlow(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeSeparator{})

	w := doJSON(s, http.MethodPost, "/api/login", `{"password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cookie := login(t, s)

	w = doJSON(s, http.MethodGet, "/api/status", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, true, status["authenticated"])

	w = doJSON(s, http.MethodPost, "/api/logout", "", cookie)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodGet, "/api/status", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEndpointsRequireSession(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeSeparator{})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/status"},
		{http.MethodPost, "/api/logout"},
		{http.MethodPost, "/api/download"},
		{http.MethodPost, "/api/separate-stems"},
		{http.MethodGet, "/api/requests"},
		{http.MethodPost, "/api/requests/abc/cancel"},
	}
	for _, p := range paths {
		w := doJSON(s, p.method, p.path, "{}", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", p.method, p.path)
	}
}

func TestDownloadRejectsBadURL(t *testing.T) {
	res := &fakeResolver{}
	s := newTestServer(t, res, &fakeSeparator{})
	cookie := login(t, s)

	for _, body := range []string{
		`{"youtube_url":""}`,
		`{"youtube_url":"not-a-url"}`,
		`{"youtube_url":"ftp://example.com/file"}`,
		`not json`,
	} {
		w := doJSON(s, http.MethodPost, "/api/download", body, cookie)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
	assert.Zero(t, res.calls.Load(), "invalid input must never reach the resolver")
}

func TestDownloadSuccess(t *testing.T) {
	up, hits := upstream(t, http.StatusOK, "track.wav", wavBytes)
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL + "/track.wav", Format: "wav"}}
	s := newTestServer(t, res, &fakeSeparator{})
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/download", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "track.wav")
	assert.Equal(t, wavBytes, w.Body.Bytes())
	assert.EqualValues(t, 1, hits.Load())
	assertTempRootEmpty(t, s)
}

func TestDownloadUsesFilenameHint(t *testing.T) {
	up, _ := upstream(t, http.StatusOK, "track.wav", wavBytes)
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL + "/track.wav"}}
	s := newTestServer(t, res, &fakeSeparator{})
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/download",
		`{"youtube_url":"https://youtube.com/watch?v=abc","file_location":"/home/user/my song"}`, cookie)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "my song.wav")
}

func TestDownloadResolverTimeout(t *testing.T) {
	up, hits := upstream(t, http.StatusOK, "", wavBytes)
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL}, err: resolver.ErrTimeout}
	s := newTestServer(t, res, &fakeSeparator{})
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/download", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Zero(t, hits.Load(), "a failed resolution must not trigger a fetch")
	assertTempRootEmpty(t, s)
}

func TestDownloadUpstreamFailure(t *testing.T) {
	up, _ := upstream(t, http.StatusForbidden, "", []byte("denied"))
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL + "/file.mp3"}}
	s := newTestServer(t, res, &fakeSeparator{})
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/download", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "403")
	assertTempRootEmpty(t, s)
}

func TestSeparateStemsSuccess(t *testing.T) {
	up, _ := upstream(t, http.StatusOK, "track.wav", wavBytes)
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL + "/track.wav"}}
	sep := &fakeSeparator{}
	s := newTestServer(t, res, sep)
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/separate-stems", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "separated_stems.zip")
	assert.EqualValues(t, 1, sep.calls.Load())

	zipReader, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)

	names := make([]string, 0, len(zipReader.File))
	for _, f := range zipReader.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"vocals.wav", "drums.wav", "bass.wav", "other.wav", "original.wav"}, names)

	assertTempRootEmpty(t, s)
}

func TestSeparateStemsBackendFailure(t *testing.T) {
	up, _ := upstream(t, http.StatusOK, "track.wav", wavBytes)
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL + "/track.wav"}}
	sep := &fakeSeparator{err: &stems.Error{Detail: "backend returned 2 of 4 stems"}}
	s := newTestServer(t, res, sep)
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/separate-stems", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "2 of 4")
	assertTempRootEmpty(t, s)
}

func TestSeparateStemsTimeout(t *testing.T) {
	up, _ := upstream(t, http.StatusOK, "track.wav", wavBytes)
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL + "/track.wav"}}
	sep := &fakeSeparator{err: stems.ErrTimeout}
	s := newTestServer(t, res, sep)
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/separate-stems", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assertTempRootEmpty(t, s)
}

func TestRequestsListing(t *testing.T) {
	up, _ := upstream(t, http.StatusOK, "track.wav", wavBytes)
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL + "/track.wav"}}
	s := newTestServer(t, res, &fakeSeparator{})
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/download", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(s, http.MethodGet, "/api/requests", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Requests []pipeline.Request `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Len(t, payload.Requests, 1)
	assert.Equal(t, pipeline.KindDownload, payload.Requests[0].Kind)
	assert.Equal(t, pipeline.StateDone, payload.Requests[0].State)
	require.NotNil(t, payload.Requests[0].EndTime)
}

// stallingResolver blocks until its context is cancelled, signalling
// once resolution has started.
type stallingResolver struct {
	started chan struct{}
}

func (r *stallingResolver) Resolve(ctx context.Context, sourceURL string) (*media.ResolvedLink, error) {
	close(r.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelInFlightDownload(t *testing.T) {
	res := &stallingResolver{started: make(chan struct{})}
	s := newTestServer(t, res, &fakeSeparator{})
	cookie := login(t, s)

	result := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		result <- doJSON(s, http.MethodPost, "/api/download", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)
	}()

	select {
	case <-res.started:
	case <-time.After(5 * time.Second):
		t.Fatal("resolver was never invoked")
	}

	reqs := s.tracker.List()
	require.Len(t, reqs, 1)
	w := doJSON(s, http.MethodPost, "/api/requests/"+reqs[0].ID+"/cancel", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case dw := <-result:
		assert.Equal(t, statusClientClosedRequest, dw.Code)
		assert.Empty(t, dw.Body.Bytes())
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled download never returned")
	}

	got, err := s.tracker.Get(reqs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, got.State)
	assert.Equal(t, pipeline.KindCanceled, got.ErrorKind)
	assertTempRootEmpty(t, s)
}

func TestCancelUnknownRequest(t *testing.T) {
	s := newTestServer(t, &fakeResolver{}, &fakeSeparator{})
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/requests/nope/cancel", "", cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelFinishedRequest(t *testing.T) {
	up, _ := upstream(t, http.StatusOK, "track.wav", wavBytes)
	res := &fakeResolver{link: &media.ResolvedLink{DirectURL: up.URL + "/track.wav"}}
	s := newTestServer(t, res, &fakeSeparator{})
	cookie := login(t, s)

	w := doJSON(s, http.MethodPost, "/api/download", `{"youtube_url":"https://youtube.com/watch?v=abc"}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	reqs := s.tracker.List()
	require.Len(t, reqs, 1)

	w = doJSON(s, http.MethodPost, "/api/requests/"+reqs[0].ID+"/cancel", "", cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
