package stems

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
)

const pollInterval = 5 * time.Second

// AudioShakeClient talks to the hosted AudioShake separation API:
// authenticate, upload the audio as a task, poll until the task
// completes, then download the labeled stems.
// The client holds no per-call state; one instance serves concurrent
// requests, each threading its own access token through the call chain.
type AudioShakeClient struct {
	cfg    config.SeparationConfig
	client *http.Client
}

func NewAudioShakeClient(cfg config.SeparationConfig) *AudioShakeClient {
	return &AudioShakeClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *AudioShakeClient) Separate(ctx context.Context, audioPath, outDir string) (media.StemSet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, c.mapError(ctx, "authentication", err)
	}

	taskID, err := c.upload(ctx, token, audioPath)
	if err != nil {
		return nil, c.mapError(ctx, "upload", err)
	}
	slog.Info("Audio uploaded for separation", "taskId", taskID)

	task, err := c.waitForCompletion(ctx, token, taskID)
	if err != nil {
		return nil, c.mapError(ctx, "processing", err)
	}

	set, err := c.downloadStems(ctx, token, task, outDir)
	if err != nil {
		return nil, c.mapError(ctx, "stem download", err)
	}

	return requireComplete(set)
}

func (c *AudioShakeClient) mapError(ctx context.Context, stage string, err error) error {
	var sepErr *Error
	if errors.As(err, &sepErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return &Error{Detail: stage, Err: err}
}

func (c *AudioShakeClient) authenticate(ctx context.Context) (string, error) {
	if c.cfg.AudioShake.ClientID == "" || c.cfg.AudioShake.ClientSecret == "" {
		return "", &Error{Detail: "backend credentials are not configured"}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.AudioShake.ClientID},
		"client_secret": {c.cfg.AudioShake.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.AudioShake.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.doJSON(req, &body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", &Error{Detail: "no access token in auth response"}
	}

	return body.AccessToken, nil
}

func (c *AudioShakeClient) upload(ctx context.Context, token, audioPath string) (string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.WriteField("type", "stem-separation"); err != nil {
		return "", err
	}
	if err := writer.WriteField("stems", strings.Join(media.StemNames, ",")); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.AudioShake.BaseURL+"/v1/tasks", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	var body struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
	}
	if err := c.doJSON(req, &body); err != nil {
		return "", err
	}

	taskID := body.TaskID
	if taskID == "" {
		taskID = body.ID
	}
	if taskID == "" {
		return "", &Error{Detail: "no task id in upload response"}
	}
	return taskID, nil
}

// taskStatus is the subset of the task resource this client reads.
type taskStatus struct {
	Status       string                     `json:"status"`
	Message      string                     `json:"message"`
	Stems        map[string]json.RawMessage `json:"stems"`
	DownloadURLs map[string]string          `json:"download_urls"`
}

func (c *AudioShakeClient) waitForCompletion(ctx context.Context, token, taskID string) (*taskStatus, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := c.getTask(ctx, token, taskID)
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(task.Status) {
		case "completed", "done", "success":
			return task, nil
		case "failed", "error":
			detail := task.Message
			if detail == "" {
				detail = "backend reported failure"
			}
			return nil, &Error{Detail: detail}
		}

		slog.Debug("Separation task still running", "taskId", taskID, "status", task.Status)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *AudioShakeClient) getTask(ctx context.Context, token, taskID string) (*taskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.AudioShake.BaseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var task taskStatus
	if err := c.doJSON(req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// downloadStems pulls each labeled stem to outDir. The API has shipped
// stem URLs both as objects and as a flat download_urls map; accept
// either.
func (c *AudioShakeClient) downloadStems(ctx context.Context, token string, task *taskStatus, outDir string) (media.StemSet, error) {
	urls := map[string]string{}
	for name, raw := range task.Stems {
		var obj struct {
			URL         string `json:"url"`
			DownloadURL string `json:"download_url"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if obj.URL != "" {
				urls[name] = obj.URL
				continue
			}
			if obj.DownloadURL != "" {
				urls[name] = obj.DownloadURL
				continue
			}
		}
		var plain string
		if err := json.Unmarshal(raw, &plain); err == nil && plain != "" {
			urls[name] = plain
		}
	}
	if len(urls) == 0 {
		urls = task.DownloadURLs
	}

	set := media.StemSet{}
	for name, stemURL := range urls {
		outPath := filepath.Join(outDir, name+".wav")
		if err := c.downloadFile(ctx, token, stemURL, outPath); err != nil {
			return nil, fmt.Errorf("failed to download stem %s: %w", name, err)
		}
		set[name] = outPath
	}
	return set, nil
}

func (c *AudioShakeClient) downloadFile(ctx context.Context, token, fileURL, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Detail: fmt.Sprintf("stem download returned status %d", resp.StatusCode)}
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

// doJSON executes req and decodes a JSON body, folding non-2xx
// responses into a backend error with whatever detail the API sent.
func (c *AudioShakeClient) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Detail: fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
