// Package backend implements the job backend over HTTP.
//
// A Client is bound to one feature and speaks the feature's route family
// under a base URL:
//
//	POST {base}/{feature}/validate-file[?index=i]   multipart "file"
//	POST {base}/{feature}/start[?token=T]           multipart "file" | "file1".."fileN" | empty
//	GET  {base}/{feature}/events/{id}               text/event-stream
//	POST {base}/{feature}/cancel/{id}
//	GET  {base}/{feature}/{download_path}/{id}
//	POST {base}/{feature}/discard?token=T
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/stream"
	"github.com/pithecene-io/sheetjobs/types"
)

// DefaultTimeout is the default timeout for non-streaming requests.
const DefaultTimeout = 60 * time.Second

// maxErrorBody bounds how much of an error response is read for its detail.
const maxErrorBody = 64 << 10

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. http://host/ip/api (required).
	BaseURL string
	// Feature is the feature the client is bound to (required).
	Feature types.Feature
	// Timeout bounds validate/start/cancel/discard/download requests
	// (default 60s). Event streams are never subject to it.
	Timeout time.Duration
	// Headers are added to every request.
	Headers map[string]string
	// Transport overrides the HTTP transport. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
	// Logger receives request diagnostics. Nil discards them.
	Logger *log.Logger
}

// Client is the HTTP backend for one feature.
type Client struct {
	base    *url.URL
	feature types.Feature
	headers map[string]string
	logger  *log.Logger

	client *http.Client
	// streams has no timeout; an event stream stays open until the job ends.
	streams *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend requires a base URL")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: base URL must be http or https, got %q", cfg.BaseURL)
	}
	if err := cfg.Feature.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		base:    base,
		feature: cfg.Feature,
		headers: cfg.Headers,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		streams: &http.Client{Transport: cfg.Transport},
	}, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	// Detail is the server's error message, when it sent one.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

type validateResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

type startResponse struct {
	ProcessID string `json:"process_id"`
}

// Validate uploads the artifact of slot to validate-file. A 4xx answer is
// a validation rejection carrying the server's detail.
func (c *Client) Validate(ctx context.Context, slot int, a types.Artifact) (runtime.ValidateResult, error) {
	const op = "validate"
	q := url.Values{}
	if c.feature.IndexedValidation {
		q.Set("index", strconv.Itoa(slot))
	}
	body, contentType, err := multipartBody([]string{"file"}, []types.Artifact{a})
	if err != nil {
		return runtime.ValidateResult{}, fmt.Errorf("%s: %w", op, err)
	}

	var out validateResponse
	err = c.do(ctx, http.MethodPost, c.endpoint(q, "validate-file"), body, contentType, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		detail := se.Detail
		if detail == "" {
			detail = http.StatusText(se.Code)
		}
		return runtime.ValidateResult{}, runtime.NewValidationError(op, detail)
	}
	if err != nil {
		return runtime.ValidateResult{}, runtime.NewTransportError(op, err)
	}
	return runtime.ValidateResult{Message: out.Message, Token: out.Token}, nil
}

// Start posts to start and returns the process id.
func (c *Client) Start(ctx context.Context, req runtime.StartRequest) (string, error) {
	const op = "start"
	q := url.Values{}
	var body io.Reader
	var contentType string

	switch {
	case req.Token != "":
		q.Set("token", req.Token)
	case len(req.Artifacts) == 1:
		b, ct, err := multipartBody([]string{"file"}, req.Artifacts)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		body, contentType = b, ct
	case len(req.Artifacts) > 1:
		fields := make([]string, len(req.Artifacts))
		for i := range fields {
			fields[i] = "file" + strconv.Itoa(i+1)
		}
		b, ct, err := multipartBody(fields, req.Artifacts)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		body, contentType = b, ct
	}

	var out startResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint(q, "start"), body, contentType, &out); err != nil {
		return "", runtime.NewTransportError(op, err)
	}
	if out.ProcessID == "" {
		return "", runtime.NewTransportError(op, errors.New("response has no process_id"))
	}
	return out.ProcessID, nil
}

// Subscribe opens the job's event stream. The caller owns the body.
func (c *Client) Subscribe(ctx context.Context, jobID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(nil, "events", jobID), nil, "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streams.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer iox.DiscardClose(resp.Body)
		return nil, fmt.Errorf("subscribe: %w", statusError(resp))
	}
	c.logger.Debug("event stream opened", map[string]any{"job_id": jobID})
	return resp.Body, nil
}

// Cancel posts to cancel. The server answers 200 for unknown ids too.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodPost, c.endpoint(nil, "cancel", jobID), nil, "", nil); err != nil {
		return runtime.NewTransportError("cancel", err)
	}
	return nil
}

// Discard releases a validation token.
func (c *Client) Discard(ctx context.Context, token string) error {
	q := url.Values{"token": {token}}
	if err := c.do(ctx, http.MethodPost, c.endpoint(q, "discard"), nil, "", nil); err != nil {
		return runtime.NewTransportError("discard", err)
	}
	return nil
}

// ResultHandle returns the download URL of a job's result, or "" when the
// feature has no downloadable result.
func (c *Client) ResultHandle(jobID string) string {
	if !c.feature.HasDownload() {
		return ""
	}
	return c.endpoint(nil, c.feature.DownloadPath, jobID)
}

// Download fetches handle and copies the body to w.
//
// The server reports a missing or unfinished result as a JSON object with
// an "error" key and status 200; that is returned as an error.
func (c *Client) Download(ctx context.Context, handle string, w io.Writer) (int64, error) {
	const op = "download"
	req, err := c.newRequest(ctx, http.MethodGet, handle, nil, "")
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, runtime.NewTransportError(op, err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, runtime.NewTransportError(op, statusError(resp))
	}
	if isJSON(resp.Header.Get("Content-Type")) {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			return 0, runtime.NewTransportError(op, errors.New(body.Error))
		}
		n, err := w.Write(raw)
		return int64(n), err
	}
	return io.Copy(w, resp.Body)
}

// endpoint joins the feature route with path segments.
func (c *Client) endpoint(q url.Values, segments ...string) string {
	u := *c.base
	parts := []string{u.Path, url.PathEscape(c.feature.Name)}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	u.Path = strings.Join(parts, "/")
	u.RawPath = ""
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do performs a request and decodes a 2xx JSON body into out (when non-nil).
func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, target, body, contentType)
	if err != nil {
		return err
	}
	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	c.logger.Debug("backend request", map[string]any{
		"method":      method,
		"url":         target,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError builds a StatusError, extracting the "detail" field the
// server puts in error bodies. Detail may be a string or a list of
// field errors.
func statusError(resp *http.Response) *StatusError {
	se := &StatusError{Code: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &body) != nil || len(body.Detail) == 0 {
		se.Detail = strings.TrimSpace(string(raw))
		return se
	}
	var s string
	if json.Unmarshal(body.Detail, &s) == nil {
		se.Detail = s
		return se
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(body.Detail, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		se.Detail = strings.Join(msgs, "; ")
		return se
	}
	se.Detail = string(body.Detail)
	return se
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

// multipartBody encodes artifacts as file parts named by fields.
func multipartBody(fields []string, artifacts []types.Artifact) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, a := range artifacts {
		if a == nil {
			return nil, "", fmt.Errorf("no artifact for %s", fields[i])
		}
		part, err := mw.CreateFormFile(fields[i], a.Name())
		if err != nil {
			return nil, "", err
		}
		rc, err := a.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", a.Name(), err)
		}
		_, err = io.Copy(part, rc)
		iox.DiscardClose(rc)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", a.Name(), err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

var (
	_ runtime.Backend    = (*Client)(nil)
	_ runtime.Downloader = (*Client)(nil)
	_ stream.Subscriber  = (*Client)(nil)
)
