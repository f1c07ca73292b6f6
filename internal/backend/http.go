package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"labelcheck-assistant/pkg"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 64 << 10

// BackendError is returned when the backend answers with a non-2xx status.
// Body is the server-provided error document, verbatim.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Status, e.Body)
}

// HTTPClient talks to the analysis service over multipart POST /process.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *zap.Logger
}

// NewHTTPClient constructs a client for the service at baseURL.  A zero
// timeout defaults to 60 seconds.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Logger:  logger,
	}
}

// Process sends the state document and the optional image and decodes the
// agent payload from the response.
func (c *HTTPClient) Process(ctx context.Context, state pkg.ProcessState, attachment *pkg.Attachment) (*pkg.AgentPayload, error) {
	body, contentType, err := encodeRequest(state, attachment)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/process", body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()
	c.Logger.Debug("backend responded",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &BackendError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var payload pkg.AgentPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	return &payload, nil
}

// encodeRequest writes the multipart body: a state_json field and, when an
// image is attached, a file part carrying its bytes.
func encodeRequest(state pkg.ProcessState, attachment *pkg.Attachment) (*bytes.Buffer, string, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, "", fmt.Errorf("encode state: %w", err)
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("state_json", string(stateJSON)); err != nil {
		return nil, "", err
	}
	if attachment != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, attachment.Filename))
		ct := attachment.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(attachment.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
