// Package remote calls a recognition model served over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/config"
	"github.com/jo-hoe/pdfscribe/internal/recognition"
)

var _ recognition.Engine = (*Client)(nil)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	// Auth
	authSchemeBearer = "Bearer"

	// Endpoints
	endpointInfer = "infer"

	// Timeouts and limits
	defaultTimeout    = 5 * time.Minute
	errorSnippetLimit = 400
)

// Client implements recognition.Engine against an inference server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	healthPath string
	baseSize   int
	imageSize  int
	cropMode   bool
}

// New creates a new inference server client.
func New(cfg config.HTTPSettings) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	crop := true
	if cfg.CropMode != nil {
		crop = *cfg.CropMode
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		healthPath: cfg.HealthPath,
		baseSize:   cfg.BaseSize,
		imageSize:  cfg.ImageSize,
		cropMode:   crop,
	}
}

// Load checks that the server is up. An empty health path skips the check.
func (c *Client) Load(ctx context.Context) error {
	if strings.TrimSpace(c.healthPath) == "" {
		return nil
	}
	u, err := url.JoinPath(c.baseURL, c.healthPath)
	if err != nil {
		return fmt.Errorf("join url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check status %d: %s", resp.StatusCode, truncate(string(body), errorSnippetLimit))
	}
	return nil
}

// Recognize posts the page image and prompt and returns the model's text.
// A null text in the response yields nil.
func (c *Client) Recognize(ctx context.Context, r recognition.Request) (*string, error) {
	imgData, err := os.ReadFile(r.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(imgData) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	body, err := json.Marshal(inferenceRequest{
		Prompt:    r.Prompt,
		ImageB64:  base64.StdEncoding.EncodeToString(imgData),
		BaseSize:  c.baseSize,
		ImageSize: c.imageSize,
		CropMode:  c.cropMode,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	u, err := url.JoinPath(c.baseURL, endpointInfer)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("inference status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}

	var out inferenceResponse
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return out.Text, nil
}

func (c *Client) authorize(req *http.Request) {
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type inferenceRequest struct {
	Prompt    string `json:"prompt"`
	ImageB64  string `json:"image_base64"`
	BaseSize  int    `json:"base_size"`
	ImageSize int    `json:"image_size"`
	CropMode  bool   `json:"crop_mode"`
}

type inferenceResponse struct {
	Text *string `json:"text"`
}
