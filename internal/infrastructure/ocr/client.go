package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"PenaltyScanner/internal/domain"
)

// Client talks to an external conversion service that turns PDFs, office files and scans into text.
type Client struct {
	endpoint string
	apiKey   string
	http     *resty.Client
}

// NewClient creates a reusable client. An empty endpoint leaves remote extraction disabled.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Convert uploads the file and returns the recognized text.
func (c *Client) Convert(ctx context.Context, path, fileType string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("convert %s: ocr endpoint not configured", filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return "", domain.NewError(domain.KindLocalIO, "open "+path, err)
	}
	defer f.Close()

	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", filepath.Base(path), "application/octet-stream", f).
		SetFormData(map[string]string{"file_type": fileType}).
		SetResult(&out)
	if c.apiKey != "" {
		req.SetAuthToken(c.apiKey)
	}

	resp, err := req.Post(c.endpoint + "/extract")
	if err != nil {
		return "", domain.NewError(domain.KindTransientNetwork, "post "+c.endpoint, err)
	}
	if resp.StatusCode() >= 500 {
		return "", domain.NewError(domain.KindTransientNetwork, "post "+c.endpoint, fmt.Errorf("unexpected status %s", resp.Status()))
	}
	if resp.IsError() {
		return "", domain.NewError(domain.KindPermanentRemote, "post "+c.endpoint, fmt.Errorf("unexpected status %s: %s", resp.Status(), strings.TrimSpace(resp.String())))
	}
	if out.Error != "" {
		return "", domain.NewError(domain.KindPermanentRemote, "convert "+filepath.Base(path), fmt.Errorf("%s", out.Error))
	}
	return strings.TrimSpace(out.Text), nil
}
