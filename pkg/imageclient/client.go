/**
 * @description
 * This package provides a client for the chat-media service that stores
 * buyer-uploaded receipt images. The verification pipeline only ever needs
 * one operation: fetch the raw image bytes for a receipt reference.
 */
package imageclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetch failures are split into transient transport problems (retried by the
// pipeline with a short fixed backoff) and terminal ones (missing object).
type TransportError struct {
	StatusCode int
	Transient  bool
	msg        string
}

func (e *TransportError) Error() string { return e.msg }

// Client is a client for the chat-media service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new chat-media client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads the image bytes for a receipt reference.
func (c *Client) Fetch(ctx context.Context, imageRef string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, &TransportError{Transient: false, msg: "chat-media base url is empty"}
	}
	ref := strings.TrimSpace(imageRef)
	if ref == "" {
		return nil, &TransportError{Transient: false, msg: "empty image reference"}
	}

	endpoint := fmt.Sprintf("%s/internal/media/%s", c.baseURL, url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create media request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors are always worth one more try.
		return nil, &TransportError{Transient: true, msg: fmt.Sprintf("media fetch failed: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &TransportError{Transient: true, msg: fmt.Sprintf("media body read failed: %v", err)}
		}
		if len(data) == 0 {
			return nil, &TransportError{StatusCode: resp.StatusCode, Transient: false, msg: "media service returned empty body"}
		}
		return data, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &TransportError{StatusCode: resp.StatusCode, Transient: false, msg: fmt.Sprintf("image %s not found", ref)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransportError{StatusCode: resp.StatusCode, Transient: true, msg: fmt.Sprintf("media service unavailable (status %d)", resp.StatusCode)}
	default:
		return nil, &TransportError{StatusCode: resp.StatusCode, Transient: false, msg: fmt.Sprintf("media fetch rejected (status %d)", resp.StatusCode)}
	}
}
