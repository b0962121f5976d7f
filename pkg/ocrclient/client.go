/**
 * @description
 * This package provides a client for the OCR sidecar that turns receipt
 * image bytes into raw text. The recognition engine itself is a black box;
 * the pipeline only consumes its text output and the reported confidence.
 */
package ocrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the OCR service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new OCR client. Recognition of a full receipt image can
// take a while, so the timeout is generous compared to the other clients.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// RecognizeResponse is the OCR service response.
type RecognizeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Recognize submits image bytes and returns the recognized text.
func (c *Client) Recognize(ctx context.Context, imageBytes []byte) (*RecognizeResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("ocr base url is empty")
	}
	if len(imageBytes) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/recognize", bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create recognize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute recognize request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read recognize response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=ocr_client op=recognize status=%d msg=\"non-2xx response\"", resp.StatusCode)
		return nil, fmt.Errorf("ocr service returned status %d", resp.StatusCode)
	}

	var recognized RecognizeResponse
	if err := json.Unmarshal(bodyBytes, &recognized); err != nil {
		return nil, fmt.Errorf("failed to decode recognize response: %w", err)
	}
	return &recognized, nil
}
