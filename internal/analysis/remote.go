package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrAnalysisFailure marks a scoring step that failed or timed out. Callers
// degrade to an empty analysis; this error is never fatal to call
// termination.
var ErrAnalysisFailure = errors.New("analysis failure")

// Message is one transcript turn in the analysis request wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the analysis endpoint input.
type Request struct {
	Transcript      []Message `json:"transcript"`
	ElderID         string    `json:"elderId,omitempty"`
	DurationSeconds int       `json:"durationSeconds,omitempty"`
}

// Client calls a remote analysis endpoint. The zero value is not usable;
// construct with NewClient.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Analyze posts the transcript and decodes the scored result. Transport
// errors, non-2xx statuses and malformed bodies all wrap ErrAnalysisFailure
// so callers can treat them uniformly.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrAnalysisFailure, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/analyze", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAnalysisFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAnalysisFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%w: status %d", ErrAnalysisFailure, resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrAnalysisFailure, err)
	}
	return out, nil
}
