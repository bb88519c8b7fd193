package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

// maxClassifierBody bounds how much of a response we are willing to read.
const maxClassifierBody = 1 << 20

// Verdict is a normalized remote classifier result.
type Verdict struct {
	Label Label
	Score float64
}

// Classifier calls the external moderation endpoint. Implementations must be
// safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}

// HTTPClassifier is the production Classifier: one POST per message to the
// moderation endpoint with a hard timeout.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

// NewHTTPClassifier creates a classifier client for the given endpoint.
// A non-positive timeout falls back to the default.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	return &HTTPClassifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// classifierResponse mirrors the endpoint's JSON body. Score is decoded
// loosely because the field has historically arrived as both a number and a
// string.
type classifierResponse struct {
	Label string          `json:"label"`
	Score json.RawMessage `json:"score"`
}

// Classify sends text to the moderation endpoint and returns the normalized
// verdict. Network errors, timeouts, non-2xx statuses, and undecodable
// bodies are returned as errors; the caller decides the fail-open policy.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Verdict, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verdict{}, fmt.Errorf("moderation: classifier status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifierBody))
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: read response: %w", err)
	}

	var cr classifierResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Verdict{}, fmt.Errorf("moderation: decode response: %w", err)
	}

	return Verdict{
		Label: NormalizeLabel(cr.Label),
		Score: parseScore(cr.Score),
	}, nil
}

// parseScore extracts a finite float64 from the raw score field, defaulting
// to 0 when the field is missing, non-numeric, or not finite.
func parseScore(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		// Retry as a quoted number ("0.93").
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		f, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
