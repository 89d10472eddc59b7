package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TransportError marks a classification attempt that never produced a
// usable verdict: network failure, non-2xx status, or an undecodable
// body. The caller decides the policy; this type only carries the facts.
type TransportError struct {
	URL   string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.URL, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Client submits URLs to the external classification service. It is
// stateless and safe for concurrent use; any number of classifications
// may be in flight at once, including several for the same tab.
type Client struct {
	endpoint string
	sentinel string
	http     *http.Client
}

// NewClient creates a classification client. sentinel is the exact
// result string that denotes a Malicious verdict; the comparison is
// byte-for-byte with no trimming or case folding.
func NewClient(endpoint, sentinel string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		sentinel: sentinel,
		http:     &http.Client{Timeout: timeout},
	}
}

// NormalizeURL prefixes a scheme when the raw input has none, so the
// service always receives a syntactically absolute URL.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	if strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}

// Classify performs one classification round trip. There is no built-in
// retry; a stale-navigation discard makes a retried response worthless
// anyway, so retry policy belongs to the caller.
func (c *Client) Classify(ctx context.Context, url string) (Response, error) {
	payload, err := json.Marshal(struct {
		URL string `json:"url"`
	}{URL: url})
	if err != nil {
		return Response{}, &TransportError{URL: url, Cause: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, &TransportError{URL: url, Cause: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, &TransportError{URL: url, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &TransportError{URL: url, Cause: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var body struct {
		Result     string  `json:"result"`
		Prediction string  `json:"prediction"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Response{}, &TransportError{URL: url, Cause: fmt.Errorf("decode response: %w", err)}
	}

	// Some service deployments label the field "prediction" instead of
	// "result"; both carry the same sentinel contract.
	raw := body.Result
	if raw == "" {
		raw = body.Prediction
	}

	verdict := VerdictSafe
	if raw == c.sentinel {
		verdict = VerdictMalicious
	}

	return Response{
		URL:        url,
		Verdict:    verdict,
		RawResult:  raw,
		Confidence: body.Confidence,
	}, nil
}
