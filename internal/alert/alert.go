// Package alert publishes verdict notifications to an ntfy-compatible
// endpoint. Alerts are best-effort: a failed publish is logged by the
// caller and never blocks enforcement.
package alert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Severity selects the ntfy priority for an alert.
type Severity string

const (
	// SeverityInfo announces a Safe verdict.
	SeverityInfo Severity = "info"
	// SeverityHigh announces a blocked Malicious navigation.
	SeverityHigh Severity = "high"
)

func (s Severity) priority() string {
	if s == SeverityHigh {
		return "high"
	}
	return "low"
}

// Notifier posts alerts over HTTP. A nil client falls back to
// http.DefaultClient; an empty endpoint disables publishing.
type Notifier struct {
	endpoint string
	client   *http.Client
}

func NewNotifier(endpoint string, client *http.Client) *Notifier {
	return &Notifier{endpoint: endpoint, client: client}
}

// Enabled reports whether an endpoint is configured.
func (n *Notifier) Enabled() bool { return n.endpoint != "" }

// Verdict sends an alert naming the host of the classified URL.
func (n *Notifier) Verdict(ctx context.Context, sev Severity, rawURL string) error {
	host := HostOf(rawURL)
	var title, message string
	if sev == SeverityHigh {
		title = "Malicious website blocked"
		message = fmt.Sprintf("Navigation to %s was intercepted and redirected to the warning page.", host)
	} else {
		title = "Website verified"
		message = fmt.Sprintf("%s was classified as safe.", host)
	}
	return n.send(ctx, title, message, sev)
}

func (n *Notifier) send(ctx context.Context, title, message string, sev Severity) error {
	if n.endpoint == "" {
		return fmt.Errorf("alert: no endpoint configured")
	}

	c := n.client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Title", title)
	req.Header.Set("X-Priority", sev.priority())

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert publish failed: status=%d", resp.StatusCode)
	}
	return nil
}

// HostOf extracts the host component for display; the raw URL is
// returned when it does not parse.
func HostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
