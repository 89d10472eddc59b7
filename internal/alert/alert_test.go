package alert

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestVerdictHighNamesBlockedHost(t *testing.T) {
	var receivedBody, receivedTitle, receivedPriority string

	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedTitle = r.Header.Get("X-Title")
			receivedPriority = r.Header.Get("X-Priority")
			raw, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			receivedBody = string(raw)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("ok")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	n := NewNotifier("http://ntfy.test/warden", client)
	if err := n.Verdict(context.Background(), SeverityHigh, "http://bad.example/login"); err != nil {
		t.Fatalf("Verdict() error = %v", err)
	}

	if !strings.Contains(receivedBody, "bad.example") {
		t.Fatalf("body = %q; want it to name the host", receivedBody)
	}
	if got, want := receivedPriority, "high"; got != want {
		t.Fatalf("priority = %q; want %q", got, want)
	}
	if receivedTitle == "" {
		t.Fatal("missing X-Title header")
	}
}

func TestVerdictInfoUsesLowPriority(t *testing.T) {
	var receivedPriority string
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedPriority = r.Header.Get("X-Priority")
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("ok")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	n := NewNotifier("http://ntfy.test/warden", client)
	if err := n.Verdict(context.Background(), SeverityInfo, "http://example.com"); err != nil {
		t.Fatalf("Verdict() error = %v", err)
	}
	if got, want := receivedPriority, "low"; got != want {
		t.Fatalf("priority = %q; want %q", got, want)
	}
}

func TestVerdictReturnsErrorForServerError(t *testing.T) {
	client := &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("boom")),
				Header:     make(http.Header),
			}, nil
		}),
	}
	n := NewNotifier("http://ntfy.test/warden", client)
	if err := n.Verdict(context.Background(), SeverityHigh, "http://bad.example"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestVerdictDisallowsMissingEndpoint(t *testing.T) {
	n := NewNotifier("", nil)
	if n.Enabled() {
		t.Fatal("Enabled() = true for empty endpoint")
	}
	if err := n.Verdict(context.Background(), SeverityInfo, "http://example.com"); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestHostOf(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://bad.example/path", "bad.example"},
		{"https://sub.host.example:8443/", "sub.host.example:8443"},
		{"not a url", "not a url"},
	}
	for _, tc := range cases {
		if got := HostOf(tc.in); got != tc.want {
			t.Fatalf("HostOf(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}
