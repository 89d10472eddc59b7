package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSkipsBrowserInternalURLs(t *testing.T) {
	p := Default()
	internal := []string{
		"chrome://settings",
		"chrome-extension://abcdef/popup.html",
		"devtools://devtools/bundled/inspector.html",
		"about:blank",
		"data:text/html,hello",
	}
	for _, u := range internal {
		if !p.IsInternal(u) {
			t.Fatalf("IsInternal(%q) = false; want true", u)
		}
	}
	if p.IsInternal("http://example.com") {
		t.Fatal("IsInternal(http URL) = true; want false")
	}
	if p.IsAllowlisted("http://example.com") {
		t.Fatal("IsAllowlisted with empty policy = true; want false")
	}
}

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicy(t, `
skip_prefixes:
  - "http://127.0.0.1:8844/"
allow_hosts:
  - Intranet.Example
fail_closed: true
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !p.IsInternal("http://127.0.0.1:8844/interstitial?blockedUrl=x") {
		t.Fatal("configured skip prefix not honored")
	}
	if !p.IsAllowlisted("https://intranet.example/wiki") {
		t.Fatal("allow_hosts match should be case-insensitive on host")
	}
	if p.IsAllowlisted("https://intranet.example.evil.com/") {
		t.Fatal("allowlist must match the whole host, not a prefix")
	}
	if p.FailClosed == nil || !*p.FailClosed {
		t.Fatal("fail_closed not parsed")
	}
}

func TestLoadRejectsEmptyEntries(t *testing.T) {
	path := writePolicy(t, "allow_hosts:\n  - \"\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty allow_hosts entry")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
