package rules

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Internal URL prefixes that are never submitted for classification.
var defaultSkipPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"devtools://",
	"about:",
	"data:",
	"blob:",
	"view-source:",
}

// Policy is the optional YAML policy file. All fields add to the
// built-in defaults; an absent file means defaults only.
type Policy struct {
	// SkipPrefixes lists extra URL prefixes treated as browser-internal.
	SkipPrefixes []string `yaml:"skip_prefixes,omitempty"`
	// AllowHosts lists hosts treated as Safe without a network round trip.
	AllowHosts []string `yaml:"allow_hosts,omitempty"`
	// FailClosed treats a classification transport failure as a
	// provisional Malicious verdict when true.
	FailClosed *bool `yaml:"fail_closed,omitempty"`

	allowSet map[string]bool
}

// Default returns a policy with only the built-in skip prefixes.
func Default() *Policy {
	p := &Policy{}
	p.index()
	return p
}

// NewPolicy builds a policy from explicit entries, for programmatic
// configuration.
func NewPolicy(skipPrefixes, allowHosts []string) *Policy {
	p := &Policy{SkipPrefixes: skipPrefixes, AllowHosts: allowHosts}
	p.index()
	return p
}

// Load reads and validates a YAML policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	for i, prefix := range p.SkipPrefixes {
		if strings.TrimSpace(prefix) == "" {
			return nil, fmt.Errorf("rules: skip_prefixes[%d] is empty", i)
		}
	}
	for i, host := range p.AllowHosts {
		if strings.TrimSpace(host) == "" {
			return nil, fmt.Errorf("rules: allow_hosts[%d] is empty", i)
		}
	}
	p.index()
	return &p, nil
}

func (p *Policy) index() {
	p.allowSet = make(map[string]bool, len(p.AllowHosts))
	for _, h := range p.AllowHosts {
		p.allowSet[strings.ToLower(strings.TrimSpace(h))] = true
	}
}

// IsInternal reports whether a URL belongs to the browser itself (or a
// configured internal prefix) and must not be classified.
func (p *Policy) IsInternal(rawURL string) bool {
	for _, prefix := range defaultSkipPrefixes {
		if strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	for _, prefix := range p.SkipPrefixes {
		if strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

// IsAllowlisted reports whether the URL's host is configured as trusted.
func (p *Policy) IsAllowlisted(rawURL string) bool {
	if len(p.allowSet) == 0 {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return p.allowSet[strings.ToLower(parsed.Hostname())]
}
