package cdp

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/urlwarden/urlwarden/internal/guard"
)

// badgeScript upserts a fixed-position badge element in the page. The
// element is recreated after every navigation, so the script must be
// idempotent.
const badgeScript = `(() => {
	const states = {
		pending:   {text: "checking…", bg: "#9e9e9e"},
		safe:      {text: "safe",          bg: "#2e7d32"},
		malicious: {text: "blocked",       bg: "#c62828"},
	};
	const s = states[%q];
	if (!s) return "unknown state";
	let el = document.getElementById("__warden_badge__");
	if (!el) {
		el = document.createElement("div");
		el.id = "__warden_badge__";
		el.style.cssText = "position:fixed;top:8px;right:8px;z-index:2147483647;" +
			"padding:4px 10px;border-radius:4px;color:#fff;" +
			"font:12px/1.4 system-ui,sans-serif;pointer-events:none;";
		(document.body || document.documentElement).appendChild(el);
	}
	el.textContent = s.text;
	el.style.background = s.bg;
	return "ok";
})()`

// Indicator renders the per-tab verdict badge by evaluating JS in the
// tab. Implements the badge surface consumed by the pipeline.
type Indicator struct {
	client *Client
}

func NewIndicator(client *Client) *Indicator {
	return &Indicator{client: client}
}

// Set updates the badge for a tab. Failures are expected during page
// transitions and are safe to ignore; the caller logs them at debug.
func (i *Indicator) Set(ctx context.Context, tabID string, state guard.IndicatorState) error {
	tab, ok := i.client.tab(tabID)
	if !ok {
		return fmt.Errorf("tab %s not attached", tabID)
	}

	evalCtx, cancel := context.WithTimeout(tab.ctx, 5*time.Second)
	defer cancel()

	var result string
	script := fmt.Sprintf(badgeScript, string(state))
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(script, &result)); err != nil {
		return fmt.Errorf("badge eval tab %s: %w", tabID, err)
	}
	if result != "ok" {
		return fmt.Errorf("badge eval tab %s: %s", tabID, result)
	}
	return nil
}
