// Package guard drives the navigation classification pipeline: it
// receives navigation events, dispatches classification requests,
// applies verdicts under the last-navigation-wins rule, and enforces
// Malicious verdicts by redirecting the tab to the warning page.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/urlwarden/urlwarden/internal/alert"
	"github.com/urlwarden/urlwarden/internal/classifier"
	"github.com/urlwarden/urlwarden/internal/handoff"
	"github.com/urlwarden/urlwarden/internal/metrics"
	"github.com/urlwarden/urlwarden/internal/relay"
	"github.com/urlwarden/urlwarden/internal/rules"
	"github.com/urlwarden/urlwarden/internal/tabstate"
)

// RawResult recorded when the allowlist short-circuits classification.
const rawAllowlisted = "ALLOWLISTED"

// RawResult recorded when a transport failure is treated as Malicious
// under fail-closed policy.
const rawUnavailable = "CLASSIFIER_UNAVAILABLE"

// RawResult recorded when the user proceeds past the warning page.
const rawOverride = "USER_OVERRIDE"

// overrideTTL bounds how long a proceed override stays valid. The
// redirect back to the blocked URL happens immediately, so anything
// still pending after this is abandoned.
const overrideTTL = time.Minute

// Classifier produces a verdict for one URL.
type Classifier interface {
	Classify(ctx context.Context, url string) (classifier.Response, error)
}

// Navigator redirects a tab to a different URL.
type Navigator interface {
	Navigate(ctx context.Context, tabID, url string) error
}

// Indicator updates the in-page verdict badge for a tab.
type Indicator interface {
	Set(ctx context.Context, tabID string, state IndicatorState) error
}

// Alerter publishes verdict notifications.
type Alerter interface {
	Enabled() bool
	Verdict(ctx context.Context, sev alert.Severity, url string) error
}

// Options wires a Guard. Store, Classifier, Navigator, Indicator,
// Policy, Metrics and Logger are required; Broker, Journal, Status and
// Alerts may be nil to disable their surface.
type Options struct {
	Store      *tabstate.Store
	Classifier Classifier
	Navigator  Navigator
	Indicator  Indicator
	Alerts     Alerter
	Policy     *rules.Policy
	Broker     *relay.Broker
	Journal    *handoff.Journal
	Status     *handoff.StatusStore
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// InterstitialURL is the absolute base URL of the warning page.
	InterstitialURL string
	// FailClosed treats a classification transport failure as a
	// provisional Malicious verdict instead of keeping the tab state
	// unchanged.
	FailClosed bool
	// PendingIndicator shows a distinct pending badge while a
	// classification is in flight instead of the default Safe badge.
	PendingIndicator bool
	// ClassifyTimeout bounds a single classification round trip.
	ClassifyTimeout time.Duration
}

// Guard is safe for concurrent use; navigation events for different
// tabs (and re-navigations of the same tab) may arrive in any order.
type Guard struct {
	opts Options
	wg   sync.WaitGroup

	overrideMu sync.Mutex
	overrides  map[string]time.Time
}

func New(opts Options) *Guard {
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = 10 * time.Second
	}
	return &Guard{opts: opts, overrides: make(map[string]time.Time)}
}

// AllowOnce registers a one-shot override: the next navigation to
// exactly this URL is recorded as Safe without consulting the
// classifier. Used by the warning page's proceed flow so the override
// does not immediately re-trigger an interception.
func (g *Guard) AllowOnce(rawURL string) {
	g.overrideMu.Lock()
	g.overrides[rawURL] = time.Now().Add(overrideTTL)
	g.overrideMu.Unlock()
}

// takeOverride consumes a pending override for the URL, if any.
func (g *Guard) takeOverride(rawURL string) bool {
	g.overrideMu.Lock()
	defer g.overrideMu.Unlock()
	deadline, ok := g.overrides[rawURL]
	if !ok {
		return false
	}
	delete(g.overrides, rawURL)
	return time.Now().Before(deadline)
}

// Store exposes the tab state for read-only API surfaces.
func (g *Guard) Store() *tabstate.Store { return g.opts.Store }

// ListTabs returns the applied verdict records for all tracked tabs.
func (g *Guard) ListTabs() []tabstate.Record { return g.opts.Store.List() }

// GetTab returns the applied verdict record for one tab.
func (g *Guard) GetTab(tabID string) (tabstate.Record, bool) { return g.opts.Store.Get(tabID) }

// TrackedTabs returns the number of tabs with navigation state.
func (g *Guard) TrackedTabs() int { return g.opts.Store.Count() }

// OnNavigation handles one top-level navigation event. Classification
// runs asynchronously; the event callback must never block on the
// network.
func (g *Guard) OnNavigation(ctx context.Context, tabID, rawURL string) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.NavigationsObserved.Inc()
	}
	if tabID == "" || rawURL == "" {
		return
	}
	if g.isOwnPage(rawURL) {
		// The tab moved on; a verdict still in flight for its previous
		// URL must not apply anymore.
		g.opts.Store.Supersede(tabID)
		return
	}
	if g.opts.Policy.IsInternal(rawURL) {
		if g.opts.Metrics != nil {
			g.opts.Metrics.SkippedInternal.Inc()
		}
		g.opts.Logger.Debug("skipping internal URL", "tab_id", tabID, "url", rawURL)
		g.opts.Store.Supersede(tabID)
		return
	}

	seq := g.opts.Store.Begin(tabID, rawURL)
	g.opts.Logger.Info("navigation observed", "tab_id", tabID, "url", rawURL, "nav_seq", seq)
	if g.opts.Broker != nil {
		g.opts.Broker.PublishJSON(relay.TopicNavigation, relay.NavigationEvent{
			TabID: tabID, URL: rawURL, NavSeq: seq, At: time.Now().UTC(),
		})
	}

	if g.takeOverride(rawURL) {
		g.opts.Logger.Info("honoring proceed override", "tab_id", tabID, "url", rawURL)
		if rec, ok := g.opts.Store.Apply(tabID, rawURL, seq, classifier.VerdictSafe, rawOverride); ok {
			g.afterApply(ctx, rec)
		}
		return
	}

	if g.opts.Policy.IsAllowlisted(rawURL) {
		if g.opts.Metrics != nil {
			g.opts.Metrics.Allowlisted.Inc()
		}
		if rec, ok := g.opts.Store.Apply(tabID, rawURL, seq, classifier.VerdictSafe, rawAllowlisted); ok {
			g.afterApply(ctx, rec)
		}
		return
	}

	// The badge defaults to Safe until the first response lands; the
	// pending style is opt-in.
	initial := IndicatorSafe
	if g.opts.PendingIndicator {
		initial = IndicatorPending
	}
	g.setIndicator(ctx, tabID, initial)

	// Outlive the event callback's context; cancellation of the event
	// stream must not abort an in-flight classification.
	bgCtx := context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.classifyAndApply(bgCtx, tabID, rawURL, seq)
	}()
}

// OnTabClosed drops all state for a destroyed tab. A late response for
// the closed tab is discarded by Apply.
func (g *Guard) OnTabClosed(tabID string) {
	g.opts.Store.Remove(tabID)
	g.opts.Logger.Info("tab closed", "tab_id", tabID)
	if g.opts.Broker != nil {
		g.opts.Broker.PublishJSON(relay.TopicTab, relay.TabEvent{
			TabID: tabID, Action: "closed", At: time.Now().UTC(),
		})
	}
}

// OnTabOpened announces a newly tracked tab.
func (g *Guard) OnTabOpened(tabID string) {
	if g.opts.Broker != nil {
		g.opts.Broker.PublishJSON(relay.TopicTab, relay.TabEvent{
			TabID: tabID, Action: "opened", At: time.Now().UTC(),
		})
	}
}

// ClassifyURL performs a synchronous one-off classification with no tab
// attached, for the manual API operation.
func (g *Guard) ClassifyURL(ctx context.Context, rawURL string) (classifier.Response, error) {
	normalized := classifier.NormalizeURL(rawURL)
	if normalized == "" {
		return classifier.Response{}, newError(CodeValidation, "url must not be empty", nil)
	}

	cctx, cancel := context.WithTimeout(ctx, g.opts.ClassifyTimeout)
	defer cancel()

	resp, err := g.opts.Classifier.Classify(cctx, normalized)
	if err != nil {
		if g.opts.Metrics != nil {
			g.opts.Metrics.TransportFailures.Inc()
		}
		return classifier.Response{}, newError(CodeClassifierUnavailable, "classification service unreachable", err)
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.Classifications.WithLabelValues(resp.Verdict.String()).Inc()
	}
	return resp, nil
}

// Close waits for in-flight classifications to settle.
func (g *Guard) Close() {
	g.wg.Wait()
}

func (g *Guard) classifyAndApply(ctx context.Context, tabID, rawURL string, seq uint64) {
	cctx, cancel := context.WithTimeout(ctx, g.opts.ClassifyTimeout)
	defer cancel()

	resp, err := g.opts.Classifier.Classify(cctx, rawURL)
	if err != nil {
		g.handleTransportFailure(ctx, tabID, rawURL, seq, err)
		return
	}

	rec, ok := g.opts.Store.Apply(tabID, rawURL, seq, resp.Verdict, resp.RawResult)
	if !ok {
		if g.opts.Metrics != nil {
			g.opts.Metrics.StaleDiscards.Inc()
		}
		g.opts.Logger.Debug("discarding superseded response", "tab_id", tabID, "url", rawURL, "nav_seq", seq)
		return
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.Classifications.WithLabelValues(rec.VerdictStr).Inc()
	}
	g.afterApply(ctx, rec)
}

// handleTransportFailure applies the configured failure policy. The
// default is fail-open: log, count, leave tab state untouched.
func (g *Guard) handleTransportFailure(ctx context.Context, tabID, rawURL string, seq uint64, err error) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.TransportFailures.Inc()
	}

	var te *classifier.TransportError
	if !errors.As(err, &te) {
		g.opts.Logger.Error("unexpected classification error", "tab_id", tabID, "url", rawURL, "error", err)
		return
	}

	if !g.opts.FailClosed {
		g.opts.Logger.Warn("classification unavailable, leaving tab state unchanged",
			"tab_id", tabID, "url", rawURL, "error", err)
		return
	}

	rec, ok := g.opts.Store.Apply(tabID, rawURL, seq, classifier.VerdictMalicious, rawUnavailable)
	if !ok {
		return
	}
	g.opts.Logger.Warn("classification unavailable, blocking under fail-closed policy",
		"tab_id", tabID, "url", rawURL)
	g.afterApply(ctx, rec)
}

// afterApply runs the ordered post-verdict steps. Each step is
// best-effort: a failed indicator update or alert never prevents the
// redirect, and a failed redirect is logged, not retried.
func (g *Guard) afterApply(ctx context.Context, rec tabstate.Record) {
	intercepted := rec.Verdict == classifier.VerdictMalicious

	if g.opts.Broker != nil {
		g.opts.Broker.PublishJSON(relay.TopicVerdict, relay.VerdictEvent{
			TabID: rec.TabID, URL: rec.URL, Verdict: rec.VerdictStr,
			RawResult: rec.RawResult, NavSeq: rec.NavSeq,
			Intercepted: intercepted, At: rec.UpdatedAt,
		})
	}
	if g.opts.Journal != nil {
		g.opts.Journal.Append(handoff.Entry{
			TabID: rec.TabID, URL: rec.URL, Verdict: rec.VerdictStr,
			RawResult: rec.RawResult, NavSeq: rec.NavSeq, Intercepted: intercepted,
		})
	}
	if g.opts.Status != nil {
		// The status file holds the most recent applied verdict across
		// all tabs; browser focus is not tracked over CDP.
		if err := g.opts.Status.Save(handoff.Status{
			TabID: rec.TabID, URL: rec.URL, Verdict: rec.VerdictStr,
			RawResult: rec.RawResult, UpdatedAt: rec.UpdatedAt,
		}); err != nil {
			g.opts.Logger.Warn("status save failed", "error", err)
		}
	}

	if !intercepted {
		g.setIndicator(ctx, rec.TabID, IndicatorSafe)
		g.notify(ctx, alert.SeverityInfo, rec.URL)
		return
	}

	g.setIndicator(ctx, rec.TabID, IndicatorMalicious)
	g.intercept(ctx, rec)
}

// intercept redirects the tab to the warning page carrying the blocked
// URL in the query string.
func (g *Guard) intercept(ctx context.Context, rec tabstate.Record) {
	target := InterstitialURL(g.opts.InterstitialURL, rec.URL)
	if err := g.opts.Navigator.Navigate(ctx, rec.TabID, target); err != nil {
		// Later steps still run; the alert matters most when the
		// redirect could not land.
		g.opts.Logger.Error("interception redirect failed", "tab_id", rec.TabID, "url", rec.URL, "error", err)
	} else {
		if g.opts.Metrics != nil {
			g.opts.Metrics.Interceptions.Inc()
		}
		g.opts.Logger.Warn("navigation intercepted", "tab_id", rec.TabID, "url", rec.URL, "nav_seq", rec.NavSeq)
	}
	if g.opts.Broker != nil {
		g.opts.Broker.PublishJSON(relay.TopicInterception, relay.VerdictEvent{
			TabID: rec.TabID, URL: rec.URL, Verdict: rec.VerdictStr,
			RawResult: rec.RawResult, NavSeq: rec.NavSeq,
			Intercepted: true, At: rec.UpdatedAt,
		})
	}
	g.notify(ctx, alert.SeverityHigh, rec.URL)
}

func (g *Guard) setIndicator(ctx context.Context, tabID string, state IndicatorState) {
	if g.opts.Indicator == nil {
		return
	}
	if err := g.opts.Indicator.Set(ctx, tabID, state); err != nil {
		g.opts.Logger.Debug("indicator update failed", "tab_id", tabID, "state", state, "error", err)
	}
}

func (g *Guard) notify(ctx context.Context, sev alert.Severity, rawURL string) {
	if g.opts.Alerts == nil || !g.opts.Alerts.Enabled() {
		return
	}
	if err := g.opts.Alerts.Verdict(ctx, sev, rawURL); err != nil {
		g.opts.Logger.Warn("alert publish failed", "error", err)
	}
}

// isOwnPage reports whether the URL points at the controller's own
// warning page, which must never be re-classified.
func (g *Guard) isOwnPage(rawURL string) bool {
	if g.opts.InterstitialURL == "" {
		return false
	}
	return strings.HasPrefix(rawURL, g.opts.InterstitialURL)
}

// InterstitialURL builds the warning page URL for a blocked URL. The
// blocked URL travels percent-encoded in the blockedUrl parameter and
// survives the round trip byte-for-byte.
func InterstitialURL(base, blocked string) string {
	q := url.Values{}
	q.Set("blockedUrl", blocked)
	return base + "?" + q.Encode()
}
