package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/urlwarden/urlwarden/internal/classifier"
	"github.com/urlwarden/urlwarden/internal/metrics"
	"github.com/urlwarden/urlwarden/internal/rules"
	"github.com/urlwarden/urlwarden/internal/tabstate"
)

const testInterstitial = "http://127.0.0.1:8844/interstitial"

type fakeClassifier struct {
	mu        sync.Mutex
	responses map[string]classifier.Response
	errs      map[string]error
	gates     map[string]chan struct{}
	calls     []string
}

func newFakeClassifier() *fakeClassifier {
	return &fakeClassifier{
		responses: make(map[string]classifier.Response),
		errs:      make(map[string]error),
		gates:     make(map[string]chan struct{}),
	}
}

func (f *fakeClassifier) safe(u string) {
	f.responses[u] = classifier.Response{URL: u, Verdict: classifier.VerdictSafe, RawResult: "SAFE_WEBSITE"}
}

func (f *fakeClassifier) malicious(u string) {
	f.responses[u] = classifier.Response{URL: u, Verdict: classifier.VerdictMalicious, RawResult: "BEWARE_MALICIOUS_WEBSITE"}
}

// gate makes the classification for u block until the returned channel
// is closed, so tests can order response arrival explicitly.
func (f *fakeClassifier) gate(u string) chan struct{} {
	ch := make(chan struct{})
	f.gates[u] = ch
	return ch
}

func (f *fakeClassifier) Classify(ctx context.Context, u string) (classifier.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, u)
	gate := f.gates[u]
	resp, hasResp := f.responses[u]
	err := f.errs[u]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return classifier.Response{}, err
	}
	if !hasResp {
		return classifier.Response{}, fmt.Errorf("no canned response for %s", u)
	}
	return resp, nil
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type navCall struct {
	tabID, url string
}

type fakeNavigator struct {
	mu    sync.Mutex
	calls []navCall
}

func (f *fakeNavigator) Navigate(ctx context.Context, tabID, u string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, navCall{tabID: tabID, url: u})
	return nil
}

func (f *fakeNavigator) snapshot() []navCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]navCall(nil), f.calls...)
}

type fakeIndicator struct {
	mu     sync.Mutex
	states map[string][]IndicatorState
}

func newFakeIndicator() *fakeIndicator {
	return &fakeIndicator{states: make(map[string][]IndicatorState)}
}

func (f *fakeIndicator) Set(ctx context.Context, tabID string, state IndicatorState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[tabID] = append(f.states[tabID], state)
	return nil
}

func (f *fakeIndicator) history(tabID string) []IndicatorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]IndicatorState(nil), f.states[tabID]...)
}

type guardFixture struct {
	guard      *Guard
	store      *tabstate.Store
	classifier *fakeClassifier
	navigator  *fakeNavigator
	indicator  *fakeIndicator
}

func newFixture(t *testing.T, mutate func(*Options)) *guardFixture {
	t.Helper()
	fx := &guardFixture{
		store:      tabstate.NewStore(),
		classifier: newFakeClassifier(),
		navigator:  &fakeNavigator{},
		indicator:  newFakeIndicator(),
	}
	opts := Options{
		Store:           fx.store,
		Classifier:      fx.classifier,
		Navigator:       fx.navigator,
		Indicator:       fx.indicator,
		Policy:          rules.Default(),
		Metrics:         metrics.New(prometheus.NewRegistry()),
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		InterstitialURL: testInterstitial,
		ClassifyTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	fx.guard = New(opts)
	return fx
}

// waitForRecord polls until the tab has an applied record.
func waitForRecord(t *testing.T, store *tabstate.Store, tabID string) tabstate.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := store.Get(tabID); ok {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no record applied for tab %q", tabID)
	return tabstate.Record{}
}

func TestSafeNavigationLeavesTabAlone(t *testing.T) {
	fx := newFixture(t, nil)
	fx.classifier.safe("http://example.com/")

	fx.guard.OnNavigation(context.Background(), "tab-1", "http://example.com/")
	fx.guard.Close()

	rec, ok := fx.store.Get("tab-1")
	if !ok {
		t.Fatal("no record applied")
	}
	if got, want := rec.Verdict, classifier.VerdictSafe; got != want {
		t.Fatalf("verdict = %v; want %v", got, want)
	}
	if calls := fx.navigator.snapshot(); len(calls) != 0 {
		t.Fatalf("navigator called %d times for a safe verdict; want 0", len(calls))
	}
	states := fx.indicator.history("tab-1")
	if len(states) == 0 || states[len(states)-1] != IndicatorSafe {
		t.Fatalf("indicator history = %v; want final state safe", states)
	}
}

func TestMaliciousNavigationRedirectsToWarningPage(t *testing.T) {
	fx := newFixture(t, nil)
	blocked := "http://evil.example/login?next=/account&id=42"
	fx.classifier.malicious(blocked)

	fx.guard.OnNavigation(context.Background(), "tab-1", blocked)
	fx.guard.Close()

	rec, ok := fx.store.Get("tab-1")
	if !ok || rec.Verdict != classifier.VerdictMalicious {
		t.Fatalf("record = %+v ok=%v; want malicious", rec, ok)
	}

	calls := fx.navigator.snapshot()
	if len(calls) != 1 {
		t.Fatalf("navigator calls = %d; want 1", len(calls))
	}
	if got, want := calls[0].tabID, "tab-1"; got != want {
		t.Fatalf("redirected tab = %q; want %q", got, want)
	}

	parsed, err := url.Parse(calls[0].url)
	if err != nil {
		t.Fatalf("redirect target does not parse: %v", err)
	}
	if got, want := parsed.Path, "/interstitial"; got != want {
		t.Fatalf("redirect path = %q; want %q", got, want)
	}
	if got := parsed.Query().Get("blockedUrl"); got != blocked {
		t.Fatalf("decoded blockedUrl = %q; want %q", got, blocked)
	}

	states := fx.indicator.history("tab-1")
	if len(states) == 0 || states[len(states)-1] != IndicatorMalicious {
		t.Fatalf("indicator history = %v; want final state malicious", states)
	}
}

func TestBlockedURLSurvivesEncodingRoundTrip(t *testing.T) {
	cases := []string{
		"http://evil.example/",
		"http://evil.example/path?a=1&b=two words",
		"http://evil.example/p?q=%2Falready%2Fencoded",
		"http://evil.example/пример?q=значение",
		"http://evil.example/#frag&more=1",
	}
	for _, blocked := range cases {
		t.Run(blocked, func(t *testing.T) {
			target := InterstitialURL(testInterstitial, blocked)
			parsed, err := url.Parse(target)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := parsed.Query().Get("blockedUrl"); got != blocked {
				t.Fatalf("round trip = %q; want %q", got, blocked)
			}
		})
	}
}

func TestSupersededResponseIsDiscarded(t *testing.T) {
	fx := newFixture(t, nil)
	first := "http://slow.example/"
	second := "http://fast.example/"
	fx.classifier.malicious(first)
	fx.classifier.safe(second)
	gate := fx.classifier.gate(first)

	ctx := context.Background()
	fx.guard.OnNavigation(ctx, "tab-1", first)
	fx.guard.OnNavigation(ctx, "tab-1", second)

	rec := waitForRecord(t, fx.store, "tab-1")
	if got, want := rec.URL, second; got != want {
		t.Fatalf("applied URL = %q; want %q", got, want)
	}

	// Release the stale malicious response for the first navigation.
	close(gate)
	fx.guard.Close()

	rec, _ = fx.store.Get("tab-1")
	if got, want := rec.URL, second; got != want {
		t.Fatalf("record after stale response = %q; want %q untouched", got, want)
	}
	if got, want := rec.Verdict, classifier.VerdictSafe; got != want {
		t.Fatalf("verdict after stale response = %v; want %v", got, want)
	}
	if calls := fx.navigator.snapshot(); len(calls) != 0 {
		t.Fatalf("stale malicious response triggered %d redirects; want 0", len(calls))
	}
}

func TestLateResponseAfterInternalNavigationIsDiscarded(t *testing.T) {
	fx := newFixture(t, nil)
	evil := "http://evil.example/"
	fx.classifier.malicious(evil)
	gate := fx.classifier.gate(evil)

	ctx := context.Background()
	fx.guard.OnNavigation(ctx, "tab-1", evil)
	// The tab moves to a browser-internal page before the verdict lands.
	fx.guard.OnNavigation(ctx, "tab-1", "chrome://settings")

	close(gate)
	fx.guard.Close()

	if calls := fx.navigator.snapshot(); len(calls) != 0 {
		t.Fatalf("late malicious response redirected a tab on an internal page: %+v", calls)
	}
	if rec, ok := fx.store.Get("tab-1"); ok {
		t.Fatalf("late response applied after internal navigation: %+v", rec)
	}
}

func TestLateResponseAfterOwnPageNavigationIsDiscarded(t *testing.T) {
	fx := newFixture(t, nil)
	evil := "http://evil.example/"
	fx.classifier.malicious(evil)
	gate := fx.classifier.gate(evil)

	ctx := context.Background()
	fx.guard.OnNavigation(ctx, "tab-1", evil)
	fx.guard.OnNavigation(ctx, "tab-1", testInterstitial+"?blockedUrl=x")

	close(gate)
	fx.guard.Close()

	if calls := fx.navigator.snapshot(); len(calls) != 0 {
		t.Fatalf("late malicious response redirected a tab on the warning page: %+v", calls)
	}
}

func TestTransportFailureKeepsStateUnchanged(t *testing.T) {
	fx := newFixture(t, nil)
	u := "http://unreachable.example/"
	fx.classifier.errs[u] = &classifier.TransportError{URL: u, Cause: errors.New("connection refused")}

	fx.guard.OnNavigation(context.Background(), "tab-1", u)
	fx.guard.Close()

	if _, ok := fx.store.Get("tab-1"); ok {
		t.Fatal("transport failure must not apply a verdict under fail-open")
	}
	if calls := fx.navigator.snapshot(); len(calls) != 0 {
		t.Fatalf("transport failure triggered %d redirects; want 0", len(calls))
	}
}

func TestTransportFailureBlocksUnderFailClosed(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.FailClosed = true })
	u := "http://unreachable.example/"
	fx.classifier.errs[u] = &classifier.TransportError{URL: u, Cause: errors.New("connection refused")}

	fx.guard.OnNavigation(context.Background(), "tab-1", u)
	fx.guard.Close()

	rec, ok := fx.store.Get("tab-1")
	if !ok || rec.Verdict != classifier.VerdictMalicious {
		t.Fatalf("record = %+v ok=%v; want provisional malicious", rec, ok)
	}
	if got, want := rec.RawResult, rawUnavailable; got != want {
		t.Fatalf("raw result = %q; want %q", got, want)
	}
	if calls := fx.navigator.snapshot(); len(calls) != 1 {
		t.Fatalf("navigator calls = %d; want 1", len(calls))
	}
}

func TestInternalURLsAreNeverClassified(t *testing.T) {
	fx := newFixture(t, nil)
	for _, u := range []string{"chrome://settings", "about:blank", "devtools://devtools/x"} {
		fx.guard.OnNavigation(context.Background(), "tab-1", u)
	}
	fx.guard.Close()

	if got := fx.classifier.callCount(); got != 0 {
		t.Fatalf("classifier called %d times for internal URLs; want 0", got)
	}
	if got := fx.store.Count(); got != 0 {
		t.Fatalf("tracked tabs = %d; want 0", got)
	}
}

func TestOwnWarningPageIsNeverClassified(t *testing.T) {
	fx := newFixture(t, nil)
	fx.guard.OnNavigation(context.Background(), "tab-1", testInterstitial+"?blockedUrl=http%3A%2F%2Fevil.example")
	fx.guard.Close()

	if got := fx.classifier.callCount(); got != 0 {
		t.Fatalf("classifier called %d times for the warning page; want 0", got)
	}
}

func TestAllowlistedHostSkipsClassifier(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Policy = rules.NewPolicy(nil, []string{"intranet.example"})
	})

	fx.guard.OnNavigation(context.Background(), "tab-1", "https://intranet.example/wiki")
	fx.guard.Close()

	if got := fx.classifier.callCount(); got != 0 {
		t.Fatalf("classifier called %d times for an allowlisted host; want 0", got)
	}
	rec, ok := fx.store.Get("tab-1")
	if !ok || rec.Verdict != classifier.VerdictSafe {
		t.Fatalf("record = %+v ok=%v; want safe without a network call", rec, ok)
	}
	if got, want := rec.RawResult, rawAllowlisted; got != want {
		t.Fatalf("raw result = %q; want %q", got, want)
	}
}

func TestIndicatorDefaultsToSafeBeforeFirstResponse(t *testing.T) {
	fx := newFixture(t, nil)
	u := "http://example.com/"
	fx.classifier.safe(u)
	gate := fx.classifier.gate(u)

	fx.guard.OnNavigation(context.Background(), "tab-1", u)

	deadline := time.Now().Add(2 * time.Second)
	for len(fx.indicator.history("tab-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no indicator update before the response arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, want := fx.indicator.history("tab-1")[0], IndicatorSafe; got != want {
		t.Fatalf("initial indicator = %v; want %v", got, want)
	}

	close(gate)
	fx.guard.Close()
}

func TestPendingIndicatorOptIn(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.PendingIndicator = true })
	u := "http://example.com/"
	fx.classifier.safe(u)

	fx.guard.OnNavigation(context.Background(), "tab-1", u)
	fx.guard.Close()

	states := fx.indicator.history("tab-1")
	if len(states) < 2 || states[0] != IndicatorPending {
		t.Fatalf("indicator history = %v; want pending first", states)
	}
	if states[len(states)-1] != IndicatorSafe {
		t.Fatalf("indicator history = %v; want safe last", states)
	}
}

func TestClosedTabDiscardsLateResponse(t *testing.T) {
	fx := newFixture(t, nil)
	u := "http://slow.example/"
	fx.classifier.malicious(u)
	gate := fx.classifier.gate(u)

	fx.guard.OnNavigation(context.Background(), "tab-1", u)
	fx.guard.OnTabClosed("tab-1")
	close(gate)
	fx.guard.Close()

	if _, ok := fx.store.Get("tab-1"); ok {
		t.Fatal("closed tab still has a record")
	}
	if calls := fx.navigator.snapshot(); len(calls) != 0 {
		t.Fatalf("late response for a closed tab triggered %d redirects; want 0", len(calls))
	}
}

func TestTabsAreIndependent(t *testing.T) {
	fx := newFixture(t, nil)
	fx.classifier.safe("http://good.example/")
	fx.classifier.malicious("http://evil.example/")

	ctx := context.Background()
	fx.guard.OnNavigation(ctx, "tab-1", "http://good.example/")
	fx.guard.OnNavigation(ctx, "tab-2", "http://evil.example/")
	fx.guard.Close()

	good, _ := fx.store.Get("tab-1")
	bad, _ := fx.store.Get("tab-2")
	if good.Verdict != classifier.VerdictSafe || bad.Verdict != classifier.VerdictMalicious {
		t.Fatalf("verdicts = %v/%v; want safe/malicious", good.Verdict, bad.Verdict)
	}
	calls := fx.navigator.snapshot()
	if len(calls) != 1 || calls[0].tabID != "tab-2" {
		t.Fatalf("redirects = %+v; want exactly one for tab-2", calls)
	}
}

func TestProceedOverrideSkipsClassification(t *testing.T) {
	fx := newFixture(t, nil)
	blocked := "http://evil.example/login"
	fx.classifier.malicious(blocked)

	fx.guard.AllowOnce(blocked)
	fx.guard.OnNavigation(context.Background(), "tab-1", blocked)
	fx.guard.Close()

	if got := fx.classifier.callCount(); got != 0 {
		t.Fatalf("classifier called %d times despite override; want 0", got)
	}
	rec, ok := fx.store.Get("tab-1")
	if !ok || rec.Verdict != classifier.VerdictSafe || rec.RawResult != rawOverride {
		t.Fatalf("record = %+v ok=%v; want safe override", rec, ok)
	}
	if calls := fx.navigator.snapshot(); len(calls) != 0 {
		t.Fatalf("override still redirected %d times; want 0", len(calls))
	}

	// The override is one-shot: the next navigation classifies again.
	fx.guard.OnNavigation(context.Background(), "tab-1", blocked)
	fx.guard.Close()
	if got := fx.classifier.callCount(); got != 1 {
		t.Fatalf("classifier calls after override consumed = %d; want 1", got)
	}
	if calls := fx.navigator.snapshot(); len(calls) != 1 {
		t.Fatalf("redirects after override consumed = %d; want 1", len(calls))
	}
}

func TestClassifyURLMapsTransportErrors(t *testing.T) {
	fx := newFixture(t, nil)
	u := "http://down.example"
	fx.classifier.errs["http://down.example"] = &classifier.TransportError{URL: u, Cause: errors.New("timeout")}

	_, err := fx.guard.ClassifyURL(context.Background(), u)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeClassifierUnavailable {
		t.Fatalf("error = %v; want CodedError %s", err, CodeClassifierUnavailable)
	}

	if _, err := fx.guard.ClassifyURL(context.Background(), "  "); err == nil {
		t.Fatal("expected validation error for blank URL")
	}
}
