// Package interstitial serves the warning page shown in place of a
// blocked navigation, and the two-step proceed flow that lets the user
// continue to the blocked URL anyway.
package interstitial

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// Overrider registers a one-shot allow for a URL before the proceed
// redirect fires.
type Overrider interface {
	AllowOnce(rawURL string)
}

// Controller renders the warning page and handles proceed requests.
type Controller struct {
	warning   *template.Template
	confirm   *template.Template
	overrides Overrider
	onProceed func()
	logger    *slog.Logger
}

// New creates the controller. onProceed is invoked once per accepted
// proceed request and may be nil.
func New(overrides Overrider, onProceed func(), logger *slog.Logger) *Controller {
	return &Controller{
		warning:   template.Must(template.New("warning").Parse(warningPage)),
		confirm:   template.Must(template.New("confirm").Parse(confirmPage)),
		overrides: overrides,
		onProceed: onProceed,
		logger:    logger,
	}
}

// Mount registers the warning page routes on r.
func (c *Controller) Mount(r chi.Router) {
	r.Get("/interstitial", c.handleWarning)
	r.Get("/interstitial/proceed", c.handleConfirm)
	r.Post("/interstitial/proceed", c.handleProceed)
}

type pageData struct {
	BlockedURL string
	Valid      bool
}

// blockedFromQuery extracts and validates the blockedUrl parameter.
// The raw query is parsed directly so undecodable escapes degrade to
// the unavailable state instead of being silently dropped.
func (c *Controller) blockedFromQuery(r *http.Request) pageData {
	q, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		c.logger.Debug("malformed interstitial query", "raw_query", r.URL.RawQuery, "error", err)
		return pageData{}
	}
	blocked := q.Get("blockedUrl")
	if blocked == "" {
		return pageData{}
	}
	return pageData{BlockedURL: blocked, Valid: true}
}

// handleWarning renders the warning page. The blocked URL is display
// data only; a missing or malformed parameter degrades to a page
// without it, never to an error or a navigation.
func (c *Controller) handleWarning(w http.ResponseWriter, r *http.Request) {
	c.render(w, c.warning, c.blockedFromQuery(r))
}

// handleConfirm renders the second confirmation step. Proceeding is
// only possible from here, via the POST form.
func (c *Controller) handleConfirm(w http.ResponseWriter, r *http.Request) {
	data := c.blockedFromQuery(r)
	if !data.Valid {
		http.Redirect(w, r, "/interstitial", http.StatusSeeOther)
		return
	}
	c.render(w, c.confirm, data)
}

// handleProceed registers the override and redirects back to the
// blocked URL. Only http and https destinations are accepted.
func (c *Controller) handleProceed(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	blocked := r.PostFormValue("blockedUrl")
	if blocked == "" {
		http.Error(w, "missing blockedUrl", http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(blocked)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(w, "invalid blockedUrl", http.StatusBadRequest)
		return
	}

	c.logger.Warn("user proceeding to blocked URL", "url", blocked)
	c.overrides.AllowOnce(blocked)
	if c.onProceed != nil {
		c.onProceed()
	}
	http.Redirect(w, r, blocked, http.StatusSeeOther)
}

func (c *Controller) render(w http.ResponseWriter, tmpl *template.Template, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := tmpl.Execute(w, data); err != nil {
		c.logger.Error("interstitial render failed", "error", err)
	}
}

const pageStyle = `
  body { font: 16px/1.5 system-ui, sans-serif; background: #1a1a1a; color: #eee;
         display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
  .card { max-width: 36rem; padding: 2rem; background: #b71c1c; border-radius: 8px; }
  h1 { margin-top: 0; font-size: 1.4rem; }
  .url { word-break: break-all; background: rgba(0,0,0,.3); padding: .5rem; border-radius: 4px;
         font-family: monospace; }
  .actions { margin-top: 1.5rem; display: flex; gap: 1rem; align-items: center; }
  button, a.btn { font: inherit; padding: .5rem 1rem; border: 0; border-radius: 4px;
                  cursor: pointer; text-decoration: none; display: inline-block; }
  .back { background: #fff; color: #b71c1c; font-weight: 600; }
  .proceed { background: transparent; color: #fff; text-decoration: underline; }
`

const warningPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Warning: site blocked</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>This website was classified as malicious</h1>
  {{if .Valid}}
  <p>Navigation to the following address was blocked:</p>
  <p class="url">{{.BlockedURL}}</p>
  {{else}}
  <p>Navigation to a suspicious address was blocked. URL unavailable.</p>
  {{end}}
  <p>It may try to steal your credentials or install unwanted software.</p>
  <div class="actions">
    <button class="back" onclick="history.back()">Go back</button>
    {{if .Valid}}
    <a class="btn proceed" href="/interstitial/proceed?blockedUrl={{.BlockedURL}}">Proceed anyway</a>
    {{end}}
  </div>
</div>
</body>
</html>
`

const confirmPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Are you sure?</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Are you sure you want to continue?</h1>
  <p>This address was classified as malicious:</p>
  <p class="url">{{.BlockedURL}}</p>
  <p>Continuing may expose your credentials or device to harm.</p>
  <div class="actions">
    <button class="back" onclick="history.back()">Go back</button>
    <form method="post" action="/interstitial/proceed">
      <input type="hidden" name="blockedUrl" value="{{.BlockedURL}}">
      <button type="submit" class="proceed">Yes, take me there</button>
    </form>
  </div>
</div>
</body>
</html>
`
