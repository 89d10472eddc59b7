// Package cdp manages the DevTools connection to the browser: it
// attaches to page targets, forwards top-level navigations to the
// handler, and carries out redirects and badge updates on tabs.
package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// NavigationHandler receives tab lifecycle and navigation events.
// Callbacks must not block; classification is dispatched asynchronously
// behind them.
type NavigationHandler interface {
	OnNavigation(ctx context.Context, tabID, url string)
	OnTabOpened(tabID string)
	OnTabClosed(tabID string)
}

// Client manages CDP connections to browser tabs.
type Client struct {
	cdpURL      string
	handler     NavigationHandler
	logger      *slog.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabs        map[target.ID]*tabContext
	tabsMu      sync.RWMutex
}

type tabContext struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(cdpURL string, logger *slog.Logger) *Client {
	return &Client{
		cdpURL: cdpURL,
		logger: logger,
		tabs:   make(map[target.ID]*tabContext),
	}
}

// SetHandler wires the navigation handler. Must be called before
// Connect; the handler consumes the client for redirects, so the two
// are constructed in sequence.
func (c *Client) SetHandler(handler NavigationHandler) {
	c.handler = handler
}

// Connect dials the browser and attaches to every open page target.
// The current URL of each tab is reported as a navigation so tabs that
// were open before the controller started are classified too.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to browser", "url", c.cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(ctx, c.cdpURL)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()

	if err := chromedp.Run(tempCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}

	attached := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if err := c.AttachTab(t.TargetID, t.URL); err != nil {
			c.logger.Error("failed to attach to tab", "target_id", t.TargetID, "url", t.URL, "error", err)
			continue
		}
		attached++
	}

	c.logger.Info("attached to tabs", "count", attached)
	return nil
}

// AttachTab opens a session on a page target and starts listening for
// its navigation events. Attaching twice to the same target is a no-op.
func (c *Client) AttachTab(targetID target.ID, url string) error {
	c.tabsMu.Lock()
	if _, exists := c.tabs[targetID]; exists {
		c.tabsMu.Unlock()
		return nil
	}
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	tab := &tabContext{id: targetID, ctx: tabCtx, cancel: tabCancel}
	c.tabs[targetID] = tab
	c.tabsMu.Unlock()

	if err := chromedp.Run(tabCtx, page.Enable()); err != nil {
		tabCancel()
		c.tabsMu.Lock()
		delete(c.tabs, targetID)
		c.tabsMu.Unlock()
		return fmt.Errorf("failed to enable page domain: %w", err)
	}

	chromedp.ListenTarget(tabCtx, c.createEventHandler(string(targetID), tabCtx))
	c.logger.Info("attached to tab", "target_id", targetID, "url", truncateURL(url))
	c.handler.OnTabOpened(string(targetID))

	if url != "" {
		c.handler.OnNavigation(tabCtx, string(targetID), url)
	}
	return nil
}

// DetachTab tears down the session for a destroyed target.
func (c *Client) DetachTab(targetID target.ID) {
	c.tabsMu.Lock()
	tab, ok := c.tabs[targetID]
	if ok {
		delete(c.tabs, targetID)
	}
	c.tabsMu.Unlock()

	if !ok {
		return
	}
	tab.cancel()
	c.handler.OnTabClosed(string(targetID))
}

func (c *Client) createEventHandler(tabID string, tabCtx context.Context) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			// Subframe navigations carry a parent frame ID and are not
			// classified; only the top-level document counts.
			if e.Frame.ParentID == "" {
				c.handler.OnNavigation(tabCtx, tabID, e.Frame.URL)
			}
		case *page.EventNavigatedWithinDocument:
			c.handler.OnNavigation(tabCtx, tabID, e.URL)
		}
	}
}

// Navigate redirects a tab to the given URL.
func (c *Client) Navigate(ctx context.Context, tabID, url string) error {
	tab, ok := c.tab(tabID)
	if !ok {
		return fmt.Errorf("tab %s not attached", tabID)
	}

	navCtx, cancel := context.WithTimeout(tab.ctx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate tab %s: %w", tabID, err)
	}
	return nil
}

// GoBack walks the tab's history back one entry.
func (c *Client) GoBack(ctx context.Context, tabID string) error {
	tab, ok := c.tab(tabID)
	if !ok {
		return fmt.Errorf("tab %s not attached", tabID)
	}

	navCtx, cancel := context.WithTimeout(tab.ctx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("go back tab %s: %w", tabID, err)
	}
	return nil
}

func (c *Client) tab(tabID string) (*tabContext, bool) {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	tab, ok := c.tabs[target.ID(tabID)]
	return tab, ok
}

// TabCount returns the number of attached tabs.
func (c *Client) TabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	for id, tab := range c.tabs {
		tab.cancel()
		delete(c.tabs, id)
	}
	c.tabsMu.Unlock()

	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.logger.Info("CDP client closed")
	return nil
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
