package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// TargetWatcher follows tab creation and destruction over the
// browser-level WebSocket. chromedp sessions are per-target; discovery
// of new targets needs a browser-scoped connection, so this client
// speaks the wire protocol directly.
type TargetWatcher struct {
	httpBase string
	client   *Client
	logger   *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex

	closed atomic.Bool
}

func NewTargetWatcher(httpBase string, client *Client, logger *slog.Logger) *TargetWatcher {
	return &TargetWatcher{
		httpBase: strings.TrimRight(httpBase, "/"),
		client:   client,
		logger:   logger,
		pending:  make(map[int64]chan json.RawMessage),
	}
}

// Start dials the browser WebSocket, turns on target discovery, and
// begins dispatching lifecycle events in a background goroutine.
func (w *TargetWatcher) Start(ctx context.Context) error {
	wsURL, err := w.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("target watcher: browser ws url: %w", err)
	}

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("target watcher: dial: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	go w.readLoop()

	discoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := w.send(discoverCtx, "Target.setDiscoverTargets", struct {
		Discover bool `json:"discover"`
	}{Discover: true}); err != nil {
		w.Close()
		return fmt.Errorf("target watcher: setDiscoverTargets: %w", err)
	}

	w.logger.Info("target watcher started")
	return nil
}

func (w *TargetWatcher) Close() {
	w.closed.Store(true)
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
}

func (w *TargetWatcher) readLoop() {
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if !w.closed.Load() {
				w.logger.Warn("target watcher read loop exit", "error", err)
			}
			w.closeAllPending()
			return
		}

		var msg struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			w.pendingMu.Lock()
			ch, ok := w.pending[msg.ID]
			if ok {
				delete(w.pending, msg.ID)
			}
			w.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
			continue
		}
		w.dispatchEvent(msg.Method, msg.Params)
	}
}

func (w *TargetWatcher) dispatchEvent(method string, params json.RawMessage) {
	switch method {
	case "Target.targetCreated":
		var evt struct {
			TargetInfo struct {
				TargetID string `json:"targetId"`
				Type     string `json:"type"`
				URL      string `json:"url"`
			} `json:"targetInfo"`
		}
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		if evt.TargetInfo.Type != "page" {
			return
		}
		w.logger.Debug("target created", "target_id", evt.TargetInfo.TargetID, "url", truncateURL(evt.TargetInfo.URL))
		if err := w.client.AttachTab(target.ID(evt.TargetInfo.TargetID), evt.TargetInfo.URL); err != nil {
			w.logger.Error("failed to attach new tab", "target_id", evt.TargetInfo.TargetID, "error", err)
		}
	case "Target.targetDestroyed":
		var evt struct {
			TargetID string `json:"targetId"`
		}
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		w.logger.Debug("target destroyed", "target_id", evt.TargetID)
		w.client.DetachTab(target.ID(evt.TargetID))
	}
}

func (w *TargetWatcher) closeAllPending() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for id, ch := range w.pending {
		close(ch)
		delete(w.pending, id)
	}
}

func (w *TargetWatcher) deletePending(id int64) {
	w.pendingMu.Lock()
	delete(w.pending, id)
	w.pendingMu.Unlock()
}

// send issues a browser-scoped command and waits for its response.
func (w *TargetWatcher) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	id := w.seq.Add(1)
	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	ch := make(chan json.RawMessage, 1)
	w.pendingMu.Lock()
	w.pending[id] = ch
	w.pendingMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		w.deletePending(id)
		return nil, fmt.Errorf("marshal: %w", err)
	}

	w.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	w.mu.Unlock()
	if err != nil {
		w.deletePending(id)
		return nil, fmt.Errorf("send: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		var envelope struct {
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(resp, &envelope) == nil && envelope.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, envelope.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		w.deletePending(id)
		return nil, ctx.Err()
	}
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (w *TargetWatcher) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
