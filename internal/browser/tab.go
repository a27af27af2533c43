package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

const (
	bodyFetchTimeout  = 10 * time.Second
	pendingStaleAfter = 5 * time.Minute
	screenshotQuality = 99
)

type pendingRequest struct {
	url          string
	resourceType string
	status       int
	statusText   string
	headers      map[string]string
	seen         time.Time
}

// chromeTab is a Tab backed by a chromedp target context.
type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc // nil when the context is owned by the session
	hub    *Hub

	mu      sync.RWMutex
	id      target.ID
	url     string
	closed  bool
	mouseX  float64
	mouseY  float64
	pending map[network.RequestID]*pendingRequest

	done chan struct{}
}

func newChromeTab(ctx context.Context, cancel context.CancelFunc) *chromeTab {
	return &chromeTab{
		ctx:     ctx,
		cancel:  cancel,
		hub:     NewHub(),
		pending: make(map[network.RequestID]*pendingRequest),
		done:    make(chan struct{}),
	}
}

// init subscribes to target events and enables the domains the tab relies on.
func (t *chromeTab) init(ctx context.Context, script string) error {
	chromedp.ListenTarget(t.ctx, t.handleEvent)

	actions := []chromedp.Action{network.Enable(), page.Enable()}
	if script != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	if err := t.run(ctx, actions...); err != nil {
		return fmt.Errorf("enable network/page domains: %w", err)
	}

	if c := chromedp.FromContext(t.ctx); c != nil && c.Target != nil {
		t.mu.Lock()
		t.id = c.Target.TargetID
		t.mu.Unlock()
	}
	go t.cleanupLoop()
	return nil
}

// run executes actions on the tab, bounded by both ctx and the tab lifetime.
func (t *chromeTab) run(ctx context.Context, actions ...chromedp.Action) error {
	if t.Closed() {
		return ErrTabClosed
	}
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var dlCancel context.CancelFunc
		runCtx, dlCancel = context.WithDeadline(runCtx, deadline)
		defer dlCancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (t *chromeTab) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return string(t.id)
}

func (t *chromeTab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

func (t *chromeTab) setURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

func (t *chromeTab) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *chromeTab) Navigate(ctx context.Context, url string) (int, error) {
	if t.Closed() {
		return 0, ErrTabClosed
	}
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var dlCancel context.CancelFunc
		runCtx, dlCancel = context.WithDeadline(runCtx, deadline)
		defer dlCancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	t.setURL(resp.URL)
	return int(resp.Status), nil
}

func (t *chromeTab) Reload(ctx context.Context) error {
	return t.run(ctx, chromedp.Reload())
}

func (t *chromeTab) Search(ctx context.Context, xpath string) ([]Element, error) {
	var nodes []*cdp.Node
	if err := t.run(ctx, chromedp.Nodes(xpath, &nodes, chromedp.BySearch, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &chromeElement{tab: t, node: n})
	}
	return out, nil
}

const textsByXPathJS = `(function(xpaths) {
  const out = [];
  for (const xp of xpaths) {
    let node = null;
    try {
      node = document.evaluate(xp, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
    } catch (e) {
      node = null;
    }
    if (node) {
      out.push((node.textContent || '').trim());
    }
  }
  return out;
})(%s)`

func (t *chromeTab) TextsByXPath(ctx context.Context, xpaths []string) ([]string, error) {
	if len(xpaths) == 0 {
		return []string{}, nil
	}
	arg, err := json.Marshal(xpaths)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := t.run(ctx, chromedp.Evaluate(fmt.Sprintf(textsByXPathJS, arg), &out)); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *chromeTab) HTML(ctx context.Context) (string, error) {
	var html string
	err := t.run(ctx, chromedp.Evaluate(`document.documentElement.outerHTML`, &html))
	return html, err
}

func keyEvent(typ input.KeyType, key Key, mods Modifier) *input.DispatchKeyEventParams {
	p := input.DispatchKeyEvent(typ).
		WithKey(key.Key).
		WithCode(key.Code).
		WithWindowsVirtualKeyCode(key.KeyCode).
		WithModifiers(input.Modifier(mods))
	// Synthetic Ctrl+A does not trigger the editing command on its own.
	if typ == input.KeyDown && mods&ModCtrl != 0 && key.Code == KeyA.Code {
		p = p.WithCommands([]string{"selectAll"})
	}
	return p
}

func (t *chromeTab) KeyDown(ctx context.Context, key Key, mods Modifier) error {
	return t.run(ctx, keyEvent(input.KeyDown, key, mods))
}

func (t *chromeTab) KeyUp(ctx context.Context, key Key, mods Modifier) error {
	return t.run(ctx, keyEvent(input.KeyUp, key, mods))
}

func (t *chromeTab) TypeChar(ctx context.Context, ch string) error {
	return t.run(ctx, chromedp.KeyEvent(ch))
}

func (t *chromeTab) Wheel(ctx context.Context, deltaY float64) error {
	t.mu.RLock()
	x, y := t.mouseX, t.mouseY
	t.mu.RUnlock()
	return t.run(ctx, input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(0).WithDeltaY(deltaY))
}

func (t *chromeTab) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatWebp).
			WithQuality(screenshotQuality).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (t *chromeTab) OnRequest(fn func(types.Request)) func() { return t.hub.OnRequest(fn) }

func (t *chromeTab) OnResponse(fn func(types.Response)) func() { return t.hub.OnResponse(fn) }

func (t *chromeTab) Close(ctx context.Context) error {
	if t.Closed() {
		return nil
	}
	err := t.run(ctx, page.Close())
	t.markClosed()
	return err
}

// markClosed releases tab resources. Safe to call more than once.
func (t *chromeTab) markClosed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.pending = make(map[network.RequestID]*pendingRequest)
	t.mu.Unlock()

	close(t.done)
	t.hub.Close()
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *chromeTab) setMouse(x, y float64) {
	t.mu.Lock()
	t.mouseX, t.mouseY = x, y
	t.mu.Unlock()
}

func (t *chromeTab) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame.ParentID == "" {
			t.setURL(e.Frame.URL)
		}
	case *page.EventNavigatedWithinDocument:
		t.setURL(e.URL)
	case *network.EventRequestWillBeSent:
		t.onRequestWillBeSent(e)
	case *network.EventResponseReceived:
		t.onResponseReceived(e)
	case *network.EventLoadingFinished:
		t.onLoadingFinished(e)
	case *network.EventLoadingFailed:
		t.onLoadingFailed(e)
	}
}

func (t *chromeTab) onRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	tabID := t.ID()
	resourceType := strings.ToLower(string(ev.Type))

	t.mu.Lock()
	prev, hadPrev := t.pending[ev.RequestID]
	t.pending[ev.RequestID] = &pendingRequest{url: ev.Request.URL, resourceType: resourceType, seen: time.Now()}
	t.mu.Unlock()

	if ev.RedirectResponse != nil {
		redirectType := resourceType
		if hadPrev {
			redirectType = prev.resourceType
		}
		t.hub.Publish(types.Response{
			Timestamp:    time.Now().UTC(),
			RequestID:    string(ev.RequestID),
			TabID:        tabID,
			URL:          ev.RedirectResponse.URL,
			Status:       int(ev.RedirectResponse.Status),
			StatusText:   ev.RedirectResponse.StatusText,
			ResourceType: redirectType,
			Headers:      headerMapToStringMap(ev.RedirectResponse.Headers),
		})
	}

	t.hub.Publish(types.Request{
		Timestamp:    time.Now().UTC(),
		RequestID:    string(ev.RequestID),
		TabID:        tabID,
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: resourceType,
		Headers:      headerMapToStringMap(ev.Request.Headers),
		PostData:     decodePostData(ev.Request),
	})
}

func (t *chromeTab) onResponseReceived(ev *network.EventResponseReceived) {
	t.mu.Lock()
	if p, ok := t.pending[ev.RequestID]; ok {
		p.status = int(ev.Response.Status)
		p.statusText = ev.Response.StatusText
		p.headers = headerMapToStringMap(ev.Response.Headers)
		if ev.Type != "" {
			p.resourceType = strings.ToLower(string(ev.Type))
		}
	}
	t.mu.Unlock()
}

func (t *chromeTab) onLoadingFinished(ev *network.EventLoadingFinished) {
	t.mu.Lock()
	p, ok := t.pending[ev.RequestID]
	if ok {
		delete(t.pending, ev.RequestID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.hub.Publish(types.Response{
		Timestamp:    time.Now().UTC(),
		RequestID:    string(ev.RequestID),
		TabID:        t.ID(),
		URL:          p.url,
		Status:       p.status,
		StatusText:   p.statusText,
		ResourceType: p.resourceType,
		Headers:      p.headers,
		BodyFunc:     t.bodyFetcher(ev.RequestID),
	})
}

func (t *chromeTab) onLoadingFailed(ev *network.EventLoadingFailed) {
	t.mu.Lock()
	p, ok := t.pending[ev.RequestID]
	if ok {
		delete(t.pending, ev.RequestID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.hub.Publish(types.Response{
		Timestamp:    time.Now().UTC(),
		RequestID:    string(ev.RequestID),
		TabID:        t.ID(),
		URL:          p.url,
		Status:       p.status,
		StatusText:   ev.ErrorText,
		ResourceType: p.resourceType,
		Failed:       true,
	})
}

func (t *chromeTab) bodyFetcher(id network.RequestID) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		bodyCtx, cancel := context.WithTimeout(ctx, bodyFetchTimeout)
		defer cancel()

		var body []byte
		err := t.run(bodyCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			body, err = network.GetResponseBody(id).Do(ctx)
			return err
		}))
		return body, err
	}
}

func (t *chromeTab) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanupStale()
		case <-t.done:
			return
		}
	}
}

func (t *chromeTab) cleanupStale() {
	threshold := time.Now().Add(-pendingStaleAfter)

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pending {
		if p.seen.Before(threshold) {
			delete(t.pending, id)
		}
	}
}

func decodePostData(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var decoded []byte
	for _, entry := range req.PostDataEntries {
		if entry.Bytes == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			decoded = append(decoded, entry.Bytes...)
			continue
		}
		decoded = append(decoded, b...)
	}
	return string(decoded)
}

func headerMapToStringMap(headers map[string]any) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}

// chromeElement is an Element backed by a cdp.Node from a search.
type chromeElement struct {
	tab  *chromeTab
	node *cdp.Node
}

func (e *chromeElement) Click(ctx context.Context) error {
	if b, err := e.Box(ctx); err == nil {
		e.tab.setMouse(b.Center())
	}
	return e.tab.run(ctx, chromedp.MouseClickNode(e.node))
}

func (e *chromeElement) Hover(ctx context.Context) error {
	b, err := e.Box(ctx)
	if err != nil {
		return err
	}
	x, y := b.Center()
	if err := e.tab.run(ctx, input.DispatchMouseEvent(input.MouseMoved, x, y)); err != nil {
		return err
	}
	e.tab.setMouse(x, y)
	return nil
}

func (e *chromeElement) Box(ctx context.Context) (Box, error) {
	var model *dom.BoxModel
	err := e.tab.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		model, err = dom.GetBoxModel().WithNodeID(e.node.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return Box{}, err
	}
	if model == nil || len(model.Content) < 8 {
		return Box{}, fmt.Errorf("element has no layout box")
	}
	return quadBox(model.Content), nil
}

func quadBox(q dom.Quad) Box {
	minX, maxX := q[0], q[0]
	minY, maxY := q[1], q[1]
	for i := 2; i+1 < len(q); i += 2 {
		minX = min(minX, q[i])
		maxX = max(maxX, q[i])
		minY = min(minY, q[i+1])
		maxY = max(maxY, q[i+1])
	}
	return Box{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

func (e *chromeElement) Text(ctx context.Context) (string, error) {
	var text string
	err := e.tab.run(ctx, chromedp.TextContent([]cdp.NodeID{e.node.NodeID}, &text, chromedp.ByNodeID))
	if err != nil {
		slog.Debug("element text read failed", "tab_id", e.tab.ID(), "url", truncateURL(e.tab.URL()), "error", err)
		return "", err
	}
	return strings.TrimSpace(text), nil
}
