package capture

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

const bodyPreviewBytes = 256

// Match selects traffic by URL prefix and an optional marker substring.
// An empty URLPrefix matches the first qualifying event of any URL.
type Match struct {
	URLPrefix string
	Marker    string
}

func (m Match) matchesURL(u string) bool {
	return m.URLPrefix == "" || strings.HasPrefix(u, m.URLPrefix)
}

// RequestCapture is the header set and decoded body of a matched request.
type RequestCapture struct {
	Headers map[string]string `json:"headers"`
	Payload string            `json:"payload"`
}

// Subscription is a one-shot wait for a matching event. It resolves at most
// once and detaches from the tab as soon as it resolves or is cancelled.
type Subscription[T any] struct {
	result chan T
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	done bool
	off  func()
}

func newSubscription[T any]() *Subscription[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription[T]{result: make(chan T, 1), ctx: ctx, cancel: cancel}
}

func (s *Subscription[T]) attach(off func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		off()
		return
	}
	s.off = off
	s.mu.Unlock()
}

// finish marks the subscription done and reports whether this call won.
func (s *Subscription[T]) finish() bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.done = true
	off := s.off
	s.off = nil
	s.mu.Unlock()

	s.cancel()
	if off != nil {
		off()
	}
	return true
}

func (s *Subscription[T]) resolve(v T) {
	if s.finish() {
		s.result <- v
	}
}

// Wait blocks until the subscription resolves or ctx ends. Waiting does
// not cancel the subscription; call Cancel when giving up on it.
func (s *Subscription[T]) Wait(ctx context.Context) (T, error) {
	select {
	case v := <-s.result:
		s.result <- v
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel detaches the subscription. It is safe to call more than once and
// after resolution.
func (s *Subscription[T]) Cancel() {
	s.finish()
}

// Done reports whether the subscription has resolved or been cancelled.
func (s *Subscription[T]) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Correlator matches tab traffic against a caller's criteria and resolves
// with the first match.
type Correlator struct {
	hijackPrefixes []string
}

func NewCorrelator() *Correlator {
	return &Correlator{hijackPrefixes: DefaultHijackPrefixes}
}

// SubscribeResponse starts watching tab for a response matching m. The
// resolved value is the JSON body text for prefix matches, the raw body
// when no prefix is set, and "" for redirects or unreadable bodies.
//
// Bodies are fetched concurrently but judged in arrival order, so the
// earliest matching response wins even when a later body loads first.
func (c *Correlator) SubscribeResponse(tab browser.Tab, m Match) *Subscription[string] {
	sub := newSubscription[string]()
	var mu sync.Mutex
	prev := make(chan struct{})
	close(prev)
	sub.attach(tab.OnResponse(func(resp types.Response) {
		if resp.Failed || !m.matchesURL(resp.URL) {
			return
		}
		mu.Lock()
		turn, next := prev, make(chan struct{})
		prev = next
		mu.Unlock()
		if resp.IsRedirect() {
			go func() {
				defer close(next)
				if waitTurn(sub.ctx, turn) {
					sub.resolve("")
				}
			}()
			return
		}
		go func() {
			defer close(next)
			c.inspect(sub, resp, m, turn)
		}()
	}))
	return sub
}

// waitTurn blocks until the previous response has been judged and reports
// whether the subscription is still open.
func waitTurn(ctx context.Context, turn <-chan struct{}) bool {
	select {
	case <-turn:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// inspect reads the body off the event loop and resolves on a match.
func (c *Correlator) inspect(sub *Subscription[string], resp types.Response, m Match, turn <-chan struct{}) {
	body, err := resp.Body(sub.ctx)
	if !waitTurn(sub.ctx, turn) {
		return
	}
	if err != nil {
		if m.URLPrefix == "" || m.Marker == "" {
			sub.resolve("")
			return
		}
		slog.Debug("response body unavailable", "url", resp.URL, "error", err)
		return
	}
	text := string(body)
	if m.URLPrefix == "" {
		sub.resolve(text)
		return
	}
	if m.Marker != "" && !strings.Contains(text, m.Marker) {
		return
	}
	normalized, ok := normalizeJSON(text, c.hijackPrefixes)
	if !ok {
		p := PreviewOf([]byte(text), bodyPreviewBytes)
		slog.Warn("matched response is not JSON",
			"url", resp.URL,
			"body_preview", p.Text,
			"truncated", p.Truncated,
			"size", p.Size,
		)
		return
	}
	sub.resolve(normalized)
}

// AwaitResponse subscribes and waits in one call.
func (c *Correlator) AwaitResponse(ctx context.Context, tab browser.Tab, m Match) (string, error) {
	sub := c.SubscribeResponse(tab, m)
	defer sub.Cancel()
	return sub.Wait(ctx)
}

// SubscribeRequest starts watching tab for a request matching m. The
// marker, when set, must appear in the request body.
func (c *Correlator) SubscribeRequest(tab browser.Tab, m Match) *Subscription[RequestCapture] {
	sub := newSubscription[RequestCapture]()
	sub.attach(tab.OnRequest(func(req types.Request) {
		if !m.matchesURL(req.URL) {
			return
		}
		if m.URLPrefix != "" && m.Marker != "" && !strings.Contains(req.PostData, m.Marker) {
			return
		}
		headers := make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
		sub.resolve(RequestCapture{Headers: headers, Payload: decodePayload(req.PostData)})
	}))
	return sub
}

// AwaitRequest subscribes and waits in one call.
func (c *Correlator) AwaitRequest(ctx context.Context, tab browser.Tab, m Match) (RequestCapture, error) {
	sub := c.SubscribeRequest(tab, m)
	defer sub.Cancel()
	return sub.Wait(ctx)
}

// decodePayload percent-decodes a form body. '+' is kept as is.
func decodePayload(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}
