package relay

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/capture"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

const (
	maxRelayedBody  = 4096
	bodyReadTimeout = 10 * time.Second
	maxBodyReads    = 4
)

// Traffic is the data of a FeedTraffic event.
type Traffic struct {
	Feed         string `json:"feed"`
	TabID        string `json:"tab_id"`
	Direction    string `json:"direction"`
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	Status       int    `json:"status,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Body         string `json:"body,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
	BodySkipped  bool   `json:"body_skipped,omitempty"`
}

// Tap publishes tab traffic that matches a configured feed to a Broker.
type Tap struct {
	cfg    *RelayConfig
	broker *Broker
	reads  *semaphore.Weighted
}

// NewTap creates a tap. A nil cfg uses DefaultConfig.
func NewTap(cfg *RelayConfig, broker *Broker) *Tap {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	slog.Info("relay configured", "feeds", len(cfg.Feeds))
	return &Tap{cfg: cfg, broker: broker, reads: semaphore.NewWeighted(maxBodyReads)}
}

// Attach starts relaying tab's traffic and returns the function that stops it.
func (t *Tap) Attach(runID string, tab browser.Tab) func() {
	offReq := tab.OnRequest(func(req types.Request) {
		feed, ok := t.feedFor(req.URL, req.ResourceType)
		if !ok {
			return
		}
		t.broker.Publish(NewEvent(FeedTraffic, "request", runID, Traffic{
			Feed:         feed.Name,
			TabID:        tab.ID(),
			Direction:    "request",
			URL:          req.URL,
			Method:       req.Method,
			ResourceType: req.ResourceType,
		}))
	})
	offResp := tab.OnResponse(func(resp types.Response) {
		feed, ok := t.feedFor(resp.URL, resp.ResourceType)
		if !ok || resp.Failed {
			return
		}
		tr := Traffic{
			Feed:         feed.Name,
			TabID:        tab.ID(),
			Direction:    "response",
			URL:          resp.URL,
			Status:       resp.Status,
			ResourceType: resp.ResourceType,
		}
		if !feed.IncludeBody || resp.IsRedirect() {
			t.broker.Publish(NewEvent(FeedTraffic, "response", runID, tr))
			return
		}
		// At most maxBodyReads fetches in flight; overflow is relayed bodyless.
		if !t.reads.TryAcquire(1) {
			tr.BodySkipped = true
			t.broker.Publish(NewEvent(FeedTraffic, "response", runID, tr))
			return
		}
		go func() {
			defer t.reads.Release(1)
			t.publishWithBody(runID, resp, tr)
		}()
	})
	return func() {
		offReq()
		offResp()
	}
}

func (t *Tap) publishWithBody(runID string, resp types.Response, tr Traffic) {
	ctx, cancel := context.WithTimeout(context.Background(), bodyReadTimeout)
	defer cancel()
	body, err := resp.Body(ctx)
	if err != nil {
		slog.Debug("relay: body unavailable", "url", resp.URL, "error", err)
	}
	p := capture.PreviewOf(body, maxRelayedBody)
	tr.Body = p.Text
	tr.Truncated = p.Truncated
	t.broker.Publish(NewEvent(FeedTraffic, "response", runID, tr))
}

func (t *Tap) feedFor(url, resourceType string) (FeedConfig, bool) {
	for _, f := range t.cfg.Feeds {
		if f.matches(url, resourceType) {
			return f, true
		}
	}
	return FeedConfig{}, false
}
