package storage

import (
	"log/slog"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

// TrafficRecord is one captured request or response.
type TrafficRecord struct {
	Time         time.Time `json:"time"`
	RunID        string    `json:"run_id"`
	TabID        string    `json:"tab_id"`
	Direction    string    `json:"direction"`
	URL          string    `json:"url"`
	Method       string    `json:"method,omitempty"`
	Status       int       `json:"status,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	Failed       bool      `json:"failed,omitempty"`
	PostData     string    `json:"post_data,omitempty"`
}

// TrafficRecorder writes every request and response of attached tabs to
// <date>/<page path>/traffic/<tab>.jsonl.
type TrafficRecorder struct {
	registry *WriterRegistry
}

func NewTrafficRecorder(registry *WriterRegistry) *TrafficRecorder {
	return &TrafficRecorder{registry: registry}
}

// Attach starts recording tab and returns the function that stops it.
func (t *TrafficRecorder) Attach(runID string, tab browser.Tab) func() {
	offReq := tab.OnRequest(func(req types.Request) {
		t.write(tab, TrafficRecord{
			Time:         req.Timestamp,
			RunID:        runID,
			TabID:        tab.ID(),
			Direction:    "request",
			URL:          req.URL,
			Method:       req.Method,
			ResourceType: req.ResourceType,
			PostData:     req.PostData,
		})
	})
	offResp := tab.OnResponse(func(resp types.Response) {
		t.write(tab, TrafficRecord{
			Time:         resp.Timestamp,
			RunID:        runID,
			TabID:        tab.ID(),
			Direction:    "response",
			URL:          resp.URL,
			Status:       resp.Status,
			ResourceType: resp.ResourceType,
			Failed:       resp.Failed,
		})
	})
	return func() {
		offReq()
		offResp()
	}
}

func (t *TrafficRecorder) write(tab browser.Tab, rec TrafficRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	segment, err := TransformURLToPathSegment(tab.URL())
	if err != nil {
		segment = "unknown"
	}
	if err := t.registry.GetWriter(segment, KindTraffic, ShortTabID(tab.ID())).Write(rec); err != nil {
		slog.Debug("traffic record dropped", "tab_id", tab.ID(), "direction", rec.Direction, "url", rec.URL, "error", err)
	}
}
