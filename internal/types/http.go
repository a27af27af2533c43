package types

import (
	"context"
	"errors"
	"time"
)

// ErrNoBody is returned when a response carries no retrievable body.
var ErrNoBody = errors.New("response body unavailable")

// Request is an outgoing request observed on a tab.
type Request struct {
	Timestamp    time.Time         `json:"timestamp"`
	RequestID    string            `json:"request_id"`
	TabID        string            `json:"tab_id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	ResourceType string            `json:"resource_type"`
	Headers      map[string]string `json:"headers,omitempty"`
	PostData     string            `json:"post_data,omitempty"`
}

// Response is a completed (or failed) response observed on a tab.
// Redirect hops are delivered as responses with a 3xx status and no body.
type Response struct {
	Timestamp    time.Time         `json:"timestamp"`
	RequestID    string            `json:"request_id"`
	TabID        string            `json:"tab_id"`
	URL          string            `json:"url"`
	Status       int               `json:"status"`
	StatusText   string            `json:"status_text,omitempty"`
	ResourceType string            `json:"resource_type"`
	Headers      map[string]string `json:"headers,omitempty"`
	Failed       bool              `json:"failed,omitempty"`

	// BodyFunc fetches the body lazily. Nil for redirects and failed loads.
	BodyFunc func(ctx context.Context) ([]byte, error) `json:"-"`
}

// Body reads the response body.
func (r Response) Body(ctx context.Context) ([]byte, error) {
	if r.BodyFunc == nil {
		return nil, ErrNoBody
	}
	return r.BodyFunc(ctx)
}

// IsRedirect reports whether the response is a 3xx hop.
func (r Response) IsRedirect() bool {
	return r.Status >= 300 && r.Status < 400
}
