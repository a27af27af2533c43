// Package notify posts sign-in run summaries to an ntfy-style endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNoEndpoint is returned when no endpoint is configured.
var ErrNoEndpoint = errors.New("notification endpoint not configured")

// Summary is the part of a run result worth notifying about.
type Summary struct {
	AccountID     string
	Success       bool
	Message       string
	Succeeded     int
	Attempted     int
	AlreadySigned int
	DurationMS    int64
}

// Message renders s as a one-line plain text notification.
func (s Summary) Message() string {
	status := "failed"
	if s.Success {
		status = "succeeded"
	}
	msg := fmt.Sprintf("tieba sign-in for %s %s: %s", s.AccountID, status, s.Message)
	if s.Attempted > 0 || s.AlreadySigned > 0 {
		msg += fmt.Sprintf(" (signed %d/%d, already signed %d)", s.Succeeded, s.Attempted, s.AlreadySigned)
	}
	return msg + fmt.Sprintf(" in %.1fs", float64(s.DurationMS)/1000)
}

// Notifier sends summaries to a fixed endpoint.
type Notifier struct {
	Endpoint string
	Client   *http.Client
}

// SendSummary posts s.Message() to the notifier's endpoint.
func (n *Notifier) SendSummary(ctx context.Context, s Summary) error {
	return Send(ctx, n.Client, n.Endpoint, s.Message())
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
