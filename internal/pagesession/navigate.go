package pagesession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

// NavKind classifies a failed navigation.
type NavKind int

const (
	NavGeneric NavKind = iota
	NavProxyFailure
	NavTimeout
	NavRateLimited
)

func (k NavKind) String() string {
	switch k {
	case NavProxyFailure:
		return "proxy_failure"
	case NavTimeout:
		return "timeout"
	case NavRateLimited:
		return "rate_limited"
	default:
		return "generic"
	}
}

// proxyErrorMarkers are network error names reported when the configured
// proxy cannot carry the request.
var proxyErrorMarkers = []string{
	"ERR_PROXY_CONNECTION_FAILED",
	"ERR_TUNNEL_CONNECTION_FAILED",
	"ERR_PROXY_CERTIFICATE_INVALID",
	"ERR_NO_SUPPORTED_PROXIES",
	"ERR_PROXY_AUTH_UNSUPPORTED",
	"ERR_MANDATORY_PROXY_CONFIGURATION_FAILED",
	"ERR_SOCKS_CONNECTION_FAILED",
}

// NavError is a classified navigation failure.
type NavError struct {
	Kind   NavKind
	URL    string
	Status int
	Err    error
}

func (e *NavError) Error() string {
	var msg string
	switch e.Kind {
	case NavProxyFailure:
		msg = "proxy failure"
	case NavTimeout:
		msg = "page load timed out"
	case NavRateLimited:
		msg = "rate limited"
	default:
		msg = "failed to open page"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *NavError) Unwrap() error { return e.Err }

// Code returns the API error code for the failure kind.
func (e *NavError) Code() string {
	switch e.Kind {
	case NavProxyFailure:
		return types.CodeNavProxy
	case NavTimeout:
		return types.CodeNavTimeout
	case NavRateLimited:
		return types.CodeNavRateLimited
	default:
		return types.CodeNavFailed
	}
}

// classifyNavError maps a driver error onto a NavKind.
func classifyNavError(err error) NavKind {
	msg := err.Error()
	for _, marker := range proxyErrorMarkers {
		if strings.Contains(msg, marker) {
			return NavProxyFailure
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(msg), "timeout") {
		return NavTimeout
	}
	return NavGeneric
}

// Navigate loads url in tab within the manager's navigation timeout and
// returns a *NavError on any failure.
func (m *Manager) Navigate(ctx context.Context, tab browser.Tab, url string) error {
	ctx, cancel := context.WithTimeout(ctx, m.navTimeout)
	defer cancel()

	start := time.Now()
	status, err := tab.Navigate(ctx, url)
	var navErr *NavError
	switch {
	case err != nil:
		navErr = &NavError{Kind: classifyNavError(err), URL: url, Err: err}
	case status == 0:
		navErr = &NavError{Kind: NavTimeout, URL: url}
	case status == http.StatusTooManyRequests:
		navErr = &NavError{Kind: NavRateLimited, URL: url, Status: status}
	}
	if navErr != nil {
		slog.Error("navigation failed",
			"tab_id", tab.ID(),
			"url", url,
			"kind", navErr.Kind.String(),
			"status", status,
			"error", err,
		)
		return navErr
	}

	slog.Info("page opened",
		"tab_id", tab.ID(),
		"url", url,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
