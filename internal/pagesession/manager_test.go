package pagesession

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/browser/browsertest"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

func TestNavigateClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		err      error
		wantKind NavKind
		wantCode string
	}{
		{"proxy", 0, errors.New("page load error net::ERR_PROXY_CONNECTION_FAILED"), NavProxyFailure, types.CodeNavProxy},
		{"tunnel", 0, errors.New("net::ERR_TUNNEL_CONNECTION_FAILED"), NavProxyFailure, types.CodeNavProxy},
		{"deadline", 0, fmt.Errorf("navigate: %w", context.DeadlineExceeded), NavTimeout, types.CodeNavTimeout},
		{"timeout_text", 0, errors.New("Navigation Timeout Exceeded"), NavTimeout, types.CodeNavTimeout},
		{"no_response", 0, nil, NavTimeout, types.CodeNavTimeout},
		{"rate_limited", 429, nil, NavRateLimited, types.CodeNavRateLimited},
		{"generic", 0, errors.New("net::ERR_NAME_NOT_RESOLVED"), NavGeneric, types.CodeNavFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := browsertest.NewSession("acct")
			tab := s.Primary()
			tab.NavigateStatus = tt.status
			tab.NavigateErr = tt.err

			err := New(s).Navigate(context.Background(), tab, "https://tieba.baidu.com")
			var navErr *NavError
			if !errors.As(err, &navErr) {
				t.Fatalf("Navigate() error = %v; want *NavError", err)
			}
			if navErr.Kind != tt.wantKind {
				t.Fatalf("Kind = %v; want %v", navErr.Kind, tt.wantKind)
			}
			if navErr.Code() != tt.wantCode {
				t.Fatalf("Code() = %q; want %q", navErr.Code(), tt.wantCode)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("Navigate() error does not wrap %v", tt.err)
			}
		})
	}
}

func TestNavigateSuccess(t *testing.T) {
	s := browsertest.NewSession("acct")
	tab := s.Primary()
	if err := New(s).Navigate(context.Background(), tab, "https://tieba.baidu.com"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if got := tab.URL(); got != "https://tieba.baidu.com" {
		t.Fatalf("URL() = %q; want navigated URL", got)
	}
}

func TestPopupWatchObserved(t *testing.T) {
	s := browsertest.NewSession("acct")
	m := New(s)

	w := m.WatchPopup()
	popup := s.OpenPopup("https://tieba.baidu.com/f?kw=go")

	got, err := w.Resolve(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ID() != popup.ID() {
		t.Fatalf("Resolve() = %s; want %s", got.ID(), popup.ID())
	}
	if n := s.TabObservers(); n != 0 {
		t.Fatalf("TabObservers() = %d after resolve; want 0", n)
	}
}

func TestPopupWatchFallsBackToLastTab(t *testing.T) {
	s := browsertest.NewSession("acct")
	m := New(s)

	w := m.WatchPopup()
	s.OpenSilentTab("https://tieba.baidu.com/f?kw=a")
	last := s.OpenSilentTab("https://tieba.baidu.com/f?kw=b")

	got, err := w.Resolve(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ID() != last.ID() {
		t.Fatalf("Resolve() = %s; want last tab %s", got.ID(), last.ID())
	}
}

func TestPopupWatchWaitsForAttachingTab(t *testing.T) {
	s := browsertest.NewSession("acct")
	w := New(s, WithAttachWait(2*time.Second)).WatchPopup()
	s.SetAttaching(1)

	opened := make(chan *browsertest.Tab, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		popup := s.OpenPopup("https://tieba.baidu.com/f?kw=slow")
		s.SetAttaching(0)
		opened <- popup
	}()

	got, err := w.Resolve(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if popup := <-opened; got.ID() != popup.ID() {
		t.Fatalf("Resolve() = %s; want the late popup %s", got.ID(), popup.ID())
	}
}

func TestPopupWatchAttachWaitExpires(t *testing.T) {
	s := browsertest.NewSession("acct")
	w := New(s, WithAttachWait(60*time.Millisecond)).WatchPopup()
	s.SetAttaching(1)

	start := time.Now()
	_, err := w.Resolve(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrNoNewTab) {
		t.Fatalf("Resolve() error = %v; want %v", err, ErrNoNewTab)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Resolve() took %v; want the attach wait to bound it", elapsed)
	}
}

func TestPopupWatchNoNewTab(t *testing.T) {
	s := browsertest.NewSession("acct")
	w := New(s).WatchPopup()

	_, err := w.Resolve(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrNoNewTab) {
		t.Fatalf("Resolve() error = %v; want %v", err, ErrNoNewTab)
	}
	if err.Error() != "no new tab opened" {
		t.Fatalf("Error() = %q", err.Error())
	}
	w.Stop()
	if n := s.TabObservers(); n != 0 {
		t.Fatalf("TabObservers() = %d; want 0", n)
	}
}

func TestCloseTabPromotesPrimary(t *testing.T) {
	s := browsertest.NewSession("acct")
	m := New(s)
	first := s.Primary()
	second := s.OpenSilentTab("https://tieba.baidu.com/f?kw=a")

	if err := m.CloseTab(context.Background(), first); err != nil {
		t.Fatalf("CloseTab(primary) error = %v", err)
	}
	primary, err := m.Primary(context.Background())
	if err != nil {
		t.Fatalf("Primary() error = %v", err)
	}
	if primary.ID() != second.ID() {
		t.Fatalf("Primary() = %s; want promoted %s", primary.ID(), second.ID())
	}

	if err := m.CloseTab(context.Background(), second); !errors.Is(err, ErrLastTab) {
		t.Fatalf("CloseTab(last) error = %v; want %v", err, ErrLastTab)
	}
	if second.Closed() {
		t.Fatal("last tab was closed")
	}
}

func TestCloseTabKeepsPrimaryFirst(t *testing.T) {
	s := browsertest.NewSession("acct")
	m := New(s)
	popup := s.OpenSilentTab("https://tieba.baidu.com/f?kw=a")

	if err := m.CloseTab(context.Background(), popup); err != nil {
		t.Fatalf("CloseTab() error = %v", err)
	}
	tabs, err := m.Tabs(context.Background())
	if err != nil {
		t.Fatalf("Tabs() error = %v", err)
	}
	if len(tabs) != 1 || tabs[0].ID() != s.Primary().ID() {
		t.Fatalf("Tabs() = %d tabs; want only the primary", len(tabs))
	}
}

func TestCloseTabError(t *testing.T) {
	s := browsertest.NewSession("acct")
	popup := s.OpenSilentTab("about:blank")
	popup.CloseErr = browser.ErrTabClosed

	if err := New(s).CloseTab(context.Background(), popup); !errors.Is(err, browser.ErrTabClosed) {
		t.Fatalf("CloseTab() error = %v; want wrapped %v", err, browser.ErrTabClosed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	s := browsertest.NewSession("acct")
	m := New(s)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v; want nil", err)
	}
	if s.CloseCalls() != 1 {
		t.Fatalf("CloseCalls() = %d; want 1", s.CloseCalls())
	}
	if !strings.Contains(buf.String(), "browser already closed") {
		t.Fatalf("log = %q; want already-closed warning", buf.String())
	}
}

func TestCloseExternallyClosedSession(t *testing.T) {
	s := browsertest.NewSession("acct")
	_ = s.Close(context.Background())

	if err := New(s).Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v; want nil", err)
	}
}
