// Package pagesession tracks the tabs of one browser session: which tab is
// primary, which popup a click opened, and how tabs and the session close.
package pagesession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
)

const (
	DefaultNavTimeout = 5 * time.Minute
	// DefaultAttachWait bounds how long Resolve waits on a tab that opened
	// but is still attaching.
	DefaultAttachWait = 20 * time.Second

	attachPoll = 50 * time.Millisecond
)

var (
	// ErrNoNewTab means a click that should open a popup opened nothing.
	ErrNoNewTab = errors.New("no new tab opened")
	// ErrLastTab is returned when closing the only open tab.
	ErrLastTab = errors.New("cannot close the last open tab")
)

// Option configures a Manager.
type Option func(*Manager)

// WithNavTimeout overrides DefaultNavTimeout.
func WithNavTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.navTimeout = d
		}
	}
}

// WithAttachWait overrides DefaultAttachWait.
func WithAttachWait(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.attachWait = d
		}
	}
}

// Manager owns the tabs of one session.
type Manager struct {
	session    browser.Session
	navTimeout time.Duration
	attachWait time.Duration

	mu        sync.Mutex
	primaryID string
	closed    bool
}

func New(session browser.Session, opts ...Option) *Manager {
	m := &Manager{session: session, navTimeout: DefaultNavTimeout, attachWait: DefaultAttachWait}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the managed session.
func (m *Manager) Session() browser.Session { return m.session }

// Tabs returns the open tabs with the primary tab first.
func (m *Manager) Tabs(ctx context.Context) ([]browser.Tab, error) {
	tabs, err := m.session.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	if len(tabs) == 0 {
		return nil, browser.ErrSessionClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := 0
	for i, t := range tabs {
		if t.ID() == m.primaryID {
			idx = i
			break
		}
	}
	m.primaryID = tabs[idx].ID()
	if idx == 0 {
		return tabs, nil
	}
	out := make([]browser.Tab, 0, len(tabs))
	out = append(out, tabs[idx])
	out = append(out, tabs[:idx]...)
	return append(out, tabs[idx+1:]...), nil
}

// Primary returns the primary tab.
func (m *Manager) Primary(ctx context.Context) (browser.Tab, error) {
	tabs, err := m.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	return tabs[0], nil
}

// CloseTab closes tab. Closing the primary tab promotes the next open tab
// first; the last open tab is never closed.
func (m *Manager) CloseTab(ctx context.Context, tab browser.Tab) error {
	tabs, err := m.Tabs(ctx)
	if err != nil {
		return err
	}
	if len(tabs) == 1 && tabs[0].ID() == tab.ID() {
		return ErrLastTab
	}

	if tabs[0].ID() == tab.ID() {
		next := tabs[1]
		m.mu.Lock()
		m.primaryID = next.ID()
		m.mu.Unlock()
		slog.Info("primary tab promoted", "from", tab.ID(), "to", next.ID())
	}

	if err := tab.Close(ctx); err != nil {
		return fmt.Errorf("close tab %s: %w", tab.ID(), err)
	}
	return nil
}

// Close shuts the session down. Closing twice only logs a warning.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()

	if already || m.session.Closed() {
		slog.Warn("browser already closed", "account_id", m.session.AccountID())
		return nil
	}
	if err := m.session.Close(ctx); err != nil {
		if errors.Is(err, browser.ErrSessionClosed) {
			slog.Warn("browser already closed", "account_id", m.session.AccountID())
			return nil
		}
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// PopupWatch captures the first tab a page opens after the watch starts.
type PopupWatch struct {
	m      *Manager
	opened chan browser.Tab

	once sync.Once
	off  func()
}

// WatchPopup starts listening for a popup. Install it before the click
// that opens the popup and Stop it when done.
func (m *Manager) WatchPopup() *PopupWatch {
	w := &PopupWatch{m: m, opened: make(chan browser.Tab, 1)}
	w.off = m.session.OnTabCreated(func(t browser.Tab) {
		select {
		case w.opened <- t:
		default:
		}
	})
	return w
}

// Resolve returns the observed popup, waiting up to grace for it. A tab
// still attaching when grace ends extends the wait up to the attach wait.
// Without a popup it falls back to the most recent open tab other than
// the primary.
func (w *PopupWatch) Resolve(ctx context.Context, grace time.Duration) (browser.Tab, error) {
	defer w.Stop()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case t := <-w.opened:
		if !t.Closed() {
			return t, nil
		}
	case <-timer.C:
		if t, err := w.awaitAttaching(ctx); t != nil || err != nil {
			return t, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tabs, err := w.m.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	if len(tabs) < 2 {
		return nil, ErrNoNewTab
	}
	slog.Debug("popup event missed, using last open tab", "tab_id", tabs[len(tabs)-1].ID())
	return tabs[len(tabs)-1], nil
}

// awaitAttaching waits for a tab that is still attaching. It returns nil
// and no error once nothing is attaching or the attach wait runs out.
func (w *PopupWatch) awaitAttaching(ctx context.Context) (browser.Tab, error) {
	if w.m.session.Attaching() == 0 {
		return nil, nil
	}
	slog.Debug("popup still attaching, waiting", "account_id", w.m.session.AccountID())

	deadline := time.NewTimer(w.m.attachWait)
	defer deadline.Stop()
	poll := time.NewTicker(attachPoll)
	defer poll.Stop()
	for {
		select {
		case t := <-w.opened:
			if !t.Closed() {
				return t, nil
			}
		case <-poll.C:
			if w.m.session.Attaching() == 0 {
				select {
				case t := <-w.opened:
					if !t.Closed() {
						return t, nil
					}
				default:
				}
				return nil, nil
			}
		case <-deadline.C:
			slog.Warn("popup attach did not finish", "wait", w.m.attachWait)
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stop detaches the popup listener. Safe to call more than once.
func (w *PopupWatch) Stop() {
	w.once.Do(w.off)
}
