package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
)

const (
	attachTimeout   = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

// ChromeConfig configures how sessions reach a Chromium instance.
type ChromeConfig struct {
	// Endpoint is a remote browser endpoint (ws:// or http://). When empty a
	// local Chromium is launched with a per-account profile.
	Endpoint    string
	DataDir     string
	ProjectName string
	CDPAddress  string
	CDPPort     int
	Width       int
	Height      int
	Headless    bool
	Stealth     bool
}

// ChromeProvider launches chromedp-backed sessions.
type ChromeProvider struct {
	cfg ChromeConfig
}

func NewChromeProvider(cfg ChromeConfig) *ChromeProvider {
	if cfg.ProjectName == "" {
		cfg.ProjectName = "tieba"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	return &ChromeProvider{cfg: cfg}
}

// ProfileDir returns the persistent profile directory for an account.
func (p *ChromeProvider) ProfileDir(accountID string) string {
	return filepath.Join(p.cfg.DataDir, p.cfg.ProjectName, accountID)
}

// RemoteURL decorates the remote endpoint with the launch parameters the
// remote browser service understands.
func (p *ChromeProvider) RemoteURL(accountID string) (string, error) {
	u, err := url.Parse(p.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse browser endpoint: %w", err)
	}
	q := u.Query()
	if p.cfg.Stealth {
		q.Set("stealth", "true")
	}
	if p.cfg.Headless {
		q.Set("headless", "true")
	} else {
		q.Set("headless", "false")
	}
	q.Set("--window-size", fmt.Sprintf("%d,%d", p.cfg.Width, p.cfg.Height))
	q.Set("--user-data-dir", p.ProfileDir(accountID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *ChromeProvider) Launch(ctx context.Context, accountID string) (Session, error) {
	var (
		launcher *Launcher
		allocURL string
		opts     []chromedp.RemoteAllocatorOption
	)

	if p.cfg.Endpoint != "" {
		u, err := p.RemoteURL(accountID)
		if err != nil {
			return nil, err
		}
		allocURL = u
		if strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") {
			opts = append(opts, chromedp.NoModifyURL)
		}
		slog.Info("connecting to remote browser", "endpoint", truncateURL(p.cfg.Endpoint), "account_id", accountID)
	} else {
		launcher = NewLauncher(LaunchConfig{
			CDPAddress: p.cfg.CDPAddress,
			CDPPort:    p.cfg.CDPPort,
			ProfileDir: p.ProfileDir(accountID),
			Width:      p.cfg.Width,
			Height:     p.cfg.Height,
			Headless:   p.cfg.Headless,
		})
		if err := launcher.Launch(ctx); err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		allocURL = launcher.CDPURL()
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), allocURL, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		accountID:     accountID,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		launcher:      launcher,
		registry:      NewTabRegistry(),
	}
	if p.cfg.Stealth {
		s.script = stealth.JS
	}

	primary := newChromeTab(browserCtx, nil)
	if err := primary.init(ctx, s.script); err != nil {
		s.teardown()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	s.registry.Register(primary.id, primary)

	chromedp.ListenBrowser(browserCtx, s.handleBrowserEvent)
	if err := primary.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	})); err != nil {
		s.teardown()
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}

	slog.Info("browser session ready", "account_id", accountID, "primary_tab", primary.ID(), "stealth", s.script != "")
	return s, nil
}

func (p *ChromeProvider) Close(ctx context.Context, s Session) error {
	return s.Close(ctx)
}

// chromeSession is a Session over one chromedp browser connection.
type chromeSession struct {
	accountID string
	script    string

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	launcher      *Launcher

	registry *TabRegistry
	created  listeners[Tab]
	attachMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (s *chromeSession) AccountID() string { return s.accountID }

func (s *chromeSession) Tabs(ctx context.Context) ([]Tab, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	open := s.registry.Open()
	out := make([]Tab, 0, len(open))
	for _, t := range open {
		out = append(out, t)
	}
	return out, nil
}

func (s *chromeSession) OnTabCreated(fn func(Tab)) func() {
	return s.created.add(fn)
}

func (s *chromeSession) Attaching() int {
	return s.registry.Pending()
}

func (s *chromeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *chromeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(s.browserCtx, shutdownTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdpbrowser.Close().Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	}))
	if err != nil {
		slog.Debug("browser close command failed", "account_id", s.accountID, "error", err)
	}

	s.teardown()
	slog.Info("browser session closed", "account_id", s.accountID)
	return nil
}

func (s *chromeSession) teardown() {
	for _, t := range s.registry.All() {
		t.markClosed()
	}
	s.browserCancel()
	s.allocCancel()
	if s.launcher != nil {
		s.launcher.Stop()
	}
}

// handleBrowserEvent runs on the chromedp event loop and must not block.
func (s *chromeSession) handleBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		info := e.TargetInfo
		if info == nil || info.Type != "page" || info.OpenerID == "" {
			return
		}
		s.registry.MarkPending(info.TargetID)
		go s.adopt(info.TargetID, info.URL)
	case *target.EventTargetDestroyed:
		go s.forget(e.TargetID)
	}
}

// adopt attaches to a page opened by one of the session's tabs.
func (s *chromeSession) adopt(id target.ID, openURL string) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	if s.Closed() || s.registry.Has(id) {
		s.registry.ClearPending(id)
		return
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(id))
	tab := newChromeTab(tabCtx, tabCancel)
	tab.setURL(openURL)

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	if err := tab.init(ctx, s.script); err != nil {
		tabCancel()
		s.registry.ClearPending(id)
		slog.Warn("failed to attach to new tab", "target_id", id, "url", truncateURL(openURL), "error", err)
		return
	}

	s.registry.Register(id, tab)
	slog.Debug("attached to new tab", "target_id", id, "url", truncateURL(openURL))
	s.created.emit(tab)
}

func (s *chromeSession) forget(id target.ID) {
	if tab, ok := s.registry.Remove(id); ok {
		tab.markClosed()
		slog.Debug("tab destroyed", "target_id", id)
	}
}
