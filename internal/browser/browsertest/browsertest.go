// Package browsertest provides in-memory browser sessions for tests. Pages
// are modelled as a map from XPath expression to matching elements, so tests
// script exactly what each locator resolves to.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

// Element is a scripted DOM node.
type Element struct {
	Name    string
	Content string
	Layout  browser.Box

	// OnClick runs after the click is recorded. Use it to mutate the page,
	// open popups or emit traffic.
	OnClick  func(ctx context.Context, tab *Tab) error
	ClickErr error
	BoxErr   error

	mu      sync.Mutex
	tab     *Tab
	clicks  int
	hovered int
}

// NewElement returns an element with a default layout box.
func NewElement(name string) *Element {
	return &Element{Name: name, Layout: browser.Box{X: 10, Y: 400, Width: 80, Height: 20}}
}

func (e *Element) Click(ctx context.Context) error {
	e.mu.Lock()
	e.clicks++
	tab := e.tab
	e.mu.Unlock()
	if e.ClickErr != nil {
		return e.ClickErr
	}
	if e.OnClick != nil {
		return e.OnClick(ctx, tab)
	}
	return nil
}

func (e *Element) Hover(ctx context.Context) error {
	e.mu.Lock()
	e.hovered++
	e.mu.Unlock()
	return nil
}

func (e *Element) Box(ctx context.Context) (browser.Box, error) {
	if e.BoxErr != nil {
		return browser.Box{}, e.BoxErr
	}
	return e.Layout, nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	return e.Content, nil
}

// Clicks reports how many times the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Hovers reports how many times the element was hovered.
func (e *Element) Hovers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hovered
}

// Tab is a scripted browser tab.
type Tab struct {
	id      string
	session *Session
	hub     *browser.Hub

	// NavigateStatus and NavigateErr script the result of Navigate.
	NavigateStatus int
	NavigateErr    error
	CloseErr       error
	Page           string
	Image          []byte

	mu          sync.Mutex
	url         string
	closed      bool
	nodes       map[string][]*Element
	navigations []string
	keys        []string
	typed       strings.Builder
	wheel       []float64
	reloads     int
}

func newTab(s *Session, id, url string) *Tab {
	return &Tab{
		id:             id,
		session:        s,
		hub:            browser.NewHub(),
		url:            url,
		nodes:          make(map[string][]*Element),
		NavigateStatus: 200,
		Image:          []byte("RIFF0000WEBP"),
	}
}

// SetNodes replaces what xpath resolves to.
func (t *Tab) SetNodes(xpath string, els ...*Element) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range els {
		e.mu.Lock()
		e.tab = t
		e.mu.Unlock()
	}
	t.nodes[xpath] = els
}

// RemoveNodes makes xpath resolve to nothing.
func (t *Tab) RemoveNodes(xpath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, xpath)
}

// EmitRequest delivers a request to the tab's observers.
func (t *Tab) EmitRequest(req types.Request) {
	if req.TabID == "" {
		req.TabID = t.id
	}
	t.hub.Publish(req)
}

// EmitResponse delivers a response to the tab's observers.
func (t *Tab) EmitResponse(resp types.Response) {
	if resp.TabID == "" {
		resp.TabID = t.id
	}
	t.hub.Publish(resp)
}

// ObserverCount reports the number of registered traffic observers.
func (t *Tab) ObserverCount() int { return t.hub.ObserverCount() }

// Keys returns recorded key events as "down:Key", "up:Key" and "char:x".
func (t *Tab) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.keys...)
}

// Typed returns the characters typed into the tab.
func (t *Tab) Typed() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typed.String()
}

// Navigations returns the URLs passed to Navigate.
func (t *Tab) Navigations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.navigations...)
}

// WheelDeltas returns recorded wheel scroll deltas.
func (t *Tab) WheelDeltas() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]float64(nil), t.wheel...)
}

// Reloads reports how often the tab was reloaded.
func (t *Tab) Reloads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reloads
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *Tab) Navigate(ctx context.Context, url string) (int, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.navigations = append(t.navigations, url)
	if t.NavigateErr == nil {
		t.url = url
	}
	t.mu.Unlock()
	return t.NavigateStatus, t.NavigateErr
}

func (t *Tab) Reload(ctx context.Context) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	t.reloads++
	t.mu.Unlock()
	return nil
}

func (t *Tab) Search(ctx context.Context, xpath string) ([]browser.Element, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	els := t.nodes[xpath]
	out := make([]browser.Element, 0, len(els))
	for _, e := range els {
		out = append(out, e)
	}
	return out, nil
}

func (t *Tab) TextsByXPath(ctx context.Context, xpaths []string) ([]string, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(xpaths))
	for _, xp := range xpaths {
		if els := t.nodes[xp]; len(els) > 0 {
			out = append(out, strings.TrimSpace(els[0].Content))
		}
	}
	return out, nil
}

func (t *Tab) HTML(ctx context.Context) (string, error) {
	if err := t.check(ctx); err != nil {
		return "", err
	}
	return t.Page, nil
}

func (t *Tab) record(ev string) {
	t.mu.Lock()
	t.keys = append(t.keys, ev)
	t.mu.Unlock()
}

func (t *Tab) KeyDown(ctx context.Context, key browser.Key, mods browser.Modifier) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.record("down:" + key.Key)
	return nil
}

func (t *Tab) KeyUp(ctx context.Context, key browser.Key, mods browser.Modifier) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.record("up:" + key.Key)
	return nil
}

func (t *Tab) TypeChar(ctx context.Context, ch string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	t.typed.WriteString(ch)
	t.keys = append(t.keys, "char:"+ch)
	t.mu.Unlock()
	return nil
}

func (t *Tab) Wheel(ctx context.Context, deltaY float64) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	t.wheel = append(t.wheel, deltaY)
	t.mu.Unlock()
	return nil
}

func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.Image, nil
}

func (t *Tab) OnRequest(fn func(types.Request)) func() { return t.hub.OnRequest(fn) }

func (t *Tab) OnResponse(fn func(types.Response)) func() { return t.hub.OnResponse(fn) }

func (t *Tab) Close(ctx context.Context) error {
	if t.CloseErr != nil {
		return t.CloseErr
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.hub.Close()
	return nil
}

func (t *Tab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tab) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Closed() {
		return browser.ErrTabClosed
	}
	return nil
}

// Session is a scripted browser session. Its first tab is the primary tab.
type Session struct {
	accountID string

	mu         sync.Mutex
	tabs       []*Tab
	nextID     int
	closed     bool
	closeCalls int
	onCreate   map[int]func(browser.Tab)
	nextSub    int
	attaching  int
}

// NewSession returns a session with one blank primary tab.
func NewSession(accountID string) *Session {
	s := &Session{accountID: accountID, onCreate: make(map[int]func(browser.Tab))}
	s.addTab("about:blank")
	return s
}

func (s *Session) addTab(url string) *Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := newTab(s, fmt.Sprintf("tab-%d", s.nextID), url)
	s.nextID++
	s.tabs = append(s.tabs, t)
	return t
}

// Primary returns the first tab ever opened.
func (s *Session) Primary() *Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabs[0]
}

// OpenPopup adds a tab the way a page-initiated window.open would and
// notifies OnTabCreated observers.
func (s *Session) OpenPopup(url string) *Tab {
	t := s.addTab(url)
	s.mu.Lock()
	subs := make([]func(browser.Tab), 0, len(s.onCreate))
	for _, fn := range s.onCreate {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
	return t
}

// SetAttaching sets the count reported by Attaching.
func (s *Session) SetAttaching(n int) {
	s.mu.Lock()
	s.attaching = n
	s.mu.Unlock()
}

func (s *Session) Attaching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attaching
}

// OpenSilentTab adds a tab without notifying observers.
func (s *Session) OpenSilentTab(url string) *Tab {
	return s.addTab(url)
}

// CloseCalls reports how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// TabObservers reports the number of OnTabCreated observers.
func (s *Session) TabObservers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onCreate)
}

func (s *Session) AccountID() string { return s.accountID }

func (s *Session) Tabs(ctx context.Context) ([]browser.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, browser.ErrSessionClosed
	}
	out := make([]browser.Tab, 0, len(s.tabs))
	for _, t := range s.tabs {
		if !t.Closed() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Session) OnTabCreated(fn func(browser.Tab)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.onCreate[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onCreate, id)
		s.mu.Unlock()
	}
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closeCalls++
	if s.closed {
		s.mu.Unlock()
		return browser.ErrSessionClosed
	}
	s.closed = true
	tabs := append([]*Tab(nil), s.tabs...)
	s.mu.Unlock()
	for _, t := range tabs {
		_ = t.Close(ctx)
	}
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ErrLaunch is a convenience error for failing providers.
var ErrLaunch = errors.New("browser unavailable")

// Provider hands out a prepared Session.
type Provider struct {
	Session   *Session
	LaunchErr error

	mu       sync.Mutex
	launches []string
}

func (p *Provider) Launch(ctx context.Context, accountID string) (browser.Session, error) {
	p.mu.Lock()
	p.launches = append(p.launches, accountID)
	p.mu.Unlock()
	if p.LaunchErr != nil {
		return nil, p.LaunchErr
	}
	if p.Session == nil {
		p.Session = NewSession(accountID)
	}
	return p.Session, nil
}

func (p *Provider) Close(ctx context.Context, s browser.Session) error {
	return s.Close(ctx)
}

// Launches returns the account ids passed to Launch.
func (p *Provider) Launches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.launches...)
}
