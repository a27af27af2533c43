package signin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/browser/browsertest"
	"github.com/dgnsrekt/tieba_signin/internal/config"
	"github.com/dgnsrekt/tieba_signin/internal/relay"
	"github.com/dgnsrekt/tieba_signin/internal/snapshot"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

const home = "https://tieba.test"

func testSource(overrides map[string]string) config.MapSource {
	src := config.MapSource{
		"ACCOUNT_ID":           "acct-1",
		"IS_LOGIN":             "true",
		"TIEBA_URL":            home,
		"IDLE_TICK_MS":         "10",
		"IDLE_HARD_TIMEOUT_MS": "200",
		"INPUT_DELAY_MIN_MS":   "0",
		"INPUT_DELAY_MAX_MS":   "0",
	}
	for k, v := range overrides {
		src[k] = v
	}
	return src
}

func fastTimeouts() Timeouts {
	return Timeouts{
		Click:        50 * time.Millisecond,
		Wait:         50 * time.Millisecond,
		SignedCheck:  50 * time.Millisecond,
		BulkResult:   300 * time.Millisecond,
		PopupGrace:   100 * time.Millisecond,
		Poll:         5 * time.Millisecond,
		ScrollSettle: time.Millisecond,
		LoginPoll:    10 * time.Millisecond,
	}
}

// site scripts the forum home page on a fake session.
type site struct {
	t       *testing.T
	session *browsertest.Session
	primary *browsertest.Tab
	loc     Locators

	entry *browsertest.Element
	start *browsertest.Element
}

func newSite(t *testing.T) *site {
	s := &site{t: t, session: browsertest.NewSession("acct-1"), loc: DefaultLocators()}
	s.primary = s.session.Primary()
	s.entry = browsertest.NewElement("one-key sign")
	s.primary.SetNodes(s.loc.OneKeySign, s.entry)
	return s
}

// bulkReturns makes the start control answer with body on the result endpoint.
func (s *site) bulkReturns(body string) {
	s.start = browsertest.NewElement("start")
	s.start.OnClick = func(ctx context.Context, tab *browsertest.Tab) error {
		tab.EmitResponse(types.Response{
			URL:          home + bulkResultPath,
			Status:       200,
			ResourceType: "xhr",
			BodyFunc: func(context.Context) ([]byte, error) {
				return []byte(body), nil
			},
		})
		return nil
	}
	s.primary.SetNodes(s.loc.OneKeySignStart, s.start)
}

// alreadySignedDialog shows the dialog a signed account gets instead of the
// start control.
func (s *site) alreadySignedDialog(signed, unsigned string) *browsertest.Element {
	s.primary.SetNodes(s.loc.OneKeySignSigned, browsertest.NewElement("signed marker"))
	sc := browsertest.NewElement("signed count")
	sc.Content = signed
	uc := browsertest.NewElement("unsigned count")
	uc.Content = unsigned
	s.primary.SetNodes(s.loc.SignedCount, sc)
	s.primary.SetNodes(s.loc.UnsignedCount, uc)
	closeBtn := browsertest.NewElement("close")
	s.primary.SetNodes(s.loc.OneKeySignClose, closeBtn)
	return closeBtn
}

type boardSpec struct {
	name          string
	alreadySigned bool
	noSignControl bool
	noPopup       bool
}

// board returns a list entry whose click opens the board popup.
func (s *site) board(spec boardSpec, popups *[]*browsertest.Tab) *browsertest.Element {
	el := browsertest.NewElement(spec.name)
	el.Content = spec.name
	el.OnClick = func(ctx context.Context, _ *browsertest.Tab) error {
		if spec.noPopup {
			return nil
		}
		popup := s.session.OpenPopup(home + "/f?kw=" + spec.name)
		switch {
		case spec.alreadySigned:
			popup.SetNodes(s.loc.SignComplete, browsertest.NewElement("done"))
		case !spec.noSignControl:
			popup.SetNodes(s.loc.SignButton, browsertest.NewElement("sign"))
		}
		if popups != nil {
			*popups = append(*popups, popup)
		}
		return nil
	}
	return el
}

func (s *site) workflow(src config.Source, opts ...Option) *Workflow {
	opts = append([]Option{WithTimeouts(fastTimeouts())}, opts...)
	return New(&browsertest.Provider{Session: s.session}, src, opts...)
}

type eventLog struct {
	mu     sync.Mutex
	events []relay.Event
}

func (l *eventLog) Publish(evt relay.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestRunSignsRecentBoards(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":0,"error":"","data":{"signedForumAmount":0}}`)
	var popups []*browsertest.Tab
	s.primary.SetNodes(s.loc.RecentUnsigned,
		s.board(boardSpec{name: "golang"}, &popups),
		s.board(boardSpec{name: "rust"}, &popups),
	)
	s.primary.SetNodes(s.loc.ViewMore, browsertest.NewElement("view more"))
	events := &eventLog{}

	res := s.workflow(testSource(nil), WithPublisher(events)).Run(context.Background())

	if !res.Success || res.State != StateDone {
		t.Fatalf("Run() = %+v; want success in state done", res)
	}
	if res.Succeeded != 2 || res.Attempted != 2 {
		t.Fatalf("Succeeded=%d Attempted=%d; want 2 and 2", res.Succeeded, res.Attempted)
	}
	if len(popups) != 2 {
		t.Fatalf("opened %d popups; want 2", len(popups))
	}
	for _, p := range popups {
		if !p.Closed() {
			t.Fatalf("popup %s left open", p.ID())
		}
	}
	if res.Outcomes[0].Board != "golang" || res.Outcomes[1].Board != "rust" {
		t.Fatalf("Outcomes = %+v; want golang then rust", res.Outcomes)
	}
	if res.Bulk == nil || !res.Bulk.Success {
		t.Fatalf("Bulk = %+v; want success", res.Bulk)
	}
	if got := s.primary.Navigations(); len(got) != 1 || got[0] != home {
		t.Fatalf("Navigations() = %v; want [%s]", got, home)
	}
	if s.primary.Reloads() != 1 {
		t.Fatalf("Reloads() = %d; want 1 after bulk sign-in", s.primary.Reloads())
	}
	if s.session.CloseCalls() != 1 {
		t.Fatalf("CloseCalls() = %d; want 1", s.session.CloseCalls())
	}
	if n := s.primary.ObserverCount(); n != 0 {
		t.Fatalf("ObserverCount() = %d; want all observers detached", n)
	}

	kinds := strings.Join(events.kinds(), ",")
	if !strings.Contains(kinds, "state") || !strings.Contains(kinds, "board") || !strings.HasSuffix(kinds, "result") {
		t.Fatalf("event kinds = %s; want state, board and a final result", kinds)
	}
}

func TestRunBulkErrorIsNotFatal(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":2280007,"err":"times_limit","data":[]}`)
	s.primary.SetNodes(s.loc.RecentUnsigned, s.board(boardSpec{name: "golang"}, nil))
	s.primary.SetNodes(s.loc.ViewMore, browsertest.NewElement("view more"))

	res := s.workflow(testSource(nil)).Run(context.Background())

	if res.Bulk == nil || res.Bulk.Success || res.Bulk.Err != "times_limit" {
		t.Fatalf("Bulk = %+v; want failed with times_limit", res.Bulk)
	}
	if res.Succeeded != 1 || !res.Success {
		t.Fatalf("Run() = %+v; want the board loop to sign 1 board", res)
	}
}

func TestRunBulkResultTimeout(t *testing.T) {
	s := newSite(t)
	s.start = browsertest.NewElement("start")
	s.primary.SetNodes(s.loc.OneKeySignStart, s.start)
	s.primary.SetNodes(s.loc.ViewMore, browsertest.NewElement("view more"))

	res := s.workflow(testSource(nil)).Run(context.Background())

	if res.Bulk == nil || res.Bulk.Success || res.Bulk.Message != "bulk sign-in result not received" {
		t.Fatalf("Bulk = %+v; want missing result", res.Bulk)
	}
	if res.State != StateDone || res.Success {
		t.Fatalf("Run() = %+v; want done without success", res)
	}
	if n := s.primary.ObserverCount(); n != 0 {
		t.Fatalf("ObserverCount() = %d; want correlator detached after timeout", n)
	}
}

func TestRunBulkDialogMissing(t *testing.T) {
	s := newSite(t)
	s.primary.SetNodes(s.loc.ViewMore, browsertest.NewElement("view more"))

	res := s.workflow(testSource(nil)).Run(context.Background())

	if res.Bulk == nil || res.Bulk.Success || res.Bulk.Message != "bulk sign-in dialog not found" {
		t.Fatalf("Bulk = %+v; want a failed bulk attempt", res.Bulk)
	}
	if res.Success || res.State != StateDone {
		t.Fatalf("Run() = %+v; want done without success", res)
	}
}

func TestRunAlreadySignedShortCircuits(t *testing.T) {
	s := newSite(t)
	s.alreadySignedDialog("12", "0")
	recent := s.board(boardSpec{name: "golang"}, nil)
	s.primary.SetNodes(s.loc.RecentUnsigned, recent)

	res := s.workflow(testSource(nil)).Run(context.Background())

	if !res.Success || res.State != StateDone || res.Message != "all boards already signed" {
		t.Fatalf("Run() = %+v; want short-circuit success", res)
	}
	if recent.Clicks() != 0 {
		t.Fatal("board loop ran after the short-circuit")
	}
	if s.primary.Reloads() != 0 {
		t.Fatalf("Reloads() = %d; want 0", s.primary.Reloads())
	}
}

func TestRunSignedCheckBeforeBulk(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":0,"data":{}}`)
	closeBtn := s.alreadySignedDialog("9", "3")
	s.primary.SetNodes(s.loc.ViewMore, browsertest.NewElement("view more"))
	s.primary.SetNodes(s.loc.MoreUnsigned, s.board(boardSpec{name: "python", alreadySigned: true}, nil))

	res := s.workflow(testSource(map[string]string{"SIGNED_CHECK_ORDER": "before"})).Run(context.Background())

	if s.start.Clicks() != 0 {
		t.Fatal("start control clicked although the dialog reported signed boards")
	}
	if closeBtn.Clicks() != 1 {
		t.Fatalf("close clicks = %d; want 1", closeBtn.Clicks())
	}
	if res.Bulk == nil || res.Bulk.Unsigned != -1 {
		t.Fatalf("Bulk = %+v; want unknown unsigned count", res.Bulk)
	}
	if res.AlreadySigned != 1 || res.Succeeded != 0 || res.Success {
		t.Fatalf("Run() = %+v; want one already signed board and no success", res)
	}
	if !strings.Contains(strings.Join(s.primary.Keys(), ","), "down:Escape") {
		t.Fatalf("Keys() = %v; want Escape to dismiss the dialog", s.primary.Keys())
	}
}

func TestRunMoreBoardsAfterRecent(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":0,"data":{}}`)
	s.primary.SetNodes(s.loc.RecentUnsigned, s.board(boardSpec{name: "golang"}, nil))
	viewMore := browsertest.NewElement("view more")
	s.primary.SetNodes(s.loc.ViewMore, viewMore)
	s.primary.SetNodes(s.loc.MoreUnsigned,
		s.board(boardSpec{name: "java", noSignControl: true}, nil),
		s.board(boardSpec{name: "kotlin", noSignControl: true}, nil),
	)

	res := s.workflow(testSource(nil)).Run(context.Background())

	if res.Succeeded != 1 || res.Attempted != 3 {
		t.Fatalf("Succeeded=%d Attempted=%d; want 1 and 3", res.Succeeded, res.Attempted)
	}
	if viewMore.Hovers() == 0 {
		t.Fatal("view more control never hovered")
	}
	if got := s.primary.WheelDeltas(); len(got) != 2 {
		t.Fatalf("WheelDeltas() = %v; want one scroll per more-list click", got)
	}
	if res.Outcomes[1].Reason == "" || res.Outcomes[1].Succeeded {
		t.Fatalf("Outcomes[1] = %+v; want a failed board", res.Outcomes[1])
	}
}

func TestRunViewMoreMissingStops(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":0,"data":{}}`)

	res := s.workflow(testSource(nil)).Run(context.Background())

	if res.StopReason != "view more control not found" {
		t.Fatalf("StopReason = %q; want view more failure", res.StopReason)
	}
	if res.Success || res.State != StateDone {
		t.Fatalf("Run() = %+v; want done without success", res)
	}
}

func TestRunNoNewTab(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":0,"data":{}}`)
	s.primary.SetNodes(s.loc.RecentUnsigned, s.board(boardSpec{name: "golang", noPopup: true}, nil))

	res := s.workflow(testSource(nil)).Run(context.Background())

	if res.Success || res.State != StateAborted || !strings.Contains(res.Message, "no new tab opened") {
		t.Fatalf("Run() = %+v; want aborted with no new tab opened", res)
	}
	if s.session.TabObservers() != 0 {
		t.Fatalf("TabObservers() = %d; want popup watch detached", s.session.TabObservers())
	}
	if s.session.CloseCalls() != 1 {
		t.Fatalf("CloseCalls() = %d; want session closed", s.session.CloseCalls())
	}
}

func TestRunPopupCloseFailureStopsLoop(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":0,"data":{}}`)
	first := browsertest.NewElement("golang")
	first.OnClick = func(ctx context.Context, _ *browsertest.Tab) error {
		popup := s.session.OpenPopup(home + "/f?kw=golang")
		popup.SetNodes(s.loc.SignButton, browsertest.NewElement("sign"))
		popup.CloseErr = errors.New("target crashed")
		return nil
	}
	second := s.board(boardSpec{name: "rust"}, nil)
	s.primary.SetNodes(s.loc.RecentUnsigned, first, second)

	res := s.workflow(testSource(nil)).Run(context.Background())

	if res.StopReason != "failed to close board page" {
		t.Fatalf("StopReason = %q; want popup close failure", res.StopReason)
	}
	if second.Clicks() != 0 {
		t.Fatal("loop continued after a popup close failure")
	}
	if res.Succeeded != 1 || !res.Success {
		t.Fatalf("Run() = %+v; want the signed board counted", res)
	}
}

func TestRunRequiresAccountID(t *testing.T) {
	provider := &browsertest.Provider{}
	res := New(provider, testSource(map[string]string{"ACCOUNT_ID": ""})).Run(context.Background())

	if res.Success || res.Message != "account id required" || res.ErrorCode != types.CodeValidation {
		t.Fatalf("Run() = %+v; want account id failure", res)
	}
	if len(provider.Launches()) != 0 {
		t.Fatalf("Launches() = %v; want no browser", provider.Launches())
	}
}

func TestRunBrowserUnavailable(t *testing.T) {
	provider := &browsertest.Provider{LaunchErr: browsertest.ErrLaunch}
	res := New(provider, testSource(nil)).Run(context.Background())

	if res.ErrorCode != types.CodeBrowserUnavailable || res.State != StateAborted {
		t.Fatalf("Run() = %+v; want browser unavailable", res)
	}
}

func TestRunNavigationFailure(t *testing.T) {
	s := newSite(t)
	s.primary.NavigateStatus = 429

	res := s.workflow(testSource(nil)).Run(context.Background())

	if res.ErrorCode != types.CodeNavRateLimited || res.State != StateAborted {
		t.Fatalf("Run() = %+v; want rate limited abort", res)
	}
	if s.entry.Clicks() != 0 {
		t.Fatal("bulk entry clicked after navigation failed")
	}
	if s.session.CloseCalls() != 1 {
		t.Fatalf("CloseCalls() = %d; want session closed", s.session.CloseCalls())
	}
}

type memSnapshots struct {
	saved []snapshot.SnapshotMeta
}

func (m *memSnapshots) Save(meta snapshot.SnapshotMeta, image []byte) (snapshot.SnapshotMeta, error) {
	meta.ID = "123e4567-e89b-12d3-a456-426614174000"
	meta.SizeBytes = len(image)
	m.saved = append(m.saved, meta)
	return meta, nil
}

func TestRunDebugKeepsBrowserAndSnapshots(t *testing.T) {
	s := newSite(t)
	s.primary.NavigateErr = errors.New("net::ERR_PROXY_CONNECTION_FAILED")
	snaps := &memSnapshots{}

	res := s.workflow(testSource(map[string]string{"DEBUG": "true"}), WithSnapshots(snaps)).Run(context.Background())

	if res.ErrorCode != types.CodeNavProxy {
		t.Fatalf("ErrorCode = %q; want %q", res.ErrorCode, types.CodeNavProxy)
	}
	if len(snaps.saved) != 1 || res.SnapshotID != snaps.saved[0].ID {
		t.Fatalf("snapshots = %+v, SnapshotID = %q; want one saved and referenced", snaps.saved, res.SnapshotID)
	}
	if s.session.CloseCalls() != 0 {
		t.Fatal("session closed in debug mode")
	}
}

func TestRunManualLoginWait(t *testing.T) {
	s := newSite(t)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.session.Close(context.Background())
	}()

	res := s.workflow(testSource(map[string]string{"IS_LOGIN": "false"})).Run(context.Background())

	if res.Success || res.Message != "manual login required" {
		t.Fatalf("Run() = %+v; want manual login failure", res)
	}
	if s.entry.Clicks() != 0 {
		t.Fatal("bulk sign-in attempted without a login")
	}
}

type panicProvider struct{}

func (panicProvider) Launch(ctx context.Context, accountID string) (browser.Session, error) {
	panic("boom")
}

func (panicProvider) Close(ctx context.Context, s browser.Session) error { return nil }

func TestRunRecoversPanics(t *testing.T) {
	res := New(panicProvider{}, testSource(nil)).Run(context.Background())
	if res.Success || res.Message != "sign-in run failed" || res.State != StateAborted {
		t.Fatalf("Run() = %+v; want catch-all failure", res)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	attached map[string]int
	detached int
}

func (o *countingObserver) Attach(runID string, tab browser.Tab) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attached == nil {
		o.attached = make(map[string]int)
	}
	o.attached[tab.ID()]++
	return func() {
		o.mu.Lock()
		o.detached++
		o.mu.Unlock()
	}
}

func TestRunAttachesTabObservers(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":0,"data":{}}`)
	s.primary.SetNodes(s.loc.RecentUnsigned, s.board(boardSpec{name: "golang"}, nil))
	s.primary.SetNodes(s.loc.ViewMore, browsertest.NewElement("view more"))
	obs := &countingObserver{}

	s.workflow(testSource(nil), WithTabObservers(obs)).Run(context.Background())

	if len(obs.attached) != 2 || obs.detached != 2 {
		t.Fatalf("attached=%v detached=%d; want primary and popup attached and detached", obs.attached, obs.detached)
	}
}

func TestRunLocatorOverrides(t *testing.T) {
	s := newSite(t)
	s.bulkReturns(`{"no":0,"data":{}}`)
	custom := browsertest.NewElement("custom more")
	s.primary.SetNodes("//div[@id='more']", custom)

	path := filepath.Join(t.TempDir(), "locators.yaml")
	if err := os.WriteFile(path, []byte("locators:\n  view_more: \"//div[@id='more']\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := s.workflow(testSource(map[string]string{"LOCATORS_FILE": path})).Run(context.Background())
	if custom.Hovers() == 0 {
		t.Fatalf("overridden view more never hovered; result %+v", res)
	}
}

func TestLocatorsApply(t *testing.T) {
	loc := DefaultLocators()
	if err := loc.Apply(map[string]string{"sign_button": "//a[@id='sign']"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if loc.SignButton != "//a[@id='sign']" {
		t.Fatalf("SignButton = %q; want override", loc.SignButton)
	}
	if err := loc.Apply(map[string]string{"sign_buton": "//a"}); err == nil || !strings.Contains(err.Error(), "sign_buton") {
		t.Fatalf("Apply() error = %v; want unknown name reported", err)
	}
}

func TestParseBulkResult(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		err         error
		wantSuccess bool
		wantErr     string
	}{
		{"success", `{"no":0,"data":{"signedForumAmount":4}}`, nil, true, ""},
		{"err_key", `{"err":"times_limit"}`, nil, false, "times_limit"},
		{"redirect", ``, nil, false, ""},
		{"timeout", ``, context.DeadlineExceeded, false, context.DeadlineExceeded.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseBulkResult(tt.body, tt.err)
			if got.Success != tt.wantSuccess || got.Err != tt.wantErr {
				t.Fatalf("parseBulkResult() = %+v; want success=%v err=%q", got, tt.wantSuccess, tt.wantErr)
			}
			if got.Unsigned != -1 {
				t.Fatalf("Unsigned = %d; want -1", got.Unsigned)
			}
		})
	}
}
