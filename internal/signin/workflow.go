// Package signin drives a logged-in account through the forum's bulk
// sign-in dialog and then signs the remaining boards one popup at a time.
package signin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/capture"
	"github.com/dgnsrekt/tieba_signin/internal/config"
	"github.com/dgnsrekt/tieba_signin/internal/interact"
	"github.com/dgnsrekt/tieba_signin/internal/pagesession"
	"github.com/dgnsrekt/tieba_signin/internal/relay"
	"github.com/dgnsrekt/tieba_signin/internal/snapshot"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

const bulkResultPath = "/tbmall/onekeySignin1"

// Publisher receives progress events.
type Publisher interface {
	Publish(evt relay.Event)
}

// SnapshotSaver persists failure screenshots.
type SnapshotSaver interface {
	Save(meta snapshot.SnapshotMeta, image []byte) (snapshot.SnapshotMeta, error)
}

// TabObserver is attached to every tab the workflow works with and
// detached when the workflow is done with it.
type TabObserver interface {
	Attach(runID string, tab browser.Tab) (detach func())
}

// Timeouts bound the workflow's waits.
type Timeouts struct {
	Click       time.Duration
	Wait        time.Duration
	SignedCheck time.Duration
	BulkResult  time.Duration
	PopupGrace  time.Duration
	Poll        time.Duration
	// ScrollSettle is the pause after scrolling a board into view.
	ScrollSettle time.Duration
	// LoginPoll is how often the manual login wait checks for a closed browser.
	LoginPoll time.Duration
}

// DefaultTimeouts returns the production timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Click:        interact.DefaultClickTimeout,
		Wait:         interact.DefaultWaitTimeout,
		SignedCheck:  3 * time.Second,
		BulkResult:   time.Minute,
		PopupGrace:   3 * time.Second,
		Poll:         100 * time.Millisecond,
		ScrollSettle: time.Second,
		LoginPoll:    time.Second,
	}
}

// Option configures a Workflow.
type Option func(*Workflow)

func WithPublisher(p Publisher) Option { return func(w *Workflow) { w.publisher = p } }

func WithSnapshots(s SnapshotSaver) Option { return func(w *Workflow) { w.snapshots = s } }

func WithTabObservers(obs ...TabObserver) Option {
	return func(w *Workflow) { w.observers = append(w.observers, obs...) }
}

func WithTimeouts(t Timeouts) Option { return func(w *Workflow) { w.timeouts = t } }

// Workflow runs sign-in passes. Settings are read from its source at the
// start of every run, so one Workflow serves many runs.
type Workflow struct {
	provider  browser.Provider
	src       config.Source
	publisher Publisher
	snapshots SnapshotSaver
	observers []TabObserver
	timeouts  Timeouts
}

func New(provider browser.Provider, src config.Source, opts ...Option) *Workflow {
	w := &Workflow{provider: provider, src: src, timeouts: DefaultTimeouts()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes one sign-in pass. It never returns an error: every failure
// is reported in the Result.
func (w *Workflow) Run(ctx context.Context) (res Result) {
	r := &run{
		w:   w,
		res: Result{RunID: uuid.NewString(), State: StateInit, StartedAt: time.Now().UTC(), Outcomes: []BoardOutcome{}},
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("sign-in run panicked", "run_id", r.res.RunID, "panic", p, "stack", string(debug.Stack()))
			r.abort("sign-in run failed", "")
		}
		r.res.DurationMS = time.Since(r.res.StartedAt).Milliseconds()
		r.publish("result", r.res)
		res = r.res
	}()

	r.execute(ctx)
	return r.res
}

// run is the state of a single pass.
type run struct {
	w   *Workflow
	cfg *config.Config
	loc Locators

	mgr  *pagesession.Manager
	in   *interact.Interactor
	idle *capture.IdleDetector
	corr *capture.Correlator

	res           Result
	failureLogged bool
}

func (r *run) execute(ctx context.Context) {
	cfg, err := config.FromSource(r.w.src)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		r.abort("invalid configuration: "+err.Error(), types.CodeValidation)
		return
	}
	r.cfg = cfg
	r.res.AccountID = cfg.AccountID
	if cfg.AccountID == "" {
		slog.Error("account id required")
		r.abort("account id required", types.CodeValidation)
		return
	}

	r.loc = DefaultLocators()
	if cfg.LocatorsFile != "" {
		overrides, err := config.LoadLocators(cfg.LocatorsFile)
		if err == nil {
			err = r.loc.Apply(overrides.Locators)
		}
		if err != nil {
			slog.Error("invalid locator overrides", "file", cfg.LocatorsFile, "error", err)
			r.abort("invalid locator overrides: "+err.Error(), types.CodeValidation)
			return
		}
	}

	t := r.w.timeouts
	r.in = interact.New(interact.Config{
		DelayMin:     time.Duration(cfg.InputDelayMinMS) * time.Millisecond,
		DelayMax:     time.Duration(cfg.InputDelayMaxMS) * time.Millisecond,
		PollInterval: t.Poll,
		ScrollSettle: t.ScrollSettle,
	})
	r.idle = capture.NewIdleDetector(capture.IdleConfig{
		Tick:               time.Duration(cfg.IdleTickMS) * time.Millisecond,
		HardTimeout:        time.Duration(cfg.IdleHardTimeoutMS) * time.Millisecond,
		BalancedAfterTicks: cfg.IdleBalancedAfterTicks,
		QuietAfterTicks:    cfg.IdleQuietAfterTicks,
		Filter:             capture.NewFilter(capture.DefaultIgnoredTypes, cfg.IdleExceptionURLs),
		Debug:              cfg.Debug,
	})
	r.corr = capture.NewCorrelator()

	session, err := r.w.provider.Launch(ctx, cfg.AccountID)
	if err != nil {
		slog.Error("browser launch failed", "account_id", cfg.AccountID, "error", err)
		r.abort("browser unavailable", types.CodeBrowserUnavailable)
		return
	}
	r.mgr = pagesession.New(session, pagesession.WithNavTimeout(cfg.NavTimeout()))
	defer r.teardown(ctx)

	primary, err := r.mgr.Primary(ctx)
	if err != nil {
		r.abort("browser unavailable", types.CodeBrowserUnavailable)
		return
	}
	defer r.observe(primary)()

	if err := r.mgr.Navigate(ctx, primary, cfg.HomeURL); err != nil {
		var navErr *pagesession.NavError
		code := types.CodeNavFailed
		if errors.As(err, &navErr) {
			code = navErr.Code()
		}
		r.abortWithSnapshot(ctx, primary, err.Error(), code)
		return
	}
	r.transition(StateNavigated)

	if !cfg.IsLogin {
		r.awaitManualLogin(ctx)
		r.abort("manual login required", "")
		return
	}

	bulk := r.bulkSignIn(ctx, primary)
	r.res.Bulk = &bulk
	r.transition(StateBulkAttempted)
	if bulk.Unsigned == 0 {
		r.res.Success = true
		r.res.Message = "all boards already signed"
		r.transition(StateBulkComplete)
		r.transition(StateDone)
		return
	}

	r.transition(StateIterative)
	if err := r.signBoards(ctx, primary); err != nil {
		r.abortWithSnapshot(ctx, primary, err.Error(), "")
		return
	}

	r.res.Success = r.res.Succeeded > 0
	if r.res.Success {
		r.res.Message = fmt.Sprintf("signed %d boards", r.res.Succeeded)
	} else {
		r.res.Message = "no board was signed"
	}
	slog.Info("sign-in finished",
		"run_id", r.res.RunID,
		"succeeded", r.res.Succeeded,
		"attempted", r.res.Attempted,
		"already_signed", r.res.AlreadySigned,
	)
	r.transition(StateDone)
}

// awaitManualLogin keeps the browser open so someone can log in by hand.
// It returns when the login window passes, the browser is closed or ctx ends.
func (r *run) awaitManualLogin(ctx context.Context) {
	slog.Warn("log in manually, then close the browser", "account_id", r.cfg.AccountID, "wait", r.cfg.LoginWait())

	deadline := time.NewTimer(r.cfg.LoginWait())
	defer deadline.Stop()
	poll := time.NewTicker(r.w.timeouts.LoginPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-poll.C:
			if r.mgr.Session().Closed() {
				return
			}
		}
	}
}

func (r *run) teardown(ctx context.Context) {
	if r.cfg.Debug {
		slog.Info("debug enabled, leaving browser open", "account_id", r.cfg.AccountID)
		return
	}
	if err := r.mgr.Close(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("browser close failed", "account_id", r.cfg.AccountID, "error", err)
	}
}

// observe attaches the configured tab observers and returns their detach.
func (r *run) observe(tab browser.Tab) func() {
	detach := make([]func(), 0, len(r.w.observers))
	for _, o := range r.w.observers {
		detach = append(detach, o.Attach(r.res.RunID, tab))
	}
	return func() {
		for _, d := range detach {
			d()
		}
	}
}

func (r *run) transition(s State) {
	slog.Debug("sign-in state", "run_id", r.res.RunID, "from", r.res.State, "to", s)
	r.res.State = s
	r.publish("state", map[string]string{"state": string(s)})
}

func (r *run) publish(kind string, data any) {
	if r.w.publisher == nil {
		return
	}
	r.w.publisher.Publish(relay.NewEvent(relay.FeedSignIn, kind, r.res.RunID, data))
}

func (r *run) abort(msg, code string) {
	r.res.Success = false
	r.res.Message = msg
	r.res.ErrorCode = code
	r.transition(StateAborted)
}

// abortWithSnapshot aborts the run and, in debug mode, keeps a screenshot
// of the tab for later inspection.
func (r *run) abortWithSnapshot(ctx context.Context, tab browser.Tab, msg, code string) {
	if r.cfg.Debug && r.w.snapshots != nil {
		r.snapshot(ctx, tab, msg)
	}
	r.abort(msg, code)
}

func (r *run) snapshot(ctx context.Context, tab browser.Tab, reason string) {
	img, err := tab.Screenshot(ctx)
	if err != nil {
		slog.Warn("failure screenshot not taken", "run_id", r.res.RunID, "error", err)
		return
	}
	meta, err := r.w.snapshots.Save(snapshot.SnapshotMeta{
		RunID:     r.res.RunID,
		AccountID: r.cfg.AccountID,
		TabID:     tab.ID(),
		URL:       tab.URL(),
		State:     string(r.res.State),
		Reason:    reason,
	}, img)
	if err != nil {
		slog.Warn("failure screenshot not saved", "run_id", r.res.RunID, "error", err)
		return
	}
	r.res.SnapshotID = meta.ID
}

func (r *run) bulkResultURL() string {
	return strings.TrimRight(r.cfg.HomeURL, "/") + bulkResultPath
}
