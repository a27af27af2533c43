// Package interact resolves page elements by XPath and drives them with
// human-paced mouse and keyboard input. Elements that never show up are a
// normal outcome here: callers branch on presence instead of handling errors.
package interact

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
)

// LastMatch selects the last element matching a locator.
const LastMatch = -1

const (
	DefaultClickTimeout = 5 * time.Second
	DefaultWaitTimeout  = 10 * time.Second
)

// Locator identifies elements by XPath. Ordinal picks one match: 0 is the
// first, LastMatch the last. Locators are resolved again on every use.
type Locator struct {
	XPath   string
	Ordinal int
}

// At returns a locator for the first match of xpath.
func At(xpath string) Locator {
	return Locator{XPath: xpath}
}

// Nth returns a copy of l selecting the i-th match.
func (l Locator) Nth(i int) Locator {
	l.Ordinal = i
	return l
}

// ClickOptions tune Click. Label tags "not found" logs at warn level; an
// unlabelled miss is only logged at debug.
type ClickOptions struct {
	Timeout        time.Duration
	Label          string
	ScrollIntoView bool
}

// WaitOptions tune Wait and Hover.
type WaitOptions struct {
	Timeout time.Duration
	Label   string
}

// TypeOptions tune TypeText.
type TypeOptions struct {
	ClearExisting bool
	NoDelay       bool
}

// Config holds pacing for synthetic input.
type Config struct {
	// DelayMin and DelayMax bound the random pause between keystrokes.
	DelayMin time.Duration
	DelayMax time.Duration

	PollInterval time.Duration
	ScrollOffset float64
	ScrollSettle time.Duration

	// Rand drives the keystroke jitter. Nil uses the global source.
	Rand *rand.Rand
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		DelayMin:     50 * time.Millisecond,
		DelayMax:     100 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
		ScrollOffset: 200,
		ScrollSettle: time.Second,
	}
}

// Interactor performs element lookups and input on tabs.
type Interactor struct {
	cfg Config
}

func New(cfg Config) *Interactor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ScrollOffset == 0 {
		cfg.ScrollOffset = def.ScrollOffset
	}
	if cfg.ScrollSettle <= 0 {
		cfg.ScrollSettle = def.ScrollSettle
	}
	if cfg.DelayMin < 0 {
		cfg.DelayMin = 0
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	return &Interactor{cfg: cfg}
}

// Click waits for loc, optionally scrolls it into view, and clicks it.
func (in *Interactor) Click(ctx context.Context, tab browser.Tab, loc Locator, opts ClickOptions) (browser.Element, bool) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultClickTimeout
	}
	el, err := in.resolve(ctx, tab, loc, opts.Timeout)
	if err != nil {
		in.miss(opts.Label, loc, err)
		return nil, false
	}

	if opts.ScrollIntoView {
		in.scrollTo(ctx, tab, el)
	}

	if err := el.Click(ctx); err != nil {
		in.miss(opts.Label, loc, err)
		return nil, false
	}
	return el, true
}

// Wait resolves loc without acting on it.
func (in *Interactor) Wait(ctx context.Context, tab browser.Tab, loc Locator, opts WaitOptions) (browser.Element, bool) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWaitTimeout
	}
	el, err := in.resolve(ctx, tab, loc, opts.Timeout)
	if err != nil {
		in.miss(opts.Label, loc, err)
		return nil, false
	}
	return el, true
}

// Hover resolves loc and moves the mouse over its centre.
func (in *Interactor) Hover(ctx context.Context, tab browser.Tab, loc Locator, opts WaitOptions) (browser.Element, bool) {
	el, ok := in.Wait(ctx, tab, loc, opts)
	if !ok {
		return nil, false
	}
	if err := el.Hover(ctx); err != nil {
		in.miss(opts.Label, loc, err)
		return nil, false
	}
	return el, true
}

// TypeText types text into the focused element one character at a time.
func (in *Interactor) TypeText(ctx context.Context, tab browser.Tab, text string, opts TypeOptions) error {
	if opts.ClearExisting {
		if err := in.clear(ctx, tab); err != nil {
			return err
		}
	}
	for _, r := range text {
		if err := tab.TypeChar(ctx, string(r)); err != nil {
			return err
		}
		if !opts.NoDelay {
			if err := in.pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// clear selects everything in the focused field and deletes it.
func (in *Interactor) clear(ctx context.Context, tab browser.Tab) error {
	steps := []func() error{
		func() error { return tab.KeyDown(ctx, browser.KeyControl, browser.ModCtrl) },
		func() error { return tab.KeyDown(ctx, browser.KeyA, browser.ModCtrl) },
		func() error { return tab.KeyUp(ctx, browser.KeyA, browser.ModCtrl) },
		func() error { return tab.KeyUp(ctx, browser.KeyControl, browser.ModNone) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
		if err := in.pause(ctx); err != nil {
			return err
		}
	}
	if err := in.PressKey(ctx, tab, browser.KeyBackspace); err != nil {
		return err
	}
	return in.pause(ctx)
}

// PressKey sends a key down/up pair.
func (in *Interactor) PressKey(ctx context.Context, tab browser.Tab, key browser.Key) error {
	if err := tab.KeyDown(ctx, key, browser.ModNone); err != nil {
		return err
	}
	return tab.KeyUp(ctx, key, browser.ModNone)
}

// ReadTextBatch reads the text of each locator's first match in one page
// round trip. Locators without a match are skipped, so the result may be
// shorter than locs and is not positionally aligned with it.
func (in *Interactor) ReadTextBatch(ctx context.Context, tab browser.Tab, locs []Locator) []string {
	xpaths := make([]string, 0, len(locs))
	for _, l := range locs {
		xpaths = append(xpaths, l.XPath)
	}
	texts, err := tab.TextsByXPath(ctx, xpaths)
	if err != nil {
		slog.Debug("batch text read failed", "tab_id", tab.ID(), "error", err)
		return nil
	}
	return texts
}

var errOrdinalOutOfRange = errors.New("ordinal out of range")

// resolve polls until at least one element matches, then applies the ordinal.
func (in *Interactor) resolve(ctx context.Context, tab browser.Tab, loc Locator, timeout time.Duration) (browser.Element, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()

	for {
		els, err := tab.Search(ctx, loc.XPath)
		if err != nil {
			return nil, err
		}
		if len(els) > 0 {
			return pick(els, loc.Ordinal)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func pick(els []browser.Element, ordinal int) (browser.Element, error) {
	idx := ordinal
	if ordinal < 0 {
		idx = len(els) + ordinal
	}
	if idx < 0 || idx >= len(els) {
		return nil, errOrdinalOutOfRange
	}
	return els[idx], nil
}

// scrollTo wheels the element towards the top of the viewport. Some
// elements have no layout box, so failures are ignored.
func (in *Interactor) scrollTo(ctx context.Context, tab browser.Tab, el browser.Element) {
	box, err := el.Box(ctx)
	if err != nil {
		slog.Debug("scroll skipped", "tab_id", tab.ID(), "error", err)
		return
	}
	if err := tab.Wheel(ctx, box.Y-in.cfg.ScrollOffset); err != nil {
		slog.Debug("scroll failed", "tab_id", tab.ID(), "error", err)
		return
	}
	_ = sleep(ctx, in.cfg.ScrollSettle)
}

func (in *Interactor) miss(label string, loc Locator, err error) {
	if label != "" {
		slog.Warn("element not available", "operation", label, "xpath", loc.XPath, "ordinal", loc.Ordinal, "error", err)
		return
	}
	slog.Debug("element not available", "xpath", loc.XPath, "ordinal", loc.Ordinal, "error", err)
}

func (in *Interactor) pause(ctx context.Context) error {
	return sleep(ctx, in.jitter())
}

func (in *Interactor) jitter() time.Duration {
	span := int64(in.cfg.DelayMax - in.cfg.DelayMin)
	if span <= 0 {
		return in.cfg.DelayMin
	}
	var n int64
	if in.cfg.Rand != nil {
		n = in.cfg.Rand.Int64N(span + 1)
	} else {
		n = rand.Int64N(span + 1)
	}
	return in.cfg.DelayMin + time.Duration(n)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
