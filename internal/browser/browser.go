package browser

import (
	"context"
	"errors"

	"github.com/dgnsrekt/tieba_signin/internal/types"
)

var (
	// ErrTabClosed is returned by operations on a tab that has already closed.
	ErrTabClosed = errors.New("tab closed")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Box is an element's content box in CSS pixels, relative to the viewport.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Key describes a physical key for trusted key events.
type Key struct {
	Key     string
	Code    string
	KeyCode int64
}

var (
	KeyEscape    = Key{Key: "Escape", Code: "Escape", KeyCode: 27}
	KeyF5        = Key{Key: "F5", Code: "F5", KeyCode: 116}
	KeyControl   = Key{Key: "Control", Code: "ControlLeft", KeyCode: 17}
	KeyA         = Key{Key: "a", Code: "KeyA", KeyCode: 65}
	KeyBackspace = Key{Key: "Backspace", Code: "Backspace", KeyCode: 8}
	KeyEnter     = Key{Key: "Enter", Code: "Enter", KeyCode: 13}
)

// Modifier is a key modifier bitmask: 1=Alt, 2=Ctrl, 4=Meta, 8=Shift.
type Modifier int64

const (
	ModNone  Modifier = 0
	ModAlt   Modifier = 1
	ModCtrl  Modifier = 2
	ModMeta  Modifier = 4
	ModShift Modifier = 8
)

// Element is a resolved DOM node. Handles are short-lived: callers re-resolve
// by XPath instead of holding on to them across navigations.
type Element interface {
	Click(ctx context.Context) error
	Hover(ctx context.Context) error
	Box(ctx context.Context) (Box, error)
	Text(ctx context.Context) (string, error)
}

// Tab is a single navigable page inside a Session.
type Tab interface {
	ID() string
	URL() string

	// Navigate loads url and returns the main document status. A zero status
	// with a nil error means the browser produced no response.
	Navigate(ctx context.Context, url string) (int, error)
	Reload(ctx context.Context) error

	// Search returns every node currently matching xpath, in document order.
	// It never waits for nodes to appear.
	Search(ctx context.Context, xpath string) ([]Element, error)
	// TextsByXPath reads the trimmed text of the first match of each xpath
	// in one page round trip. Expressions without a match are skipped.
	TextsByXPath(ctx context.Context, xpaths []string) ([]string, error)
	HTML(ctx context.Context) (string, error)

	KeyDown(ctx context.Context, key Key, mods Modifier) error
	KeyUp(ctx context.Context, key Key, mods Modifier) error
	TypeChar(ctx context.Context, ch string) error
	Wheel(ctx context.Context, deltaY float64) error
	Screenshot(ctx context.Context) ([]byte, error)

	// OnRequest and OnResponse register traffic observers and return a
	// function that removes them. Observers run on a dispatch goroutine and
	// may issue further browser commands.
	OnRequest(fn func(types.Request)) func()
	OnResponse(fn func(types.Response)) func()

	Close(ctx context.Context) error
	Closed() bool
}

// Session is one browser instance bound to one account profile.
type Session interface {
	AccountID() string
	// Tabs returns the open tabs in creation order; index 0 is the primary tab.
	Tabs(ctx context.Context) ([]Tab, error)
	// OnTabCreated observes tabs opened by the page (popups, target=_blank).
	OnTabCreated(fn func(Tab)) func()
	// Attaching reports tabs the page has opened that are not usable yet.
	Attaching() int
	Close(ctx context.Context) error
	Closed() bool
}

// Provider supplies ready sessions bound to a persistent per-account profile.
type Provider interface {
	Launch(ctx context.Context, accountID string) (Session, error)
	Close(ctx context.Context, s Session) error
}
