// Package profile collects the account's public profile summary from the
// personal page reached through the "my boards" entrance.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/capture"
	"github.com/dgnsrekt/tieba_signin/internal/config"
	"github.com/dgnsrekt/tieba_signin/internal/interact"
	"github.com/dgnsrekt/tieba_signin/internal/pagesession"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

const (
	myBoardsEntrance = `/html/body//div[@id="my_tieba_mod"]//div[@class="media_right"]//a[contains(@href,"/home/main")]`
	personalInfo     = `/html/body//div[@class="userinfo_middle"]`

	xpUsername   = personalInfo + `//*[@class="user_name"]/text()`
	xpBarAge     = personalInfo + `//*[@class="userinfo_split"]/following-sibling::*[contains(text(),"吧龄")]/text()`
	xpPostCount  = personalInfo + `//*[@class="userinfo_split"]/following-sibling::*[contains(text(),"发贴")]/text()`
	xpIPLocation = personalInfo + `//*[@class="userinfo_split"]/following-sibling::*[contains(text(),"IP属地")]/text()`
	xpMale       = personalInfo + `//*[contains(@class,"userinfo_sex_male")]`
	xpFemale     = personalInfo + `//*[contains(@class,"userinfo_sex_female")]`
)

// ErrPanelMissing means the personal page had no info panel, usually
// because the account is not logged in.
var ErrPanelMissing = errors.New("personal info panel not found")

// Record is one profile snapshot.
type Record struct {
	AccountID   string    `json:"account_id"`
	Username    string    `json:"username"`
	BarAge      string    `json:"bar_age,omitempty"`
	PostCount   string    `json:"post_count,omitempty"`
	IPLocation  string    `json:"ip_location,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	URL         string    `json:"url,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// RecordWriter persists collected records.
type RecordWriter interface {
	Write(record any) error
}

// Collector gathers profile records for the configured account.
type Collector struct {
	provider browser.Provider
	src      config.Source
	records  RecordWriter

	// PopupGrace bounds the wait for the personal page popup.
	PopupGrace   time.Duration
	ClickTimeout time.Duration
	Interact     interact.Config
}

func NewCollector(provider browser.Provider, src config.Source, records RecordWriter) *Collector {
	return &Collector{
		provider:     provider,
		src:          src,
		records:      records,
		PopupGrace:   3 * time.Second,
		ClickTimeout: interact.DefaultClickTimeout,
		Interact:     interact.DefaultConfig(),
	}
}

// Collect opens the personal page and parses its info panel.
func (c *Collector) Collect(ctx context.Context) (Record, error) {
	cfg, err := config.FromSource(c.src)
	if err != nil {
		return Record{}, types.NewError(types.CodeValidation, "invalid configuration", err)
	}
	if cfg.AccountID == "" {
		return Record{}, types.NewError(types.CodeValidation, "account id required", nil)
	}

	session, err := c.provider.Launch(ctx, cfg.AccountID)
	if err != nil {
		return Record{}, types.NewError(types.CodeBrowserUnavailable, "browser unavailable", err)
	}
	mgr := pagesession.New(session, pagesession.WithNavTimeout(cfg.NavTimeout()))
	defer func() {
		if cfg.Debug {
			return
		}
		if err := mgr.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("browser close failed", "account_id", cfg.AccountID, "error", err)
		}
	}()

	primary, err := mgr.Primary(ctx)
	if err != nil {
		return Record{}, types.NewError(types.CodeBrowserUnavailable, "browser unavailable", err)
	}
	if err := mgr.Navigate(ctx, primary, cfg.HomeURL); err != nil {
		var navErr *pagesession.NavError
		if errors.As(err, &navErr) {
			return Record{}, types.NewError(navErr.Code(), "open home page", err)
		}
		return Record{}, types.NewError(types.CodeNavFailed, "open home page", err)
	}

	in := interact.New(c.Interact)
	idle := capture.NewIdleDetector(capture.IdleConfig{
		Tick:        time.Duration(cfg.IdleTickMS) * time.Millisecond,
		HardTimeout: time.Duration(cfg.IdleHardTimeoutMS) * time.Millisecond,
		Filter:      capture.NewFilter(capture.DefaultIgnoredTypes, cfg.IdleExceptionURLs),
		Debug:       cfg.Debug,
	})

	watch := mgr.WatchPopup()
	if _, ok := in.Click(ctx, primary, interact.At(myBoardsEntrance), interact.ClickOptions{Timeout: c.ClickTimeout, Label: "my_boards_entrance"}); !ok {
		watch.Stop()
		return Record{}, types.NewError(types.CodeNotFound, "my boards entrance not found", nil)
	}
	idle.AwaitIdle(ctx, primary)
	page, err := watch.Resolve(ctx, c.PopupGrace)
	if err != nil {
		return Record{}, types.NewError(types.CodeNotFound, "personal page not opened", err)
	}
	idle.AwaitIdle(ctx, page)

	html, err := page.HTML(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("read personal page: %w", err)
	}
	rec, err := Parse(html)
	if err != nil {
		return Record{}, types.NewError(types.CodeNotFound, err.Error(), err)
	}
	rec.AccountID = cfg.AccountID
	rec.URL = page.URL()
	rec.CollectedAt = time.Now().UTC()

	if c.records != nil {
		if err := c.records.Write(rec); err != nil {
			slog.Warn("profile record not persisted", "account_id", cfg.AccountID, "error", err)
		}
	}
	slog.Info("profile collected", "account_id", cfg.AccountID, "username", rec.Username)
	return rec, nil
}

// Parse extracts a Record from the personal page HTML.
func Parse(html string) (Record, error) {
	doc, err := htmlquery.Parse(strings.NewReader(html))
	if err != nil {
		return Record{}, fmt.Errorf("parse personal page: %w", err)
	}
	if panel, err := htmlquery.Query(doc, personalInfo); err != nil || panel == nil {
		return Record{}, ErrPanelMissing
	}

	rec := Record{
		Username:   field(doc, xpUsername),
		BarAge:     field(doc, xpBarAge),
		PostCount:  field(doc, xpPostCount),
		IPLocation: field(doc, xpIPLocation),
	}
	switch {
	case exists(doc, xpMale):
		rec.Gender = "male"
	case exists(doc, xpFemale):
		rec.Gender = "female"
	}
	return rec, nil
}

// field returns the value part of a "label:value" text node.
func field(doc *html.Node, expr string) string {
	n, err := htmlquery.Query(doc, expr)
	if err != nil || n == nil {
		return ""
	}
	text := strings.TrimSpace(htmlquery.InnerText(n))
	for _, sep := range []string{"：", ":"} {
		if _, v, ok := strings.Cut(text, sep); ok {
			return strings.TrimSpace(v)
		}
	}
	return text
}

func exists(doc *html.Node, expr string) bool {
	n, err := htmlquery.Query(doc, expr)
	return err == nil && n != nil
}
