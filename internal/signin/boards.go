package signin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/interact"
	"github.com/dgnsrekt/tieba_signin/internal/pagesession"
)

var (
	errViewMoreMissing = errors.New("view more control not found")
	errPopupClose      = errors.New("failed to close board page")
)

// signBoards works through the recently visited list and then the "more
// boards" list, signing each unsigned board in its popup. Structural
// failures that leave the loop unable to continue stop it; only a missing
// popup is returned as an error.
func (r *run) signBoards(ctx context.Context, primary browser.Tab) error {
	t := r.w.timeouts
	recent, more := 0, 0
	recentExhausted := false

	for {
		if err := ctx.Err(); err != nil {
			r.stop(err.Error())
			return nil
		}

		watch := r.mgr.WatchPopup()
		var (
			el      browser.Element
			clicked bool
		)
		if !recentExhausted {
			el, clicked = r.in.Click(ctx, primary, interact.At(r.loc.RecentUnsigned).Nth(recent), interact.ClickOptions{Timeout: t.Click})
			if clicked {
				recent++
			} else {
				recentExhausted = true
				slog.Debug("recent board list exhausted", "run_id", r.res.RunID, "clicked", recent)
			}
		}
		if recentExhausted {
			if _, ok := r.in.Hover(ctx, primary, interact.At(r.loc.ViewMore), interact.WaitOptions{Timeout: t.Wait, Label: "view_more"}); !ok {
				watch.Stop()
				slog.Error("board list unreachable", "run_id", r.res.RunID, "error", errViewMoreMissing)
				r.stop(errViewMoreMissing.Error())
				return nil
			}
			el, clicked = r.in.Click(ctx, primary, interact.At(r.loc.MoreUnsigned).Nth(more), interact.ClickOptions{Timeout: t.Click, ScrollIntoView: true})
			if !clicked {
				watch.Stop()
				slog.Debug("more board list exhausted", "run_id", r.res.RunID, "clicked", more)
				return nil
			}
			more++
		}

		board := boardName(ctx, el, recent+more)
		if err := r.signBoard(ctx, primary, watch, board); err != nil {
			if errors.Is(err, pagesession.ErrNoNewTab) {
				return fmt.Errorf("sign-in failed, %w", err)
			}
			slog.Error("board loop stopped", "run_id", r.res.RunID, "board", board, "error", err)
			r.stop(err.Error())
			return nil
		}
	}
}

// signBoard handles the popup opened for one board.
func (r *run) signBoard(ctx context.Context, primary browser.Tab, watch *pagesession.PopupWatch, board string) error {
	t := r.w.timeouts
	r.idle.AwaitIdle(ctx, primary)

	popup, err := watch.Resolve(ctx, t.PopupGrace)
	if err != nil {
		return err
	}
	detach := r.observe(popup)
	defer detach()

	r.idle.AwaitIdle(ctx, popup)

	var outcome BoardOutcome
	if _, signed := r.in.Wait(ctx, popup, interact.At(r.loc.SignComplete), interact.WaitOptions{Timeout: t.Wait}); signed {
		outcome = BoardOutcome{Board: board, AlreadySigned: true}
		r.res.AlreadySigned++
	} else {
		r.res.Attempted++
		if _, ok := r.in.Click(ctx, popup, interact.At(r.loc.SignButton), interact.ClickOptions{Timeout: t.Click}); ok {
			r.res.Succeeded++
			outcome = BoardOutcome{Board: board, Succeeded: true}
		} else {
			outcome = BoardOutcome{Board: board, Reason: "sign control not found"}
			if !r.failureLogged {
				r.failureLogged = true
				slog.Warn("board sign-in failed", "run_id", r.res.RunID, "board", board, "url", popup.URL())
			}
		}
	}
	r.record(outcome)

	r.idle.AwaitIdle(ctx, popup)
	if err := r.mgr.CloseTab(ctx, popup); err != nil {
		slog.Error("board page close failed", "run_id", r.res.RunID, "board", board, "error", err)
		return errPopupClose
	}
	return nil
}

func (r *run) record(o BoardOutcome) {
	r.res.Outcomes = append(r.res.Outcomes, o)
	r.publish("board", o)
}

func (r *run) stop(reason string) {
	r.res.StopReason = reason
}

func boardName(ctx context.Context, el browser.Element, n int) string {
	if el != nil {
		if text, err := el.Text(ctx); err == nil {
			if text = strings.TrimSpace(text); text != "" {
				return text
			}
		}
	}
	return fmt.Sprintf("board-%d", n)
}
