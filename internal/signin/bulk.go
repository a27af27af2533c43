package signin

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/capture"
	"github.com/dgnsrekt/tieba_signin/internal/config"
	"github.com/dgnsrekt/tieba_signin/internal/interact"
)

// bulkResponse is the one-key sign-in endpoint payload. Any "err" key
// marks the attempt as failed.
type bulkResponse struct {
	No    int              `json:"no"`
	Error string           `json:"error"`
	Err   *json.RawMessage `json:"err"`
	Data  *struct {
		SignedForumAmount     int `json:"signedForumAmount"`
		SignedForumAmountFail int `json:"signedForumAmountFail"`
		UnsignedForumAmount   int `json:"unsignedForumAmount"`
	} `json:"data"`
}

// bulkSignIn opens the one-key dialog, starts it and waits for the result.
// A failed bulk attempt is not fatal: the board loop runs afterwards.
func (r *run) bulkSignIn(ctx context.Context, tab browser.Tab) BulkOutcome {
	t := r.w.timeouts
	r.in.Click(ctx, tab, interact.At(r.loc.OneKeySign), interact.ClickOptions{Timeout: t.Click, Label: "bulk_entry"})

	if r.cfg.SignedCheckOrder == config.CheckBeforeBulk {
		if out, ok := r.checkAlreadySigned(ctx, tab, t.SignedCheck, false); ok {
			return out
		}
	}

	sub := r.corr.SubscribeResponse(tab, capture.Match{URLPrefix: r.bulkResultURL(), Marker: "data"})
	defer sub.Cancel()

	if _, ok := r.in.Click(ctx, tab, interact.At(r.loc.OneKeySignStart), interact.ClickOptions{Timeout: t.Click, Label: "bulk_start"}); !ok {
		sub.Cancel()
		out, _ := r.checkAlreadySigned(ctx, tab, t.Wait, true)
		return out
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.BulkResult)
	body, err := sub.Wait(waitCtx)
	cancel()

	out := parseBulkResult(body, err)
	if out.Success {
		slog.Info("bulk sign-in finished", "run_id", r.res.RunID, "message", out.Message)
	} else {
		slog.Warn("bulk sign-in failed", "run_id", r.res.RunID, "message", out.Message, "err", out.Err)
	}

	if err := r.in.PressKey(ctx, tab, browser.KeyEscape); err != nil {
		slog.Debug("escape after bulk sign-in failed", "error", err)
	}
	if err := tab.Reload(ctx); err != nil {
		slog.Warn("reload after bulk sign-in failed", "error", err)
	}
	r.idle.AwaitIdle(ctx, tab)
	return out
}

// checkAlreadySigned reads the dialog's signed and unsigned counters. When
// required is false a missing dialog means "not signed yet" and ok is false;
// when required is true it is a failed bulk attempt.
func (r *run) checkAlreadySigned(ctx context.Context, tab browser.Tab, timeout time.Duration, required bool) (BulkOutcome, bool) {
	_, present := r.in.Wait(ctx, tab, interact.At(r.loc.OneKeySignSigned), interact.WaitOptions{Timeout: timeout, Label: labelIf(required, "bulk_signed")})
	if !present {
		if !required {
			return BulkOutcome{}, false
		}
		slog.Warn("bulk sign-in failed", "run_id", r.res.RunID, "message", "neither start control nor signed marker found")
		return BulkOutcome{Unsigned: -1, Message: "bulk sign-in dialog not found"}, true
	}

	texts := r.in.ReadTextBatch(ctx, tab, []interact.Locator{interact.At(r.loc.SignedCount), interact.At(r.loc.UnsignedCount)})
	if len(texts) == 2 {
		if n, err := strconv.Atoi(strings.TrimSpace(texts[1])); err == nil && n == 0 {
			slog.Info("all boards already signed", "run_id", r.res.RunID, "signed", texts[0])
			return BulkOutcome{Success: true, Unsigned: 0, Message: "all boards already signed"}, true
		}
	}

	if err := r.in.PressKey(ctx, tab, browser.KeyEscape); err != nil {
		slog.Debug("escape on bulk dialog failed", "error", err)
	}
	r.in.Click(ctx, tab, interact.At(r.loc.OneKeySignClose), interact.ClickOptions{Timeout: r.w.timeouts.Click, Label: "bulk_close"})
	return BulkOutcome{Success: true, Unsigned: -1, Message: "bulk sign-in already done"}, true
}

func labelIf(cond bool, label string) string {
	if cond {
		return label
	}
	return ""
}

func parseBulkResult(body string, waitErr error) BulkOutcome {
	out := BulkOutcome{Unsigned: -1}
	if waitErr != nil {
		out.Message = "bulk sign-in result not received"
		out.Err = waitErr.Error()
		return out
	}
	if body == "" {
		out.Message = "bulk sign-in result unreadable"
		return out
	}

	var resp bulkResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		out.Message = "bulk sign-in result malformed"
		out.Err = err.Error()
		return out
	}
	if resp.Err != nil {
		out.Message = "bulk sign-in failed"
		out.Err = strings.Trim(string(*resp.Err), `"`)
		return out
	}

	out.Success = true
	out.Message = "bulk sign-in succeeded"
	if resp.Data != nil {
		if resp.Data.SignedForumAmount > 0 {
			out.Message += " for " + strconv.Itoa(resp.Data.SignedForumAmount) + " boards"
		}
		return out
	}
	if tree, ok := capture.DecodeJSON(body); ok {
		if v, found := capture.DeepFind(tree, "signedForumAmount"); found {
			if n, ok := v.(float64); ok && n > 0 {
				out.Message += " for " + strconv.Itoa(int(n)) + " boards"
			}
		}
	}
	return out
}
