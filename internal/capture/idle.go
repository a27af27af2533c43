package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/browser"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

// IdleOutcome says how an idle wait ended.
type IdleOutcome int

const (
	IdleQuiesced IdleOutcome = iota
	IdleHardTimeout
	IdleCancelled
)

func (o IdleOutcome) String() string {
	switch o {
	case IdleQuiesced:
		return "quiesced"
	case IdleHardTimeout:
		return "hard_timeout"
	case IdleCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IdleConfig tunes the idle heuristic.
type IdleConfig struct {
	Tick        time.Duration
	HardTimeout time.Duration
	// BalancedAfterTicks is the first tick on which balanced counters
	// (responses not ahead of requests) count as idle. Requests left
	// unanswered, such as long polls, do not hold the wait open.
	BalancedAfterTicks int
	// QuietAfterTicks is the first tick on which a tick without any
	// qualifying traffic counts as idle.
	QuietAfterTicks int
	Filter          Filter
	Debug           bool
}

// DefaultIdleConfig returns the production defaults.
func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		Tick:               1500 * time.Millisecond,
		HardTimeout:        30 * time.Second,
		BalancedAfterTicks: 2,
		QuietAfterTicks:    1,
		Filter:             NewFilter(DefaultIgnoredTypes, nil),
	}
}

// IdleDetector infers when a tab has finished its background traffic.
type IdleDetector struct {
	cfg IdleConfig
}

func NewIdleDetector(cfg IdleConfig) *IdleDetector {
	def := DefaultIdleConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = def.HardTimeout
	}
	if cfg.BalancedAfterTicks <= 0 {
		cfg.BalancedAfterTicks = def.BalancedAfterTicks
	}
	if cfg.QuietAfterTicks <= 0 {
		cfg.QuietAfterTicks = def.QuietAfterTicks
	}
	if cfg.Filter.ignoredTypes == nil {
		cfg.Filter = NewFilter(DefaultIgnoredTypes, cfg.Filter.exceptionURLs)
	}
	return &IdleDetector{cfg: cfg}
}

// AwaitIdle blocks until tab traffic quiesces, the hard timeout passes or
// ctx ends. It never fails; observers are detached before it returns.
func (d *IdleDetector) AwaitIdle(ctx context.Context, tab browser.Tab) IdleOutcome {
	start := time.Now()
	var requests, responses, activity atomic.Int64

	offReq := tab.OnRequest(func(r types.Request) {
		if !d.cfg.Filter.Qualifies(r.ResourceType, r.URL) {
			return
		}
		requests.Add(1)
		activity.Add(1)
	})
	defer offReq()
	offResp := tab.OnResponse(func(r types.Response) {
		if !d.cfg.Filter.Qualifies(r.ResourceType, r.URL) {
			return
		}
		responses.Add(1)
		activity.Add(1)
	})
	defer offResp()

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	hard := time.NewTimer(d.cfg.HardTimeout)
	defer hard.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			d.debug("idle wait cancelled", tab, start, ticks, requests.Load(), responses.Load())
			return IdleCancelled
		case <-hard.C:
			d.debug("idle wait hit hard timeout", tab, start, ticks, requests.Load(), responses.Load())
			return IdleHardTimeout
		case <-ticker.C:
			ticks++
			balanced := responses.Load()-requests.Load() <= 0
			quiet := activity.Swap(0) == 0

			if (balanced && ticks >= d.cfg.BalancedAfterTicks) || (quiet && ticks >= d.cfg.QuietAfterTicks) {
				d.debug("network idle", tab, start, ticks, requests.Load(), responses.Load())
				return IdleQuiesced
			}
		}
	}
}

func (d *IdleDetector) debug(msg string, tab browser.Tab, start time.Time, ticks int, requests, responses int64) {
	if !d.cfg.Debug {
		return
	}
	slog.Debug(msg,
		"tab_id", tab.ID(),
		"ticks", ticks,
		"requests", requests,
		"responses", responses,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
