// Package controller is the service façade the API and CLI drive: it runs
// the sign-in workflow one pass at a time and keeps its history.
package controller

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/notify"
	"github.com/dgnsrekt/tieba_signin/internal/profile"
	"github.com/dgnsrekt/tieba_signin/internal/signin"
	"github.com/dgnsrekt/tieba_signin/internal/snapshot"
	"github.com/dgnsrekt/tieba_signin/internal/storage"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

const notifyTimeout = 10 * time.Second

// Runner runs one sign-in pass.
type Runner interface {
	Run(ctx context.Context) signin.Result
}

// ProfileCollector gathers the account's profile.
type ProfileCollector interface {
	Collect(ctx context.Context) (profile.Record, error)
}

// SnapshotStore reads saved failure snapshots.
type SnapshotStore interface {
	Get(id string) (snapshot.SnapshotMeta, error)
	List() ([]snapshot.SnapshotMeta, error)
	ListRun(runID string) ([]snapshot.SnapshotMeta, error)
	Prune(keep int) (int, error)
	ReadImage(id string) ([]byte, string, error)
	Delete(id string) error
}

// ClientCounter reports connected event stream clients.
type ClientCounter interface {
	ClientCount() int
}

// Health is the service's liveness summary.
type Health struct {
	Status        string     `json:"status"`
	Running       bool       `json:"running"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSuccess   *bool      `json:"last_success,omitempty"`
	StreamClients int        `json:"stream_clients"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

// Option configures a Service.
type Option func(*Service)

// WithRecords persists run results as JSONL.
func WithRecords(r *storage.WriterRegistry) Option { return func(s *Service) { s.records = r } }

// WithNotifier sends a summary after every run.
func WithNotifier(n *notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithProfiles enables profile collection.
func WithProfiles(c ProfileCollector) Option { return func(s *Service) { s.profiles = c } }

// WithSnapshotRetention keeps only the newest keep snapshots after each run.
func WithSnapshotRetention(keep int) Option { return func(s *Service) { s.keepSnaps = keep } }

// WithClients reports the stream client count in Health.
func WithClients(c ClientCounter) Option { return func(s *Service) { s.clients = c } }

// Service runs at most one browser job (sign-in or profile) at a time.
type Service struct {
	runner   Runner
	snaps    SnapshotStore
	profiles ProfileCollector
	records  *storage.WriterRegistry
	notifier *notify.Notifier
	clients  ClientCounter
	started  time.Time

	keepSnaps int

	busy sync.Mutex

	mu      sync.RWMutex
	running bool
	last    *signin.Result
}

func NewService(runner Runner, snaps SnapshotStore, opts ...Option) *Service {
	s := &Service{runner: runner, snaps: snaps, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &types.CodedError{Code: types.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) acquire() error {
	if !s.busy.TryLock() {
		return &types.CodedError{Code: types.CodeBusy, Message: "a browser job is already running"}
	}
	return nil
}

// RunSignIn runs one sign-in pass. A pass already in progress yields a
// BUSY error; every other outcome is reported in the Result.
func (s *Service) RunSignIn(ctx context.Context) (signin.Result, error) {
	if err := s.acquire(); err != nil {
		return signin.Result{}, err
	}
	defer s.busy.Unlock()

	s.setRunning(true)
	res := s.runner.Run(ctx)
	s.setRunning(false)

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()

	s.persist(res)
	if _, err := s.snaps.Prune(s.keepSnaps); err != nil {
		slog.Warn("snapshot retention failed", "error", err)
	}
	s.notify(ctx, res)
	return res, nil
}

func (s *Service) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Service) persist(res signin.Result) {
	if s.records == nil {
		return
	}
	account := res.AccountID
	if account == "" {
		account = "unknown"
	}
	if err := s.records.Records(storage.KindRuns, account).Write(res); err != nil {
		slog.Warn("run result not persisted", "run_id", res.RunID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, res signin.Result) {
	if s.notifier == nil || s.notifier.Endpoint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err := s.notifier.SendSummary(ctx, notify.Summary{
		AccountID:     res.AccountID,
		Success:       res.Success,
		Message:       res.Message,
		Succeeded:     res.Succeeded,
		Attempted:     res.Attempted,
		AlreadySigned: res.AlreadySigned,
		DurationMS:    res.DurationMS,
	})
	if err != nil {
		slog.Warn("run notification failed", "run_id", res.RunID, "error", err)
	}
}

// LastResult returns the most recent run's result.
func (s *Service) LastResult(ctx context.Context) (signin.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return signin.Result{}, &types.CodedError{Code: types.CodeNotFound, Message: "no sign-in run yet"}
	}
	return *s.last, nil
}

// CollectProfile gathers the account's profile. It shares the run guard
// because both jobs drive the same browser profile.
func (s *Service) CollectProfile(ctx context.Context) (profile.Record, error) {
	if s.profiles == nil {
		return profile.Record{}, &types.CodedError{Code: types.CodeNotFound, Message: "profile collection is not enabled"}
	}
	if err := s.acquire(); err != nil {
		return profile.Record{}, err
	}
	defer s.busy.Unlock()
	return s.profiles.Collect(ctx)
}

// --- Snapshot methods ---

// ListSnapshots lists all snapshots, or only runID's when it is set.
func (s *Service) ListSnapshots(ctx context.Context, runID string) ([]snapshot.SnapshotMeta, error) {
	if runID = strings.TrimSpace(runID); runID != "" {
		return s.snaps.ListRun(runID)
	}
	return s.snaps.List()
}

func (s *Service) GetSnapshot(ctx context.Context, id string) (snapshot.SnapshotMeta, error) {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return snapshot.SnapshotMeta{}, err
	}

	meta, err := s.snaps.Get(strings.TrimSpace(id))
	if err != nil {
		return snapshot.SnapshotMeta{}, &types.CodedError{Code: types.CodeNotFound, Message: err.Error()}
	}
	return meta, nil
}

func (s *Service) ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error) {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return nil, "", err
	}

	data, format, err := s.snaps.ReadImage(strings.TrimSpace(id))
	if err != nil {
		return nil, "", &types.CodedError{Code: types.CodeNotFound, Message: err.Error()}
	}
	return data, format, nil
}

func (s *Service) DeleteSnapshot(ctx context.Context, id string) error {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return err
	}

	if err := s.snaps.Delete(strings.TrimSpace(id)); err != nil {
		return &types.CodedError{Code: types.CodeNotFound, Message: err.Error()}
	}
	return nil
}

// --- Health ---

func (s *Service) Health(ctx context.Context) Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := Health{
		Status:        "ok",
		Running:       s.running,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.clients != nil {
		h.StreamClients = s.clients.ClientCount()
	}
	if s.last != nil {
		at := s.last.StartedAt
		ok := s.last.Success
		h.LastRunID = s.last.RunID
		h.LastRunAt = &at
		h.LastSuccess = &ok
	}
	return h
}
