package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tieba_signin/internal/notify"
	"github.com/dgnsrekt/tieba_signin/internal/profile"
	"github.com/dgnsrekt/tieba_signin/internal/signin"
	"github.com/dgnsrekt/tieba_signin/internal/snapshot"
	"github.com/dgnsrekt/tieba_signin/internal/storage"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

type fakeRunner struct {
	res     signin.Result
	started chan struct{}
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context) signin.Result {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	return f.res
}

type fakeCollector struct{ rec profile.Record }

func (f fakeCollector) Collect(ctx context.Context) (profile.Record, error) { return f.rec, nil }

func newStore(t *testing.T) *snapshot.Store {
	t.Helper()
	st, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return st
}

func codeOf(err error) string {
	var ce *types.CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("abc", "snapshot_id"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "snapshot_id")
	var got *types.CodedError
	if !errors.As(err, &got) {
		t.Fatalf("requireNonEmpty() = %T; want *types.CodedError", err)
	}
	if got.Code != types.CodeValidation || got.Message != "snapshot_id is required" {
		t.Fatalf("requireNonEmpty() = %+v; want VALIDATION snapshot_id is required", got)
	}
}

func TestRunSignInRecordsLastResult(t *testing.T) {
	s := NewService(&fakeRunner{res: signin.Result{RunID: "r1", AccountID: "alice", Success: true}}, newStore(t))

	if _, err := s.LastResult(context.Background()); codeOf(err) != types.CodeNotFound {
		t.Fatalf("LastResult() before any run error = %v; want NOT_FOUND", err)
	}

	res, err := s.RunSignIn(context.Background())
	if err != nil {
		t.Fatalf("RunSignIn() error = %v", err)
	}
	if res.RunID != "r1" || !res.Success {
		t.Fatalf("RunSignIn() = %+v; want r1 success", res)
	}

	last, err := s.LastResult(context.Background())
	if err != nil || last.RunID != "r1" {
		t.Fatalf("LastResult() = %+v, %v; want r1", last, err)
	}

	h := s.Health(context.Background())
	if h.Running || h.LastRunID != "r1" || h.LastSuccess == nil || !*h.LastSuccess {
		t.Fatalf("Health() = %+v; want idle with successful r1", h)
	}
}

func TestRunSignInRejectsConcurrentRun(t *testing.T) {
	runner := &fakeRunner{
		res:     signin.Result{RunID: "r1"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := NewService(runner, newStore(t), WithProfiles(fakeCollector{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunSignIn(context.Background())
	}()
	<-runner.started

	if !s.Health(context.Background()).Running {
		t.Fatal("Health().Running = false during a run; want true")
	}
	if _, err := s.RunSignIn(context.Background()); codeOf(err) != types.CodeBusy {
		t.Fatalf("second RunSignIn() error = %v; want BUSY", err)
	}
	if _, err := s.CollectProfile(context.Background()); codeOf(err) != types.CodeBusy {
		t.Fatalf("CollectProfile() during run error = %v; want BUSY", err)
	}

	close(runner.release)
	<-done

	runner.started, runner.release = nil, nil
	if _, err := s.RunSignIn(context.Background()); err != nil {
		t.Fatalf("RunSignIn() after the first finished error = %v", err)
	}
}

func TestRunSignInPersistsAndNotifies(t *testing.T) {
	bodies := make(chan string, 1)
	ntfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies <- string(raw)
	}))
	defer ntfy.Close()

	dir := t.TempDir()
	reg := storage.NewWriterRegistry(dir, 8, 1)
	s := NewService(
		&fakeRunner{res: signin.Result{RunID: "r2", AccountID: "bob", Message: "signed 1 boards", Success: true, Succeeded: 1, Attempted: 1}},
		newStore(t),
		WithRecords(reg),
		WithNotifier(&notify.Notifier{Endpoint: ntfy.URL}),
	)

	if _, err := s.RunSignIn(context.Background()); err != nil {
		t.Fatalf("RunSignIn() error = %v", err)
	}
	got := <-bodies
	if !strings.Contains(got, "tieba sign-in for bob succeeded") {
		t.Fatalf("notification = %q; want bob's success summary", got)
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02"), storage.KindRuns, "bob.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read run record: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"r2"`) {
		t.Fatalf("run record = %s; want r2", data)
	}
}

func TestCollectProfile(t *testing.T) {
	s := NewService(&fakeRunner{}, newStore(t))
	if _, err := s.CollectProfile(context.Background()); codeOf(err) != types.CodeNotFound {
		t.Fatalf("CollectProfile() without collector error = %v; want NOT_FOUND", err)
	}

	s = NewService(&fakeRunner{}, newStore(t), WithProfiles(fakeCollector{rec: profile.Record{Username: "gopher"}}))
	rec, err := s.CollectProfile(context.Background())
	if err != nil || rec.Username != "gopher" {
		t.Fatalf("CollectProfile() = %+v, %v; want gopher", rec, err)
	}
}

func TestSnapshots(t *testing.T) {
	st := newStore(t)
	s := NewService(&fakeRunner{}, st)

	meta, err := st.Save(snapshot.SnapshotMeta{RunID: "r1", Format: "png"}, []byte("img"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	list, err := s.ListSnapshots(context.Background(), "")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSnapshots() = %v, %v; want one snapshot", list, err)
	}
	if list, _ := s.ListSnapshots(context.Background(), "other"); len(list) != 0 {
		t.Fatalf("ListSnapshots(other) = %v; want none", list)
	}

	got, err := s.GetSnapshot(context.Background(), " "+meta.ID+" ")
	if err != nil || got.RunID != "r1" {
		t.Fatalf("GetSnapshot() = %+v, %v; want r1", got, err)
	}

	data, format, err := s.ReadSnapshotImage(context.Background(), meta.ID)
	if err != nil || string(data) != "img" || format != "png" {
		t.Fatalf("ReadSnapshotImage() = %q, %q, %v; want img png", data, format, err)
	}

	if _, err := s.GetSnapshot(context.Background(), ""); codeOf(err) != types.CodeValidation {
		t.Fatalf("GetSnapshot(\"\") error = %v; want VALIDATION", err)
	}
	if _, err := s.GetSnapshot(context.Background(), "00000000-0000-0000-0000-000000000000"); codeOf(err) != types.CodeNotFound {
		t.Fatalf("GetSnapshot(missing) error = %v; want NOT_FOUND", err)
	}

	if err := s.DeleteSnapshot(context.Background(), meta.ID); err != nil {
		t.Fatalf("DeleteSnapshot() error = %v", err)
	}
	if err := s.DeleteSnapshot(context.Background(), meta.ID); codeOf(err) != types.CodeNotFound {
		t.Fatalf("second DeleteSnapshot() error = %v; want NOT_FOUND", err)
	}
}

func TestRunSignInPrunesSnapshots(t *testing.T) {
	st := newStore(t)
	for i := 0; i < 3; i++ {
		if _, err := st.Save(snapshot.SnapshotMeta{RunID: "old", Format: "png", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}, []byte("x")); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	s := NewService(&fakeRunner{res: signin.Result{RunID: "r3"}}, st, WithSnapshotRetention(1))
	if _, err := s.RunSignIn(context.Background()); err != nil {
		t.Fatalf("RunSignIn() error = %v", err)
	}
	if list, _ := st.List(); len(list) != 1 {
		t.Fatalf("snapshots after run = %d; want 1", len(list))
	}
}
