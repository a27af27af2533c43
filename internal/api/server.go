package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tieba_signin/internal/controller"
	"github.com/dgnsrekt/tieba_signin/internal/profile"
	"github.com/dgnsrekt/tieba_signin/internal/relay"
	"github.com/dgnsrekt/tieba_signin/internal/signin"
	"github.com/dgnsrekt/tieba_signin/internal/snapshot"
	"github.com/dgnsrekt/tieba_signin/internal/types"
)

type Service interface {
	RunSignIn(ctx context.Context) (signin.Result, error)
	LastResult(ctx context.Context) (signin.Result, error)
	CollectProfile(ctx context.Context) (profile.Record, error)
	ListSnapshots(ctx context.Context, runID string) ([]snapshot.SnapshotMeta, error)
	GetSnapshot(ctx context.Context, id string) (snapshot.SnapshotMeta, error)
	ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error)
	DeleteSnapshot(ctx context.Context, id string) error
	Health(ctx context.Context) controller.Health
}

type resultOutput struct {
	Body signin.Result
}

type snapshotIDInput struct {
	SnapshotID string `path:"snapshot_id"`
}

// NewServer builds the HTTP handler. A nil broker disables the event
// stream routes.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Tieba Sign-in API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	links := []docLink{{Label: "Health", Href: "/api/v1/health"}}
	if broker != nil {
		links = append([]docLink{{Label: "Event Stream Docs", Href: "/docs/events"}}, links...)
	}
	router.Get("/docs", htmlHandler(renderDocs(docsPage{
		Title:   "Tieba Sign-in API",
		SpecURL: "/openapi.json",
		Links:   links,
	})))
	router.Get("/docs/events", htmlHandler([]byte(eventsDocsHTML)))

	if broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(broker))
		router.Get("/api/v1/events/ws", relay.WSHandler(broker))
	}
	router.Get("/api/v1/snapshots/{snapshot_id}/image", snapshotImageHandler(svc))

	registerSignInHandlers(api, svc)
	registerSnapshotHandlers(api, svc)
	registerHealthHandlers(api, svc)

	return router
}

func registerSignInHandlers(api huma.API, svc Service) {
	runSignIn := func(ctx context.Context, input *struct{}) (*resultOutput, error) {
		res, err := svc.RunSignIn(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		return &resultOutput{Body: res}, nil
	}

	huma.Register(api, huma.Operation{OperationID: "sign-in", Method: http.MethodGet, Path: "/signIn", Summary: "Run one sign-in pass", Description: "Runs the bulk sign-in and then signs the remaining boards one by one. Blocks until the run finishes.", Tags: []string{"Sign-in"}}, runSignIn)
	huma.Register(api, huma.Operation{OperationID: "tieba-sign-in", Method: http.MethodGet, Path: "/tieba/signIn", Summary: "Run one sign-in pass (alias)", Tags: []string{"Sign-in"}}, runSignIn)
	huma.Register(api, huma.Operation{OperationID: "run-sign-in", Method: http.MethodPost, Path: "/api/v1/signin/run", Summary: "Run one sign-in pass", Tags: []string{"Sign-in"}}, runSignIn)

	huma.Register(api, huma.Operation{OperationID: "last-sign-in", Method: http.MethodGet, Path: "/api/v1/signin/last", Summary: "Result of the most recent run", Tags: []string{"Sign-in"}},
		func(ctx context.Context, input *struct{}) (*resultOutput, error) {
			res, err := svc.LastResult(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &resultOutput{Body: res}, nil
		})

	type profileOutput struct {
		Body profile.Record
	}
	huma.Register(api, huma.Operation{OperationID: "collect-profile", Method: http.MethodGet, Path: "/api/v1/profile", Summary: "Collect the account profile", Tags: []string{"Profile"}},
		func(ctx context.Context, input *struct{}) (*profileOutput, error) {
			rec, err := svc.CollectProfile(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &profileOutput{Body: rec}, nil
		})
}

func registerSnapshotHandlers(api huma.API, svc Service) {
	type listSnapshotsOutput struct {
		Body struct {
			Snapshots []snapshot.SnapshotMeta `json:"snapshots"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-snapshots", Method: http.MethodGet, Path: "/api/v1/snapshots", Summary: "List failure snapshots", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			RunID string `query:"run_id" doc:"Only snapshots taken during this run"`
		}) (*listSnapshotsOutput, error) {
			metas, err := svc.ListSnapshots(ctx, input.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listSnapshotsOutput{}
			out.Body.Snapshots = metas
			if out.Body.Snapshots == nil {
				out.Body.Snapshots = []snapshot.SnapshotMeta{}
			}
			return out, nil
		})

	type getSnapshotOutput struct {
		Body snapshot.SnapshotMeta
	}
	huma.Register(api, huma.Operation{OperationID: "get-snapshot", Method: http.MethodGet, Path: "/api/v1/snapshots/{snapshot_id}", Summary: "Get snapshot metadata", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *snapshotIDInput) (*getSnapshotOutput, error) {
			meta, err := svc.GetSnapshot(ctx, input.SnapshotID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &getSnapshotOutput{Body: meta}, nil
		})

	type deleteSnapshotOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-snapshot", Method: http.MethodDelete, Path: "/api/v1/snapshots/{snapshot_id}", Summary: "Delete snapshot", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *snapshotIDInput) (*deleteSnapshotOutput, error) {
			if err := svc.DeleteSnapshot(ctx, input.SnapshotID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteSnapshotOutput{}
			out.Body.Status = "deleted"
			return out, nil
		})
}

func registerHealthHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body controller.Health
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			return &healthOutput{Body: svc.Health(ctx)}, nil
		})
}

// snapshotImageHandler serves the raw image bytes, which huma's JSON
// bodies do not cover.
func snapshotImageHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, format, err := svc.ReadSnapshotImage(r.Context(), chi.URLParam(r, "snapshot_id"))
		if err != nil {
			var se huma.StatusError
			if errors.As(mapErr(err), &se) {
				http.Error(w, err.Error(), se.GetStatus())
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/"+format)
		if _, err := w.Write(data); err != nil {
			slog.Debug("snapshot image write failed", "error", err)
		}
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case types.CodeBusy:
			return huma.Error409Conflict(coded.Message)
		case types.CodeNavTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case types.CodeNavRateLimited:
			return huma.Error429TooManyRequests(coded.Message)
		case types.CodeBrowserUnavailable, types.CodeNavProxy, types.CodeNavFailed:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
