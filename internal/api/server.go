// Package api exposes the controller's HTTP surface: status and tab
// inspection, manual classification, the live event stream, metrics,
// and the warning page.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/urlwarden/urlwarden/internal/classifier"
	"github.com/urlwarden/urlwarden/internal/guard"
	"github.com/urlwarden/urlwarden/internal/handoff"
	"github.com/urlwarden/urlwarden/internal/interstitial"
	"github.com/urlwarden/urlwarden/internal/relay"
	"github.com/urlwarden/urlwarden/internal/tabstate"
)

// Service is the pipeline surface the API reads from.
type Service interface {
	ClassifyURL(ctx context.Context, url string) (classifier.Response, error)
	ListTabs() []tabstate.Record
	GetTab(tabID string) (tabstate.Record, bool)
	TrackedTabs() int
}

// Options carries the auxiliary handlers mounted next to the huma API.
// Any nil field leaves its route unmounted.
type Options struct {
	Broker       *relay.Broker
	Interstitial *interstitial.Controller
	Status       *handoff.StatusStore
	Metrics      http.Handler
	StartedAt    time.Time
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("URL Warden Controller API", "1.0.0")
	api := humachi.New(router, cfg)

	registerHandlers(api, svc, opts)

	if opts.Broker != nil {
		router.Get("/events", relay.SSEHandler(opts.Broker))
	}
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics)
	}
	if opts.Interstitial != nil {
		opts.Interstitial.Mount(router)
	}

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *guard.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case guard.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case guard.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case guard.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case guard.CodeClassifierUnavailable, guard.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
