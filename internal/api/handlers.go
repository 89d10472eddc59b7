package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/urlwarden/urlwarden/internal/guard"
	"github.com/urlwarden/urlwarden/internal/handoff"
	"github.com/urlwarden/urlwarden/internal/tabstate"
)

func registerHandlers(api huma.API, svc Service, opts Options) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type statusOutput struct {
		Body struct {
			Status      string          `json:"status"`
			TrackedTabs int             `json:"tracked_tabs"`
			SSEClients  int             `json:"sse_clients"`
			UptimeS     float64         `json:"uptime_s"`
			Last        *handoff.Status `json:"last_classification,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Controller status and last classification", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			out := &statusOutput{}
			out.Body.Status = "ok"
			out.Body.TrackedTabs = svc.TrackedTabs()
			if opts.Broker != nil {
				out.Body.SSEClients = opts.Broker.ClientCount()
			}
			if !opts.StartedAt.IsZero() {
				out.Body.UptimeS = time.Since(opts.StartedAt).Seconds()
			}
			if opts.Status != nil {
				if last, ok, err := opts.Status.Load(); err == nil && ok {
					out.Body.Last = &last
				}
			}
			return out, nil
		})

	type tabsOutput struct {
		Body struct {
			Tabs []tabstate.Record `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List tabs with applied verdicts", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			out := &tabsOutput{}
			out.Body.Tabs = svc.ListTabs()
			return out, nil
		})

	type tabInput struct {
		TabID string `path:"tab_id"`
	}
	type tabOutput struct {
		Body tabstate.Record
	}
	huma.Register(api, huma.Operation{OperationID: "get-tab", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}", Summary: "Get one tab's applied verdict", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabInput) (*tabOutput, error) {
			rec, ok := svc.GetTab(input.TabID)
			if !ok {
				return nil, mapErr(&guard.CodedError{Code: guard.CodeTabNotFound, Message: "tab has no applied verdict"})
			}
			out := &tabOutput{}
			out.Body = rec
			return out, nil
		})

	type classifyInput struct {
		Body struct {
			URL string `json:"url" doc:"URL to classify" minLength:"1"`
		}
	}
	type classifyOutput struct {
		Body struct {
			URL        string  `json:"url"`
			Verdict    string  `json:"verdict"`
			RawResult  string  `json:"raw_result"`
			Confidence float64 `json:"confidence,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "classify-url", Method: http.MethodPost, Path: "/api/v1/classify", Summary: "Classify a URL without a tab", Tags: []string{"Classification"}},
		func(ctx context.Context, input *classifyInput) (*classifyOutput, error) {
			resp, err := svc.ClassifyURL(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &classifyOutput{}
			out.Body.URL = resp.URL
			out.Body.Verdict = resp.Verdict.String()
			out.Body.RawResult = resp.RawResult
			out.Body.Confidence = resp.Confidence
			return out, nil
		})
}
