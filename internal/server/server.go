package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seanchatmangpt/aps/internal/config"
	"github.com/seanchatmangpt/aps/internal/domain"
	"github.com/seanchatmangpt/aps/internal/events"
	"github.com/seanchatmangpt/aps/internal/logger"
	"github.com/seanchatmangpt/aps/internal/metrics"
	"github.com/seanchatmangpt/aps/internal/registry"
	"github.com/seanchatmangpt/aps/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Registry registry.Registry
	Events   events.Writer
	Webhooks []config.WebhookConfig
	// Workspace receives the files written by POST /work.
	Workspace string
	BasePath  string
	Log       *slog.Logger
	Now       func() time.Time
	// Context stops the webhook dispatcher when done. Without it the
	// dispatcher runs for the life of the process.
	Context context.Context
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logger.Discard()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"process not found: 001_User_Auth"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the process registry API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	router := chi.NewRouter()
	router.Use(requestLog(cfg))
	hcfg := huma.DefaultConfig("APS Process Registry API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerRoot(router)
	registerDocs(router, basePath)
	router.Handle("/metrics", metrics.Handler())
	registerHealth(group, cfg)
	registerWork(group, cfg)
	registerStatus(group, cfg)
	registerAgents(group, cfg)
	registerProcesses(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

	if len(cfg.Webhooks) > 0 && cfg.Events.Conn != nil {
		startWebhookDispatcher(cfg)
	}
	return router, nil
}

// requestLog records every request in the operations log, except metrics
// scrapes and API docs.
func requestLog(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			if r.URL.Path == "/metrics" || r.URL.Path == "/docs" || strings.HasSuffix(r.URL.Path, "openapi.json") {
				return
			}
			cfg.log().Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
			if cfg.Events.Conn == nil {
				return
			}
			if err := cfg.Events.Append(r.Context(), events.TypeHTTPRequest, r.URL.Path, "", events.Payload{"method": r.Method}); err != nil {
				cfg.log().Warn("request not logged", "path", r.URL.Path, "err", err)
			}
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(log *slog.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var perr *registry.RecordParseError
	switch {
	case errors.Is(err, store.ErrProcessNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidName), errors.Is(err, domain.ErrInvalidRole), errors.Is(err, domain.ErrInvalidProcessID):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrInvalidStatus):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"hint": "retry with force to override"})
	case errors.Is(err, store.ErrTemplateMissing):
		return newAPIError(http.StatusUnprocessableEntity, "template_missing", err.Error(), nil)
	case errors.As(err, &perr):
		return newAPIError(http.StatusUnprocessableEntity, "record_parse_error", err.Error(), map[string]any{"key": perr.Key})
	default:
		log.Error("request failed", "err", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

const rootHTML = "<h1>APS Process Registry</h1><p>Serving requests.</p>"

func registerRoot(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, rootHTML)
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>APS API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		var logged int64
		if cfg.Events.Conn != nil {
			n, err := cfg.Events.Count(ctx)
			if err != nil {
				return nil, handleError(cfg.log(), err)
			}
			logged = n
		}
		now := cfg.now()
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			Status:           "healthy",
			Timestamp:        float64(now.UnixNano()) / float64(time.Second),
			OperationsLogged: logged,
		}}, nil
	})
}

func registerWork(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "do-work",
		Method:        http.MethodPost,
		Path:          "/work",
		Summary:       "Write a work output file into the workspace",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		now := cfg.now()
		name := "work_output_" + strconv.FormatInt(now.Unix(), 10) + ".txt"
		dir := cfg.Workspace
		if dir == "" {
			dir = "."
		}
		line := "Work completed at " + now.Format("2006-01-02 15:04:05") + "\n"
		if err := os.WriteFile(filepath.Join(dir, name), []byte(line), 0o644); err != nil {
			return nil, handleError(cfg.log(), fmt.Errorf("write work output: %w", err))
		}
		if cfg.Events.Conn != nil {
			if err := cfg.Events.Append(ctx, events.TypeWorkCompleted, name, "", events.Payload{"file": name}); err != nil {
				cfg.log().Warn("work not logged", "file", name, "err", err)
			}
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: WorkResponse{Message: "Work completed", File: name}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Active agents and process states",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body registry.Report `json:"body"`
	}, error) {
		rep, err := cfg.Registry.StatusReport(ctx)
		if err != nil {
			return nil, handleError(cfg.log(), err)
		}
		return &struct {
			Body registry.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "initialize-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Start an agent session and assign it a role",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body registry.InitResult `json:"body"`
	}, error) {
		res, err := cfg.Registry.InitializeAgent(ctx)
		if err != nil {
			return nil, handleError(cfg.log(), err)
		}
		return &struct {
			Body registry.InitResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerProcesses(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-process",
		Method:        http.MethodPost,
		Path:          "/processes",
		Summary:       "Create a process from the template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProcessRequest `json:"body"`
	}) (*struct {
		Body registry.CreateResult `json:"body"`
	}, error) {
		res, err := cfg.Registry.CreateProcess(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(cfg.log(), err)
		}
		return &struct {
			Body registry.CreateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}",
		Summary:     "Get a process document",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body registry.ProcessDetail `json:"body"`
	}, error) {
		res, err := cfg.Registry.GetProcess(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(cfg.log(), err)
		}
		return &struct {
			Body registry.ProcessDetail `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "handoff-process",
		Method:      http.MethodPost,
		Path:        "/processes/{process_id}/handoff",
		Summary:     "Hand a process off to another role",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProcessID string         `path:"process_id"`
		Body      HandoffRequest `json:"body"`
	}) (*struct {
		Body registry.HandoffResult `json:"body"`
	}, error) {
		res, err := cfg.Registry.Handoff(ctx, input.ProcessID, input.Body.ToRole, registry.HandoffOptions{
			FromRole: input.Body.FromRole,
			Subject:  input.Body.Subject,
			Content:  input.Body.Content,
			Force:    input.Body.Force,
		})
		if err != nil {
			return nil, handleError(cfg.log(), err)
		}
		return &struct {
			Body registry.HandoffResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent operations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp := paginatedEvents{Items: []EventResponse{}}
		if cfg.Events.Conn == nil {
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := cfg.Events.Latest(ctx, limit+1, before, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(cfg.log(), err)
		}
		if len(items) > limit {
			// the cursor is exclusive, so point it just past the last item shown
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
