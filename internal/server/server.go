package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/engine/auth"
)

const conflictAttempts = 3

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Actors   ActorResolver
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"TRANSITION TASK denied for alice: not the owner"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the taskdesk API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Actors == nil {
		return nil, errors.New("server: actor resolver required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.L()
	}
	log = log.Named("http")

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Schema failures are malformed requests; 422 is kept for state rules.
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			reasons := make([]string, 0, len(errs))
			for _, err := range errs {
				reasons = append(reasons, err.Error())
			}
			details = map[string]any{"errors": reasons}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Actors, log))
	api := humachi.New(router, apiConfig(basePath))
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, log: log}
	registerHealth(group)
	registerMe(group)
	registerTasks(group, h)
	registerTaskActions(group, h)
	registerOrg(group, h)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth, cfg.Actors)
	}
	markSecured(api.OpenAPI(), map[string]bool{"health": true, "dev-login": true})
	return router, nil
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

type handlers struct {
	engine engine.Engine
	log    *zap.Logger
}

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var denied *auth.DeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"operation": string(denied.Operation),
			"resource":  string(denied.Resource),
			"reason":    denied.Reason.String(),
		})
	}
	var invalid *domain.ValidationError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", invalid.Reason, nil)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	h.log.Error("request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

// retry re-runs a mutation that lost a concurrent-write race.
func retry[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	return engine.Retry(ctx, conflictAttempts, fn)
}

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
}

func defaultCodeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

var bearerSecurity = []map[string][]string{{"bearerAuth": {}}}

// apiConfig serves the OpenAPI document under the base path and the docs page
// at /docs.
func apiConfig(basePath string) huma.Config {
	hcfg := huma.DefaultConfig("taskdesk API", "1.0.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = "/docs"
	hcfg.Info.Description = "Task delegation with role-scoped permissions. Authenticate with Authorization: Bearer <token>."
	if hcfg.Components.SecuritySchemes == nil {
		hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	hcfg.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	return hcfg
}

// markSecured tags every registered operation except the public ones with
// the bearer scheme.
func markSecured(oas *huma.OpenAPI, public map[string]bool) {
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil && !public[op.OperationID] {
				op.Security = bearerSecurity
			}
		}
	}
}

type healthOutput struct {
	Body struct {
		Status string    `json:"status" example:"ok"`
		Time   time.Time `json:"time"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness probe",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.Time = time.Now().UTC()
		return out, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*ActorOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		return &ActorOutput{Body: actor}, nil
	})
}
