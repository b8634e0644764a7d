package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"testgate/internal/db"
	"testgate/internal/domain"
	"testgate/internal/engine"
	"testgate/internal/fault"
	"testgate/internal/fingerprint"
	"testgate/internal/repo"
	"testgate/internal/token"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Tokens   *token.Manager
	Pool     *db.DB
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"token_expired"`
	Message string         `json:"message" example:"token has expired"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the TestGate API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("TestGate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerSubmissions(group, cfg.Engine)
	registerArtifacts(group, cfg)
	registerTokens(group, cfg.Tokens)
	registerFingerprint(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

// scopedRepo runs fn on a repo bound to one pooled connection, so reads
// against a saturated pool fail fast with the configured acquisition timeout
// instead of queueing behind the request context.
func scopedRepo(ctx context.Context, cfg Config, fn func(r repo.Repo) error) error {
	if cfg.Pool == nil {
		return fn(cfg.Engine.Repo)
	}
	return cfg.Pool.WithConn(ctx, func(conn *sql.Conn) error {
		return fn(repo.Repo{DB: conn})
	})
}

// handleError maps domain faults onto the HTTP envelope. The fault reason
// becomes the stable error code.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	code := fault.ReasonOf(err)
	switch fault.KindOf(err) {
	case fault.InputValidation:
		return newAPIError(http.StatusBadRequest, code, err.Error(), nil)
	case fault.Unauthorized:
		return newAPIError(http.StatusUnauthorized, code, err.Error(), nil)
	case fault.NotFound:
		return newAPIError(http.StatusNotFound, code, err.Error(), nil)
	case fault.Conflict:
		return newAPIError(http.StatusConflict, code, err.Error(), nil)
	case fault.RateLimited:
		return newAPIError(http.StatusTooManyRequests, code, err.Error(), nil)
	case fault.Timeout:
		return newAPIError(http.StatusServiceUnavailable, code, err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workflow status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		var counts map[string]int
		err := scopedRepo(ctx, cfg, func(r repo.Repo) error {
			var err error
			counts, err = r.CountArtifactsByStage(ctx)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{"artifact_counts": counts}
		if cfg.Pool != nil {
			body["storage"] = cfg.Pool.Stats()
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	submit := func(opID, stagePath, summary string, fn func(context.Context, engine.SubmitOptions) (engine.SubmitResult, error)) {
		huma.Register(api, huma.Operation{
			OperationID:   opID,
			Method:        http.MethodPost,
			Path:          "/artifacts/" + stagePath,
			Summary:       summary,
			DefaultStatus: http.StatusCreated,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *struct {
			Body SubmitRequest `json:"body"`
		}) (*struct {
			Body SubmitResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := fn(ctx, engine.SubmitOptions{
				Content:  input.Body.Content,
				Filename: input.Body.Filename,
				Context:  input.Body.Context,
				Token:    input.Body.Token,
				ActorID:  actorID,
				Method:   fingerprint.Method(input.Body.Method),
				Metadata: input.Body.Metadata,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SubmitResponse `json:"body"`
			}{Body: submitResponse(res)}, nil
		})
	}

	submit("submit-design", "design", "Submit a design for assessment", e.SubmitDesign)
	submit("submit-implementation", "implementation", "Submit an implementation", e.SubmitImplementation)
	submit("submit-breaking", "breaking", "Submit breaking scenarios", e.SubmitBreaking)
	submit("submit-approval", "approval", "Request final approval", e.SubmitApproval)
}

func registerArtifacts(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/artifacts",
		Summary:     "List artifacts",
	}, func(ctx context.Context, input *struct {
		Stage  string `query:"stage" enum:"design,implementation,breaking,approval,completed,failed"`
		Status string `query:"status" enum:"PENDING,APPROVED,REJECTED,EXPIRED"`
		Limit  int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		var items []domain.ArtifactRecord
		err := scopedRepo(ctx, cfg, func(r repo.Repo) error {
			var err error
			items, err = r.ListArtifacts(ctx, repo.ArtifactFilters{
				Stage:  domain.Stage(input.Stage),
				Status: domain.Status(input.Status),
				Limit:  input.Limit,
			})
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{fingerprint}",
		Summary:     "Get artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Fingerprint string `path:"fingerprint"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		var a domain.ArtifactRecord
		err := scopedRepo(ctx, cfg, func(r repo.Repo) error {
			var err error
			a, err = r.GetArtifact(ctx, input.Fingerprint)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-transitions",
		Method:      http.MethodGet,
		Path:        "/artifacts/{fingerprint}/transitions",
		Summary:     "Artifact audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Fingerprint string `path:"fingerprint"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		var items []domain.StageTransition
		err := scopedRepo(ctx, cfg, func(r repo.Repo) error {
			if _, err := r.GetArtifact(ctx, input.Fingerprint); err != nil {
				return err
			}
			var err error
			items, err = r.ListTransitions(ctx, input.Fingerprint)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: mapTransitions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval-credential",
		Method:      http.MethodGet,
		Path:        "/artifacts/{fingerprint}/approval",
		Summary:     "Approval credential",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Fingerprint string `path:"fingerprint"`
	}) (*struct {
		Body CredentialResponse `json:"body"`
	}, error) {
		var c domain.ApprovalCredential
		err := scopedRepo(ctx, cfg, func(r repo.Repo) error {
			var err error
			c, err = r.GetApprovalCredential(ctx, input.Fingerprint)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CredentialResponse `json:"body"`
		}{Body: credentialResponse(c)}, nil
	})
}

func registerTokens(api huma.API, m *token.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "revoke-token",
		Method:      http.MethodPost,
		Path:        "/tokens/revoke",
		Summary:     "Revoke a stage token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RevokeTokenRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "token_required", "token is required", nil)
		}
		if err := m.Revoke(ctx, input.Body.Token); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "revoked"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-tokens",
		Method:      http.MethodPost,
		Path:        "/tokens/cleanup",
		Summary:     "Purge expired tokens",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CleanupResponse `json:"body"`
	}, error) {
		n, err := m.CleanupExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CleanupResponse `json:"body"`
		}{Body: CleanupResponse{Purged: n}}, nil
	})
}

func registerFingerprint(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "fingerprint",
		Method:      http.MethodPost,
		Path:        "/fingerprint",
		Summary:     "Fingerprint content without submitting it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body FingerprintRequest `json:"body"`
	}) (*struct {
		Body FingerprintResponse `json:"body"`
	}, error) {
		if input.Body.Content == "" {
			return nil, newAPIError(http.StatusBadRequest, "content_required", "content is required", nil)
		}
		if input.Body.Filename == "" {
			return nil, newAPIError(http.StatusBadRequest, "filename_required", "filename is required", nil)
		}
		var fp string
		var err error
		if input.Body.Function != "" {
			fp, err = e.Prints.FunctionFingerprint(input.Body.Content, input.Body.Function, input.Body.Filename)
		} else {
			fp, err = e.Prints.Fingerprint(input.Body.Content, input.Body.Filename, fingerprint.Method(input.Body.Method))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FingerprintResponse `json:"body"`
		}{Body: FingerprintResponse{Fingerprint: fp}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>TestGate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>`, specURL)
}
