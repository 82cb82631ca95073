package server

import (
	"bytes"
	"context"
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
	"github.com/google/uuid"

	"bajas/internal/assets"
	"bajas/internal/domain"
	"bajas/internal/engine"
	"bajas/internal/fault"
	"bajas/internal/identity"
	"bajas/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"case case_x: finalize not allowed in status INITIATED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the disposal case API.
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bajas API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerAssets(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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

// handleError maps engine failure kinds onto the wire envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve fault.Validation
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field})
	}
	var se fault.InvalidState
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"status": se.Status, "operation": se.Operation})
	}
	var ce fault.Conflict
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var nf fault.NotFound
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var pf fault.PartialFailure
	if errors.As(err, &pf) {
		return newAPIError(http.StatusBadGateway, "partial_failure", err.Error(), map[string]any{
			"case_id":  pf.CaseID,
			"disposed": pf.Disposed,
			"failed":   pf.Failed,
		})
	}
	var ue fault.Upstream
	if errors.As(err, &ue) {
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", err.Error(), map[string]any{"collaborator": ue.Collaborator})
	}
	var fe identity.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		return "validation_error"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bajas API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open disposal case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body OpenCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		requestedBy := principal.ActorID
		if input.Body.RequestedBy != nil && *input.Body.RequestedBy != "" {
			requestedBy = *input.Body.RequestedBy
		}
		c, err := e.OpenCase(ctx, engine.CaseOpenOptions{
			DisposalType:          input.Body.DisposalType,
			Reason:                input.Body.Reason,
			ReasonDescription:     input.Body.ReasonDescription,
			Observations:          stringOrEmpty(input.Body.Observations),
			TechnicalReportAuthor: input.Body.TechnicalReportAuthor,
			RequestedBy:           requestedBy,
			RequiresDestruction:   input.Body.RequiresDestruction,
			AllowsDonation:        input.Body.AllowsDonation,
			RecoverableValue:      input.Body.RecoverableValue,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List disposal cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:",INITIATED,UNDER_EVALUATION,APPROVED,REJECTED,EXECUTED,CANCELLED"`
		DisposalType string `query:"disposal_type"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListCases(ctx, repo.CaseFilters{
			MunicipalityCode: e.Config.Municipality.Code,
			Status:           input.Status,
			DisposalType:     input.DisposalType,
			Limit:            limit + 1,
			CursorCreatedAt:  cursorCreated,
			CursorID:         cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{Items: []CaseResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapCases(items)
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case with links",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseDetailResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(caseNotFound(input.CaseID, err))
		}
		links, err := e.Repo.ListLinks(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseDetailResponse `json:"body"`
		}{Body: CaseDetailResponse{Case: caseResponse(c), Links: mapLinks(links)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "attach-asset",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/assets",
		Summary:       "Attach asset to case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string             `path:"case_id"`
		Body   AttachAssetRequest `json:"body"`
	}) (*struct {
		Body LinkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.AttachAsset(ctx, engine.AssetAttachOptions{
			CaseID:             input.CaseID,
			AssetID:            input.Body.AssetID,
			ConservationStatus: input.Body.ConservationStatus,
			BookValue:          input.Body.BookValue,
			RecoverableValue:   input.Body.RecoverableValue,
			Observations:       stringOrEmpty(input.Body.Observations),
			ActorID:            principal.ActorID,
			Version:            input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LinkResponse `json:"body"`
		}{Body: linkResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detach-asset",
		Method:      http.MethodDelete,
		Path:        "/cases/{case_id}/assets/{link_id}",
		Summary:     "Detach asset from case",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID  string `path:"case_id"`
		LinkID  string `path:"link_id"`
		Version int64  `query:"version"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := linkInCase(ctx, e, input.CaseID, input.LinkID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DetachAsset(ctx, engine.AssetDetachOptions{
			LinkID:  input.LinkID,
			ActorID: principal.ActorID,
			Version: input.Version,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-evaluation",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/evaluation",
		Summary:     "Start case evaluation",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string                 `path:"case_id"`
		Body   StartEvaluationRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.StartEvaluation(ctx, engine.EvaluationStartOptions{
			CaseID:     input.CaseID,
			AssignedBy: principal.ActorID,
			Version:    input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-opinion",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/assets/{link_id}/opinion",
		Summary:     "Record technical opinion",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string               `path:"case_id"`
		LinkID string               `path:"link_id"`
		Body   RecordOpinionRequest `json:"body"`
	}) (*struct {
		Body LinkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := linkInCase(ctx, e, input.CaseID, input.LinkID); err != nil {
			return nil, handleError(err)
		}
		l, err := e.RecordOpinion(ctx, engine.OpinionRecordOptions{
			LinkID:           input.LinkID,
			TechnicalOpinion: input.Body.TechnicalOpinion,
			Recommendation:   input.Body.Recommendation,
			EvaluatorID:      principal.ActorID,
			Version:          input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LinkResponse `json:"body"`
		}{Body: linkResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "opinion-status",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/opinions",
		Summary:     "Opinion aggregation status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body engine.OpinionSummary `json:"body"`
	}, error) {
		s, err := e.OpinionStatus(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		s.MissingAssets = nonNilSlice(s.MissingAssets)
		return &struct {
			Body engine.OpinionSummary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/resolve",
		Summary:     "Resolve case (approve or reject)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string         `path:"case_id"`
		Body   ResolveRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Resolve(ctx, engine.ResolveOptions{
			CaseID:           input.CaseID,
			Approved:         input.Body.Approved,
			ResolutionNumber: stringOrEmpty(input.Body.ResolutionNumber),
			Observations:     stringOrEmpty(input.Body.Observations),
			Actor:            principal.actor(),
			Version:          input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/finalize",
		Summary:     "Finalize approved case",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string          `path:"case_id"`
		Body   FinalizeRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Finalize(ctx, engine.FinalizeOptions{
			CaseID:  input.CaseID,
			Actor:   principal.actor(),
			Version: input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/cancel",
		Summary:     "Cancel case",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string        `path:"case_id"`
		Body   CancelRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cancel(ctx, engine.CancelOptions{
			CaseID:       input.CaseID,
			CancelledBy:  principal.ActorID,
			Observations: stringOrEmpty(input.Body.Observations),
			Version:      input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})
}

func registerAssets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-asset",
		Method:        http.MethodPost,
		Path:          "/assets",
		Summary:       "Register asset",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAssetRequest `json:"body"`
	}) (*struct {
		Body AssetResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Code == "" || input.Body.Description == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code and description are required", nil)
		}
		registry, ok := e.Assets.(assets.SQLRegistry)
		if !ok {
			return nil, newAPIError(http.StatusConflict, "conflict", "asset registry is external; register assets there", nil)
		}
		a := domain.AssetSnapshot{
			ID:           stringOrEmpty(input.Body.ID),
			Code:         input.Body.Code,
			Description:  input.Body.Description,
			Status:       stringOrEmpty(input.Body.Status),
			CurrentValue: input.Body.CurrentValue,
		}
		if a.ID == "" {
			a.ID = "asset_" + uuid.NewString()
		}
		res, err := registry.Register(ctx, e.Config.Municipality.Code, a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssetResponse `json:"body"`
		}{Body: assetResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/assets/{asset_id}",
		Summary:     "Get asset snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssetID string `path:"asset_id"`
	}) (*struct {
		Body AssetResponse `json:"body"`
	}, error) {
		a, err := e.Assets.GetAsset(ctx, input.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssetResponse `json:"body"`
		}{Body: assetResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "List assets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",ACTIVE,MAINTENANCE,DISPOSED"`
	}) (*struct {
		Body []AssetResponse `json:"body"`
	}, error) {
		registry, ok := e.Assets.(assets.SQLRegistry)
		if !ok {
			return &struct {
				Body []AssetResponse `json:"body"`
			}{Body: []AssetResponse{}}, nil
		}
		items, err := registry.ListByStatus(ctx, e.Config.Municipality.Code, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AssetResponse, 0, len(items))
		for _, a := range items {
			res = append(res, assetResponse(a))
		}
		return &struct {
			Body []AssetResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID     string `query:"case_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",case,link,rbac"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit, input.CaseID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	roleChange := func(revoke bool) func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		return func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			principal, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if input.Body.ActorID == "" || input.Body.RoleID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
			}
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return nil, handleError(err)
			}
			defer tx.Rollback()
			code := e.Config.Municipality.Code
			evtType := "role.granted"
			if revoke {
				evtType = "role.revoked"
				err = e.Identity.RevokeRole(ctx, tx, code, input.Body.ActorID, input.Body.RoleID)
			} else {
				err = e.Identity.GrantRole(ctx, tx, code, input.Body.ActorID, input.Body.RoleID)
			}
			if err != nil {
				return nil, handleError(err)
			}
			if err := e.Events.Append(ctx, tx, evtType, "", "rbac", input.Body.ActorID, principal.ActorID, map[string]any{
				"role_id": input.Body.RoleID,
			}); err != nil {
				return nil, handleError(err)
			}
			if err := tx.Commit(); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/grant",
		Summary:     "Grant role",
		Errors:      []int{http.StatusBadRequest},
	}, roleChange(false))

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/revoke",
		Summary:     "Revoke role",
		Errors:      []int{http.StatusBadRequest},
	}, roleChange(true))

	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me/roles",
		Summary:     "Current actor roles",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := e.Identity.Resolve(ctx, e.Config.Municipality.Code, principal.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: actor.ID, Roles: nonNilSlice(actor.Roles)}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Roles: nonNilSlice(principal.Roles)}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// linkInCase rejects link IDs addressed through the wrong case.
func linkInCase(ctx context.Context, e engine.Engine, caseID, linkID string) error {
	l, err := e.Repo.GetLink(ctx, linkID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fault.NotFound{Kind: "link", ID: linkID}
		}
		return err
	}
	if l.CaseID != caseID {
		return fault.NotFound{Kind: "link", ID: linkID}
	}
	return nil
}

func caseNotFound(id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fault.NotFound{Kind: "case", ID: id}
	}
	return err
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
