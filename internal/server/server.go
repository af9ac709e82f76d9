// Package server exposes the verification pipeline over HTTP with a JSON
// error envelope, JWT and API key auth, and generated OpenAPI docs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"veritrust/internal/classify"
	"veritrust/internal/engine"
	"veritrust/internal/match"
	"veritrust/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_validators"`
	Message string         `json:"message" example:"not enough eligible validators"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every failure response uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the VeriTrust API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("VeriTrust API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClaims(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerValidators(group, cfg.Engine)
	registerLedger(group, cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, classify.ErrInvalidClaim):
		return newAPIError(http.StatusBadRequest, "invalid_claim", err.Error(), nil)
	case errors.Is(err, match.ErrInsufficientValidators):
		return newAPIError(http.StatusConflict, "insufficient_validators", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskAlreadyResolved):
		return newAPIError(http.StatusConflict, "task_already_resolved", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskNotCancelable):
		return newAPIError(http.StatusConflict, "task_not_cancelable", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateSubmission):
		return newAPIError(http.StatusConflict, "duplicate_submission", err.Error(), nil)
	case errors.Is(err, engine.ErrNotAssigned):
		return newAPIError(http.StatusForbidden, "not_assigned", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrDuplicate):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown skill"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "not pending"),
		strings.Contains(lowered, "canceled"),
		strings.Contains(lowered, "no assigned"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>VeriTrust API Docs</title>
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
	})
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

func registerClaims(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-claim",
		Method:        http.MethodPost,
		Path:          "/claims",
		Summary:       "Submit a claim for verification",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimWithTasksResponse `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		claim, tasks, err := e.SubmitClaim(ctx, input.Body.Text, wallet)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimWithTasksResponse `json:"body"`
		}{Body: ClaimWithTasksResponse{Claim: claimResponse(claim), Tasks: mapTasks(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{id}",
		Summary:     "Get claim",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetClaim(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List claims",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ClaimResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListClaims(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ClaimResponse, 0, len(items))
		for _, c := range items {
			out = append(out, claimResponse(c))
		}
		return &struct {
			Body []ClaimResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claim-tasks",
		Method:      http.MethodGet,
		Path:        "/claims/{id}/tasks",
		Summary:     "List tasks generated for a claim",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetClaim(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasksByClaim(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Match validators to a pending task",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := walletFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-verification",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/submissions",
		Summary:       "Submit a verification verdict",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body SubmitVerificationRequest `json:"body"`
	}) (*struct {
		Body SubmissionAccepted `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.SubmitVerification(ctx, input.ID, wallet, input.Body.Outcome, input.Body.EvidenceRef)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SubmissionAccepted{TaskID: input.ID, Received: true}
		if result != nil {
			resp.Resolved = true
			cr := consensusResponse(*result)
			resp.Result = &cr
		}
		return &struct {
			Body SubmissionAccepted `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a pending or assigned task",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, input.ID, wallet)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-consensus",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/consensus",
		Summary:     "Get the consensus result for a resolved task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ConsensusResponse `json:"body"`
	}, error) {
		cr, err := e.Repo.GetConsensusResult(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConsensusResponse `json:"body"`
		}{Body: consensusResponse(cr)}, nil
	})
}

func registerValidators(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-validator",
		Method:        http.MethodPost,
		Path:          "/validators",
		Summary:       "Register a validator",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterValidatorRequest `json:"body"`
	}) (*struct {
		Body ValidatorResponse `json:"body"`
	}, error) {
		wallet := input.Body.Wallet
		if wallet == "" {
			var authErr huma.StatusError
			wallet, authErr = walletFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
		}
		v, err := e.RegisterValidator(ctx, wallet, input.Body.Skills)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidatorResponse `json:"body"`
		}{Body: validatorResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-validator",
		Method:      http.MethodGet,
		Path:        "/validators/{wallet}",
		Summary:     "Get validator",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Wallet string `path:"wallet"`
	}) (*struct {
		Body ValidatorResponse `json:"body"`
	}, error) {
		v, err := e.Repo.GetValidator(ctx, input.Wallet)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidatorResponse `json:"body"`
		}{Body: validatorResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-validators",
		Method:      http.MethodGet,
		Path:        "/validators",
		Summary:     "List validators",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ValidatorResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListValidators(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ValidatorResponse, 0, len(items))
		for _, v := range items {
			out = append(out, validatorResponse(v))
		}
		return &struct {
			Body []ValidatorResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerLedger(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-proofs",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/proofs",
		Summary:     "List ledger proofs recorded for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ProofResponse `json:"body"`
	}, error) {
		proofs, err := e.Ledger.Proofs(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProofResponse, 0, len(proofs))
		for _, p := range proofs {
			out = append(out, proofResponse(p))
		}
		return &struct {
			Body []ProofResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-settlements",
		Method:      http.MethodPost,
		Path:        "/settlements/retry",
		Summary:     "Re-drive unrecorded ledger settlements",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := walletFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := e.RetrySettlements(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"retried": n}}, nil
	})
}
