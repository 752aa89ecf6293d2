package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
	"github.com/alanbgeorge/vehicle-parking-app/internal/engine"
	"github.com/alanbgeorge/vehicle-parking-app/internal/jobs"
	"github.com/alanbgeorge/vehicle-parking-app/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Runner   *jobs.Runner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"slot already booked"`
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

// New returns an HTTP handler exposing the parking API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Vehicle Parking API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerLots(group, cfg.Engine)
	registerBookings(group, cfg.Engine)
	registerLotAdmin(group, cfg.Engine)
	registerUsersAdmin(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerJobs(group, cfg.Engine, cfg.Runner)
	registerJobAdmin(group, cfg.Runner)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "unique") {
		return newAPIError(http.StatusConflict, "conflict", "already exists", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vehicle Parking API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a new user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body AuthResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		name := strings.TrimSpace(input.Body.Name)
		email := strings.ToLower(strings.TrimSpace(input.Body.Email))
		if name == "" || email == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name, email and password are required", nil)
		}
		hash, err := hashPassword(input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		u := domain.User{
			Name:         name,
			Email:        email,
			PasswordHash: hash,
			Role:         domain.RoleUser,
			CreatedAt:    e.Now().UTC().Format(time.RFC3339),
		}
		u.ID, err = e.Repo.InsertUser(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signToken(authCfg.JWTSecret, u, authCfg.tokenTTL(), e.Now().UTC())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthResponse `json:"body"`
		}{Body: AuthResponse{Token: token, User: userResponse(u)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body AuthResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		email := strings.ToLower(strings.TrimSpace(input.Body.Email))
		u, err := e.Repo.GetUserByEmail(ctx, email)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && !checkPassword(u.PasswordHash, input.Body.Password)) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signToken(authCfg.JWTSecret, u, authCfg.tokenTTL(), e.Now().UTC())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthResponse `json:"body"`
		}{Body: AuthResponse{Token: token, User: userResponse(u)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/users/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerLots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-lots",
		Method:      http.MethodGet,
		Path:        "/lots",
		Summary:     "List lots with free-slot counts",
	}, func(ctx context.Context, input *struct {
		PinCode string `query:"pin_code"`
	}) (*struct {
		XCache string              `header:"X-Cache"`
		Body   []domain.LotSummary `json:"body"`
	}, error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		lots, cached, err := e.ListLots(ctx, input.PinCode)
		if err != nil {
			return nil, handleError(err)
		}
		xc := "miss"
		if cached {
			xc = "hit"
		}
		return &struct {
			XCache string              `header:"X-Cache"`
			Body   []domain.LotSummary `json:"body"`
		}{XCache: xc, Body: lots}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lot-slots",
		Method:      http.MethodGet,
		Path:        "/lots/{lot_id}/slots",
		Summary:     "List a lot's slots",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LotID    int64 `path:"lot_id"`
		OnlyFree bool  `query:"only_free"`
	}) (*struct {
		Body LotSlotsResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		lot, slots, err := e.LotSlots(ctx, input.LotID, input.OnlyFree)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LotSlotsResponse `json:"body"`
		}{Body: LotSlotsResponse{Lot: lot, Slots: slots}}, nil
	})
}

func registerBookings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-booking",
		Method:        http.MethodPost,
		Path:          "/bookings",
		Summary:       "Book a slot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateBookingRequest `json:"body"`
	}) (*struct {
		Body domain.Booking `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		b, err := e.Book(ctx, p.UserID, input.Body.SlotID, input.Body.VehicleNumber, p.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Booking `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-booking",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/release",
		Summary:     "Release a booking and compute the charge",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BookingID int64 `path:"booking_id"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Repo.GetBooking(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(err)
		}
		if b.UserID != p.UserID && !p.IsAdmin() {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "not your booking", nil)
		}
		res, err := e.Release(ctx, input.BookingID, p.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: ReleaseResponse{Booking: res.Booking, BilledHours: res.BilledHours, Amount: res.Amount}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-bookings",
		Method:      http.MethodGet,
		Path:        "/users/me/bookings",
		Summary:     "Current user's booking history",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Booking `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.History(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Booking{}
		}
		return &struct {
			Body []domain.Booking `json:"body"`
		}{Body: items}, nil
	})
}

func registerLotAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lot",
		Method:        http.MethodPost,
		Path:          "/lots",
		Summary:       "Create a lot with its slots",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateLotRequest `json:"body"`
	}) (*struct {
		Body domain.ParkingLot `json:"body"`
	}, error) {
		p, authErr := adminFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		lot, err := e.CreateLot(ctx, engine.LotCreateOptions{
			Name:         input.Body.Name,
			Address:      input.Body.Address,
			PinCode:      input.Body.PinCode,
			TotalSlots:   input.Body.TotalSlots,
			PricePerHour: input.Body.PricePerHour,
			ActorID:      p.Email,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ParkingLot `json:"body"`
		}{Body: lot}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lot",
		Method:      http.MethodPatch,
		Path:        "/lots/{lot_id}",
		Summary:     "Update lot metadata or price",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LotID int64            `path:"lot_id"`
		Body  UpdateLotRequest `json:"body"`
	}) (*struct {
		Body domain.ParkingLot `json:"body"`
	}, error) {
		p, authErr := adminFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		lot, err := e.UpdateLot(ctx, engine.LotUpdateOptions{
			ID:           input.LotID,
			Name:         input.Body.Name,
			Address:      input.Body.Address,
			PinCode:      input.Body.PinCode,
			PricePerHour: input.Body.PricePerHour,
			ActorID:      p.Email,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ParkingLot `json:"body"`
		}{Body: lot}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-lot",
		Method:        http.MethodDelete,
		Path:          "/lots/{lot_id}",
		Summary:       "Delete an empty lot",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		LotID int64 `path:"lot_id"`
	}) (*struct{}, error) {
		p, authErr := adminFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteLot(ctx, input.LotID, p.Email); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUsersAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/admin/users",
		Summary:     "List registered users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"USER,ADMIN,"`
	}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		if _, authErr := adminFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListUsers(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: mapUsers(users)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "Latest audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		EntityKind string `query:"entity_kind"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := adminFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		events, err := e.Repo.LatestEvents(ctx, input.Limit, input.EntityKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine, runner *jobs.Runner) {
	huma.Register(api, huma.Operation{
		OperationID:   "export-bookings",
		Method:        http.MethodPost,
		Path:          "/jobs/exports",
		Summary:       "Start a CSV export of the caller's booking history",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.JobRecord `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := runner.Submit(ctx, jobs.KindExportBookings, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobRecord `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*struct {
		Body domain.JobRecord `json:"body"`
	}, error) {
		j, statusErr := jobForCaller(ctx, e, input.JobID)
		if statusErr != nil {
			return nil, statusErr
		}
		return &struct {
			Body domain.JobRecord `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-job-artifact",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/download",
		Summary:     "Download a finished job's artifact",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		j, statusErr := jobForCaller(ctx, e, input.JobID)
		if statusErr != nil {
			return nil, statusErr
		}
		if j.Status != domain.JobDone || j.ArtifactPath == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "job has no artifact yet", nil)
		}
		data, err := os.ReadFile(*j.ArtifactPath)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "text/csv",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", path.Base(*j.ArtifactPath)),
			Body:               data,
		}, nil
	})
}

// jobForCaller loads a job record and enforces ownership: users see only
// their own jobs, admins see all.
func jobForCaller(ctx context.Context, e engine.Engine, jobID int64) (domain.JobRecord, huma.StatusError) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return domain.JobRecord{}, authErr
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobRecord{}, handleError(err)
	}
	if j.UserID != p.UserID && !p.IsAdmin() {
		return domain.JobRecord{}, newAPIError(http.StatusForbidden, "forbidden", "not your job", nil)
	}
	return j, nil
}

func registerJobAdmin(api huma.API, runner *jobs.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "run-cleanup",
		Method:      http.MethodPost,
		Path:        "/admin/jobs/cleanup",
		Summary:     "Force-close stale bookings now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := adminFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		closed, err := runner.SweepNow(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"closed": closed}}, nil
	})

	trigger := func(opID, route, summary string, kind jobs.Kind) {
		huma.Register(api, huma.Operation{
			OperationID:   opID,
			Method:        http.MethodPost,
			Path:          route,
			Summary:       summary,
			DefaultStatus: http.StatusAccepted,
			Errors:        []int{http.StatusForbidden},
		}, func(ctx context.Context, _ *struct{}) (*struct {
			Body domain.JobRecord `json:"body"`
		}, error) {
			if _, authErr := adminFromContext(ctx); authErr != nil {
				return nil, authErr
			}
			j, err := runner.Submit(ctx, kind, 0)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.JobRecord `json:"body"`
			}{Body: j}, nil
		})
	}
	trigger("run-reminders", "/admin/jobs/reminders", "Send daily reminders now", jobs.KindDailyReminders)
	trigger("run-monthly-report", "/admin/jobs/monthly-report", "Generate monthly reports now", jobs.KindMonthlyReport)
}
