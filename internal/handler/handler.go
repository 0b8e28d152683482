package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/shortgrade/internal/handler/views"
	appI18n "github.com/pavelanni/shortgrade/internal/i18n"
	"github.com/pavelanni/shortgrade/internal/model"
	"github.com/pavelanni/shortgrade/internal/observability"
	"github.com/pavelanni/shortgrade/internal/submission"
)

// Database is the part of the store the HTTP surface needs directly.
type Database interface {
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc         *submission.Service
	db          Database
	config      model.ServerConfig
	validate    *validator.Validate
	schemaReady atomic.Bool
}

type answerForm struct {
	StudentID string `validate:"studentid"`
	Answer    string `validate:"required"`
}

// The opinion is checked before the ID.
type opinionForm struct {
	Opinion   string `validate:"required"`
	StudentID string `validate:"studentid"`
}

// New creates a new Handler.
func New(svc *submission.Service, db Database, cfg model.ServerConfig) (*Handler, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("studentid", func(fl validator.FieldLevel) bool {
		return model.ValidStudentID(fl.Field().String())
	}); err != nil {
		return nil, err
	}
	return &Handler{svc: svc, db: db, config: cfg, validate: v}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(h.csrfMiddleware)
		r.Get("/", h.handleIndex)
		r.Post("/submit", h.handleSubmit)
		r.Post("/opinion", h.handleOpinion)
	})
}

// BasePathMiddleware stores the configured URL prefix in the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

// ensureSchema creates the table on the first page view that can reach the
// database. It returns the error to show on the page, if any.
func (h *Handler) ensureSchema(ctx context.Context) string {
	if h.schemaReady.Load() {
		return ""
	}
	if err := h.db.EnsureSchema(ctx); err != nil {
		slog.Error("schema initialization failed", "error", err)
		observability.SchemaInitFailures().Inc()
		return err.Error()
	}
	h.schemaReady.Store(true)
	return ""
}

func (h *Handler) basePage(r *http.Request) views.PageView {
	q := h.svc.Quiz()
	return views.PageView{
		Title:        q.Title,
		Question:     q.Question,
		SchemaError:  h.ensureSchema(r.Context()),
		RememberedID: h.rememberedID(r),
		ShowOpinion:  true,
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, v views.PageView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := views.Page(v).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, h.basePage(r))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		slog.Warn("health check failed", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := h.basePage(r)
	form := answerForm{
		StudentID: strings.TrimSpace(r.FormValue("student_id")),
		Answer:    strings.TrimSpace(r.FormValue("answer")),
	}
	page.StudentID, page.Answer = form.StudentID, r.FormValue("answer")

	if msgID := h.firstInvalid(form); msgID != "" {
		page.Flashes = []views.Flash{{Kind: views.FlashError, Text: appI18n.T(ctx, msgID)}}
		page.ShowOpinion = false
		h.render(w, r, http.StatusUnprocessableEntity, page)
		return
	}

	out, err := h.svc.Submit(ctx, form.StudentID, form.Answer)
	if out != nil {
		page.Result = &views.Result{
			Score:       out.Payload.Score,
			Max:         out.Payload.Max,
			Reason:      out.Payload.Reason,
			Feedback:    out.Payload.Feedback,
			Evaporation: out.Payload.Detected.Evaporation,
			HeatAbsorb:  out.Payload.Detected.HeatAbsorb,
		}
	}

	status := http.StatusOK
	if submission.StageAfterSubmit(out, err) == submission.StageGradedAndSaved {
		h.setRememberedID(w, out.StudentID)
		page.RememberedID = out.StudentID
		page.Flashes = []views.Flash{{Kind: views.FlashSuccess, Text: appI18n.T(ctx, "Saved")}}
	} else {
		// A graded but unsaved result is still shown. The opinion form is not.
		status = statusFor(err)
		page.ShowOpinion = false
		page.Flashes = []views.Flash{{Kind: views.FlashError, Text: h.errorText(ctx, err, "SaveFailed")}}
	}
	h.render(w, r, status, page)
}

func (h *Handler) handleOpinion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := h.basePage(r)

	id := strings.TrimSpace(r.FormValue("student_id"))
	if id == "" {
		id = page.RememberedID
	}
	form := opinionForm{Opinion: strings.TrimSpace(r.FormValue("opinion")), StudentID: id}

	if msgID := h.firstInvalid(form); msgID != "" {
		kind := views.FlashError
		if msgID == "BlankOpinion" {
			kind = views.FlashWarning
		}
		page.Flashes = []views.Flash{{Kind: kind, Text: appI18n.T(ctx, msgID)}}
		h.render(w, r, http.StatusUnprocessableEntity, page)
		return
	}

	err := h.svc.SubmitOpinion(ctx, form.StudentID, form.Opinion)
	if submission.StageAfterOpinion(err) != submission.StageOpinionSaved {
		page.Flashes = []views.Flash{{Kind: views.FlashError, Text: h.errorText(ctx, err, "OpinionSaveFailed")}}
		h.render(w, r, statusFor(err), page)
		return
	}

	h.clearRememberedID(w)
	page.RememberedID = ""
	page.Flashes = []views.Flash{{Kind: views.FlashSuccess, Text: appI18n.T(ctx, "OpinionSaved")}}
	h.render(w, r, http.StatusOK, page)
}

// firstInvalid validates a form and returns the message ID of the first
// failing field, or "" when the form is valid.
func (h *Handler) firstInvalid(form any) string {
	err := h.validate.Struct(form)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		slog.Error("form validation failed", "error", err)
		return "RequestFailed"
	}
	switch verrs[0].Field() {
	case "StudentID":
		return "InvalidStudentID"
	case "Answer":
		return "BlankAnswer"
	case "Opinion":
		return "BlankOpinion"
	}
	return "RequestFailed"
}

// errorText localizes a flow error. storageMsgID names the message used for
// storage failures, which differ between the answer and opinion forms.
func (h *Handler) errorText(ctx context.Context, err error, storageMsgID string) string {
	switch {
	case errors.Is(err, submission.ErrInvalidStudentID):
		return appI18n.T(ctx, "InvalidStudentID")
	case errors.Is(err, submission.ErrBlankAnswer):
		return appI18n.T(ctx, "BlankAnswer")
	case errors.Is(err, submission.ErrBlankOpinion):
		return appI18n.T(ctx, "BlankOpinion")
	case errors.Is(err, submission.ErrGrading):
		return appI18n.Td(ctx, "GradingFailed", map[string]any{"Error": cause(err, submission.ErrGrading)})
	case errors.Is(err, submission.ErrStorage):
		return appI18n.Td(ctx, storageMsgID, map[string]any{"Error": cause(err, submission.ErrStorage)})
	}
	return appI18n.T(ctx, "RequestFailed")
}

// cause strips the sentinel prefix from a "sentinel: cause" error message.
func cause(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, submission.ErrInvalidStudentID),
		errors.Is(err, submission.ErrBlankAnswer),
		errors.Is(err, submission.ErrBlankOpinion):
		return http.StatusUnprocessableEntity
	case errors.Is(err, submission.ErrGrading):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
