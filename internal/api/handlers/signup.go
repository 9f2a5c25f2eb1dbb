package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courserelay/internal/catalog"
	"courserelay/internal/core"
	"courserelay/internal/external"
	"courserelay/internal/types"
)

// SignupRequest is the request body for POST /v1/signup/{form}.
type SignupRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName,omitempty" validate:"omitempty,max=100"`
}

// SignupResponse is the success body for the signup endpoint.
type SignupResponse struct {
	Subscribed bool `json:"subscribed"`
}

// SignupHandler subscribes visitors to CRM forms (newsletter, waitlists,
// lead magnets). Unlike the webhook fan-out, a CRM failure here is surfaced
// to the caller: the browser is waiting and can retry.
type SignupHandler struct {
	crm       external.CRMService
	registry  *catalog.Registry
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewSignupHandler creates a SignupHandler.
func NewSignupHandler(
	crm external.CRMService,
	registry *catalog.Registry,
	validator *core.Validator,
	logger *slog.Logger,
) *SignupHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignupHandler{
		crm:       crm,
		registry:  registry,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the signup endpoint.
func (h *SignupHandler) RegisterRoutes(r chi.Router) {
	r.Post("/signup/{form}", h.Handle)
}

// Handle validates the submission and subscribes the visitor to the form
// named in the URL.
func (h *SignupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	formKey := chi.URLParam(r, "form")
	form, ok := h.registry.Form(formKey)
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundForm,
			"unknown signup form: "+formKey,
			nil,
		))
		return
	}

	var req SignupRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}
	if form.RequireFirstName && req.FirstName == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"missing required field",
			nil,
			map[string]any{"field": "firstName"},
		))
		return
	}

	fields := make(map[string]string, len(form.Fields)+1)
	for k, v := range form.Fields {
		fields[k] = v
	}
	fields["signup_date"] = h.now().UTC().Format("2006-01-02")

	sub := external.FormSubscription{
		Email:     req.Email,
		FirstName: req.FirstName,
		Fields:    fields,
		Tags:      form.Tags,
	}

	if err := h.crm.Subscribe(ctx, form.FormID, sub); err != nil {
		h.logger.ErrorContext(ctx, "signup subscription failed",
			"form", formKey,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "signup subscribed",
		"form", formKey,
	)

	core.JSON(w, r, http.StatusOK, SignupResponse{Subscribed: true})
}
