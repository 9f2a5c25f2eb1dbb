package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"courserelay/internal/catalog"
	"courserelay/internal/core"
	"courserelay/internal/types"
)

func signupForms() []*catalog.SignupForm {
	return []*catalog.SignupForm{
		{
			Key:    "newsletter",
			FormID: "form-news",
			Tags:   []string{"newsletter-subscriber"},
			Fields: map[string]string{"source": "website"},
		},
		{
			Key:              "waitlist",
			FormID:           "form-wait",
			RequireFirstName: true,
		},
	}
}

func newSignupTestEnv(crm *mockCRM) chi.Router {
	registry := catalog.NewRegistry(nil, signupForms())
	handler := NewSignupHandler(crm, registry, core.NewValidator(nil), nil)
	handler.now = func() time.Time {
		return time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	}
	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return router
}

func postSignup(router chi.Router, path string, body interface{}) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestSignupHandler_SubscribesWithStaticAndDynamicFields(t *testing.T) {
	crm := &mockCRM{}
	router := newSignupTestEnv(crm)

	rr := postSignup(router, "/signup/newsletter", map[string]string{"email": "reader@example.com"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d; body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	var resp SignupResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Subscribed {
		t.Error("expected subscribed:true")
	}

	if len(crm.subscribes) != 1 {
		t.Fatalf("expected 1 subscribe call, got %d", len(crm.subscribes))
	}
	call := crm.subscribes[0]
	if call.FormID != "form-news" {
		t.Errorf("expected form ID %q, got %q", "form-news", call.FormID)
	}
	if call.Sub.Email != "reader@example.com" {
		t.Errorf("expected email %q, got %q", "reader@example.com", call.Sub.Email)
	}
	if call.Sub.Fields["source"] != "website" {
		t.Errorf("expected static field to be sent, got %v", call.Sub.Fields)
	}
	if call.Sub.Fields["signup_date"] != "2026-03-14" {
		t.Errorf("expected signup_date 2026-03-14, got %q", call.Sub.Fields["signup_date"])
	}
	if len(call.Sub.Tags) != 1 || call.Sub.Tags[0] != "newsletter-subscriber" {
		t.Errorf("expected form tags to be sent, got %v", call.Sub.Tags)
	}
}

func TestSignupHandler_UnknownForm(t *testing.T) {
	crm := &mockCRM{}
	router := newSignupTestEnv(crm)

	rr := postSignup(router, "/signup/ghost", map[string]string{"email": "reader@example.com"})

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
	if code := errCode(t, rr); code != string(types.ErrCodeNotFoundForm) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeNotFoundForm, code)
	}
	if len(crm.subscribes) != 0 {
		t.Error("expected no CRM call for unknown form")
	}
}

func TestSignupHandler_MissingEmail(t *testing.T) {
	crm := &mockCRM{}
	router := newSignupTestEnv(crm)

	rr := postSignup(router, "/signup/newsletter", map[string]string{})

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := errCode(t, rr); code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeValidationMissingField, code)
	}
}

func TestSignupHandler_FirstNameRequiredByForm(t *testing.T) {
	crm := &mockCRM{}
	router := newSignupTestEnv(crm)

	rr := postSignup(router, "/signup/waitlist", map[string]string{"email": "reader@example.com"})

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := errCode(t, rr); code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeValidationMissingField, code)
	}

	rr = postSignup(router, "/signup/waitlist", map[string]string{
		"email":     "reader@example.com",
		"firstName": "Grace",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d with firstName, got %d", http.StatusOK, rr.Code)
	}
	if len(crm.subscribes) != 1 || crm.subscribes[0].Sub.FirstName != "Grace" {
		t.Errorf("expected subscribe with first name, got %+v", crm.subscribes)
	}
}

func TestSignupHandler_CRMFailureIsSurfaced(t *testing.T) {
	crm := &mockCRM{
		subscribeErr: types.NewAppError(types.ErrCodeUpstreamCRM, "crm unavailable", nil),
	}
	router := newSignupTestEnv(crm)

	rr := postSignup(router, "/signup/newsletter", map[string]string{"email": "reader@example.com"})

	if rr.Code != http.StatusBadGateway {
		t.Errorf("expected status %d, got %d", http.StatusBadGateway, rr.Code)
	}
	if code := errCode(t, rr); code != string(types.ErrCodeUpstreamCRM) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeUpstreamCRM, code)
	}
}
