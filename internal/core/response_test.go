package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courserelay/internal/types"
)

func decodeErrorResponse(t *testing.T, rr *httptest.ResponseRecorder) APIErrorResponse {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestJSON_WritesStatusAndBody(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(rr, req, http.StatusCreated, map[string]string{"id": "cs_123"})

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"cs_123"}`, rr.Body.String())
}

func TestError_AppErrorUsesCodeAndStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	appErr := types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"missing required field",
		nil,
		map[string]any{"field": "email"},
	)
	Error(rr, req, appErr)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeErrorResponse(t, rr)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), resp.Error.Code)
	assert.Equal(t, "missing required field", resp.Error.Message)
	assert.Equal(t, "email", resp.Error.Details["field"])
}

func TestError_WrappedAppErrorIsUnwrapped(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	appErr := types.NewAppError(types.ErrCodeNotFoundProduct, "unknown product", nil)
	Error(rr, req, errors.Join(errors.New("lookup"), appErr))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundProduct), decodeErrorResponse(t, rr).Error.Code)
}

func TestError_GenericErrorDoesNotLeakDetails(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(rr, req, errors.New("pq: connection refused on 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	resp := decodeErrorResponse(t, rr)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
	assert.NotContains(t, rr.Body.String(), "10.0.0.5")
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Email string `json:"email"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"email":"a@b.c"}`, false},
		{"empty body", ``, true},
		{"malformed", `{"email":`, true},
		{"unknown field", `{"email":"a@b.c","extra":true}`, true},
		{"type mismatch", `{"email":42}`, true},
		{"multiple values", `{"email":"a@b.c"}{"email":"d@e.f"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))

			var dst payload
			err := DecodeJSON(rr, req, &dst)

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "a@b.c", dst.Email)
				return
			}

			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeValidationInvalidBody, appErr.Code)
		})
	}
}

func TestDecodeJSON_BodySizeLimit(t *testing.T) {
	rr := httptest.NewRecorder()
	huge := `{"email":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(huge))

	var dst struct {
		Email string `json:"email"`
	}
	err := DecodeJSON(rr, req, &dst)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidBody, appErr.Code)
}
