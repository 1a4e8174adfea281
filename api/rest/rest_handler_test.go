package rest

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zlnvch/signlink/service"
	"github.com/zlnvch/signlink/signature"
)

func TestSendResponse_UnencodableBody(t *testing.T) {
	h := NewHandler(nil, zap.NewNop())
	rec := httptest.NewRecorder()

	h.sendResponse(rec, http.StatusOK, signature.Preview{Type: signature.TypeDrawn, Width: math.NaN()})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, service.CodeInternal, body.Error)
}

func TestSendResponse(t *testing.T) {
	h := NewHandler(nil, zap.NewNop())
	rec := httptest.NewRecorder()

	h.sendResponse(rec, http.StatusCreated, map[string]bool{"success": true})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code service.Code
		want int
	}{
		{service.CodeNotFound, http.StatusNotFound},
		{service.CodeForbidden, http.StatusForbidden},
		{service.CodeFullySigned, http.StatusConflict},
		{service.CodeAlreadySigned, http.StatusConflict},
		{service.CodeInvalidSignature, http.StatusUnprocessableEntity},
		{service.CodeInvalidInput, http.StatusBadRequest},
		{service.CodeStoreConflict, http.StatusServiceUnavailable},
		{service.CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.want, statusForCode(tc.code))
		})
	}
}
