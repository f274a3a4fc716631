package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	domain := errors.New("close: exercice introuvable")
	cases := map[error]int{
		Wrap(ErrNotFound, domain):      http.StatusNotFound,
		Wrap(ErrConflict, domain):      http.StatusConflict,
		Wrap(ErrLocked, domain):        http.StatusLocked,
		Wrap(ErrValidation, domain):    http.StatusBadRequest,
		Wrap(ErrUnprocessable, domain): http.StatusUnprocessableEntity,
		domain:                         http.StatusInternalServerError,
	}
	for err, status := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, err)
		assert.Equal(t, status, rr.Code)
		assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

		var p ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
		assert.Equal(t, status, p.Status)
		if status != http.StatusInternalServerError {
			assert.Equal(t, domain.Error(), p.Detail)
		} else {
			assert.Empty(t, p.Detail)
		}
	}
}

func TestWrapKeepsBothChains(t *testing.T) {
	domain := errors.New("boom")
	err := Wrap(ErrConflict, domain)
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, domain)
	assert.NoError(t, Wrap(ErrConflict, nil))
}

func TestDecodeJSON(t *testing.T) {
	var body struct {
		Mode string `json:"mode"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"mode":"manual"}`))
	require.NoError(t, DecodeJSON(req, &body))
	assert.Equal(t, "manual", body.Mode)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"nope":1}`))
	assert.ErrorIs(t, DecodeJSON(req, &body), ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	assert.NoError(t, DecodeJSON(req, &body))
}
