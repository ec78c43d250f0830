package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "gatehouse/pkg/domain-errors"
)

type taggedRequest struct {
	Name  string  `json:"name" validate:"required,notblank"`
	Score float64 `json:"score" validate:"gte=0,lte=10"`
}

func (r *taggedRequest) Normalize() { r.Name = strings.TrimSpace(r.Name) }

type checkedRequest struct {
	ScoreA float64 `json:"score_a"`
	ScoreB float64 `json:"score_b"`
}

func (r *checkedRequest) Validate() error {
	if r.ScoreA == r.ScoreB {
		return errors.New("scores must differ")
	}
	return nil
}

type domainErrorRequest struct {
	ID string `json:"id"`
}

func (r *domainErrorRequest) Validate() error {
	if r.ID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "id is required")
	}
	return nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestDecodeAndPrepare(t *testing.T) {
	logger := discardLogger()

	t.Run("decodes normalizes and validates", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"  Ada ","score":7}`))
		w := httptest.NewRecorder()

		result, ok := DecodeAndPrepare[taggedRequest](w, req, logger)

		require.True(t, ok)
		assert.Equal(t, "Ada", result.Name)
		assert.Equal(t, 7.0, result.Score)
	})

	t.Run("invalid JSON is a bad request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{invalid`))
		w := httptest.NewRecorder()

		result, ok := DecodeAndPrepare[taggedRequest](w, req, logger)

		assert.False(t, ok)
		assert.Nil(t, result)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "bad_request", decodeError(t, w).Error)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"x","admin":true}`))
		w := httptest.NewRecorder()

		_, ok := DecodeAndPrepare[taggedRequest](w, req, logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("tag validation failure", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"x","score":11}`))
		w := httptest.NewRecorder()

		_, ok := DecodeAndPrepare[taggedRequest](w, req, logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "score must be at most 10", decodeError(t, w).Description)
	})

	t.Run("plain Validate error becomes validation_failed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"score_a":5,"score_b":5}`))
		w := httptest.NewRecorder()

		_, ok := DecodeAndPrepare[checkedRequest](w, req, logger)
		assert.False(t, ok)
		resp := decodeError(t, w)
		assert.Equal(t, "validation_failed", resp.Error)
		assert.Equal(t, "scores must differ", resp.Description)
	})

	t.Run("domain error code is preserved", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"id":""}`))
		w := httptest.NewRecorder()

		_, ok := DecodeAndPrepare[domainErrorRequest](w, req, logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "bad_request", decodeError(t, w).Error)
	})

	t.Run("oversized body is 413", func(t *testing.T) {
		body := `{"name":"` + strings.Repeat("a", 100) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		req.Body = http.MaxBytesReader(w, req.Body, 16)

		_, ok := DecodeAndPrepare[taggedRequest](w, req, logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{dErrors.New(dErrors.CodeOutOfOrder, "stage 2 not passed"), http.StatusConflict, "out_of_order"},
		{dErrors.New(dErrors.CodeExpired, "grant expired"), http.StatusGone, "expired"},
		{dErrors.New(dErrors.CodeStorageUnavailable, "db down"), http.StatusServiceUnavailable, "storage_unavailable"},
		{dErrors.New(dErrors.CodeInternal, "secret detail"), http.StatusInternalServerError, "internal_error"},
		{errors.New("raw"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		WriteError(w, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.code)
		resp := decodeError(t, w)
		assert.Equal(t, tc.code, resp.Error)
		if tc.code == "internal_error" {
			assert.Empty(t, resp.Description)
		}
	}
}
