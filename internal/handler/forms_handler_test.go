package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formedge/internal/store"
	"formedge/pkg/logger"
)

type fakeFinder struct {
	doc store.Document
	err error
}

func (f *fakeFinder) FindOne(ctx context.Context, collection string, filter map[string]interface{}, opts store.FindOptions) (store.Document, error) {
	return f.doc, f.err
}

func serveForm(t *testing.T, finder DocumentFinder, formID string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/forms/{formID}", NewFormsHandler(finder, logger.NewNop()).Get)

	req := httptest.NewRequest(http.MethodGet, "/api/forms/"+formID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestFormsGet(t *testing.T) {
	finder := &fakeFinder{doc: store.Document{"_id": "abc", "formId": "f-1", "title": "Survey"}}

	rec := serveForm(t, finder, "f-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "abc", doc["_id"])
	assert.Equal(t, "Survey", doc["title"])
}

func TestFormsGetNotFound(t *testing.T) {
	rec := serveForm(t, &fakeFinder{}, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestFormsGetStoreError(t *testing.T) {
	rec := serveForm(t, &fakeFinder{err: errors.New("connect refused")}, "f-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
