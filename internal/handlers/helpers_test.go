package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternarybob/conduit/internal/models"
)

func TestStatusForTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrInvalidInput("bad", nil), http.StatusBadRequest},
		{models.ErrInvalidQueue("nope"), http.StatusBadRequest},
		{models.ErrInvalidStatus("sleeping"), http.StatusBadRequest},
		{models.ErrHandlerNotFound("ghost"), http.StatusNotFound},
		{models.ErrNotFound("gone", nil), http.StatusNotFound},
		{models.ErrUnauthorised("no"), http.StatusForbidden},
		{models.ErrConflict("taken"), http.StatusConflict},
		{models.ErrBrokerUnavailable("down", nil), http.StatusServiceUnavailable},
		{models.ErrHandlerFailed("boom", nil), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		if err := WriteAppError(rec, tc.err); err != nil {
			t.Fatal(err)
		}
		if rec.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}

		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["status"] != "error" || body["code"] == "" {
			t.Errorf("Malformed error body: %+v", body)
		}
	}
}

func TestWriteAppErrorUsesMessageNotChain(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppError(rec, models.ErrNotFound("job job_1 not found", nil))

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "job job_1 not found" {
		t.Errorf("Expected bare message, got %q", body["error"])
	}
	if body["code"] != "NotFound" {
		t.Errorf("Expected NotFound code, got %q", body["code"])
	}
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	var dst map[string]interface{}
	if err := DecodeJSON(r, &dst); models.CodeOf(err) != models.ErrCodeInvalidInput {
		t.Fatalf("Expected InvalidInput, got %v", err)
	}
}

func TestGetListQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/jobs?state=completed,failed&page=2&limit=25&sortBy=createdAt&order=desc", nil)
	query := GetListQuery(r)

	if len(query.States) != 2 || query.States[0] != models.JobStateCompleted || query.States[1] != models.JobStateFailed {
		t.Errorf("States not parsed: %+v", query.States)
	}
	if query.Page != 2 || query.Limit != 25 {
		t.Errorf("Pagination not parsed: page=%d limit=%d", query.Page, query.Limit)
	}
	if query.SortBy != "createdAt" || query.SortDir != "desc" {
		t.Errorf("Sort not parsed: %s %s", query.SortBy, query.SortDir)
	}

	// Out-of-range values fall back to zero for the broker's defaults.
	r = httptest.NewRequest(http.MethodGet, "/jobs?page=-1&limit=5000", nil)
	query = GetListQuery(r)
	if query.Page != 0 || query.Limit != 0 {
		t.Errorf("Out-of-range values accepted: page=%d limit=%d", query.Page, query.Limit)
	}
}

func TestPrincipalContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	if p := PrincipalFrom(r); p != nil {
		t.Errorf("Expected no principal, got %+v", p)
	}

	principal := &models.Principal{UserID: "user-1", Via: models.ViaToken}
	r = r.WithContext(WithPrincipal(r.Context(), principal))
	got := PrincipalFrom(r)
	if got == nil || got.UserID != "user-1" {
		t.Errorf("Principal not carried: %+v", got)
	}

	// RequirePrincipal writes 401 when the context is bare.
	rec := httptest.NewRecorder()
	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	if p := RequirePrincipal(rec, bare); p != nil {
		t.Errorf("Expected nil principal, got %+v", p)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}
