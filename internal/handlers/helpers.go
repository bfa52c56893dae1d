package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/conduit/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteAppError maps a core error to its HTTP status and writes the taxonomy
// code alongside the message.
func WriteAppError(w http.ResponseWriter, err error) error {
	code := models.CodeOf(err)
	status := statusFor(code)

	message := err.Error()
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	return WriteJSON(w, status, map[string]string{
		"status": "error",
		"code":   string(code),
		"error":  message,
	})
}

func statusFor(code models.ErrorCode) int {
	switch code {
	case models.ErrCodeInvalidInput, models.ErrCodeInvalidQueue, models.ErrCodeInvalidStatus:
		return http.StatusBadRequest
	case models.ErrCodeHandlerNotFound, models.ErrCodeNotFound:
		return http.StatusNotFound
	case models.ErrCodeUnauthorised:
		return http.StatusForbidden
	case models.ErrCodeConflict:
		return http.StatusConflict
	case models.ErrCodeBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON decodes the request body into dst, rejecting malformed JSON.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.ErrInvalidInput("malformed request body", err)
	}
	return nil
}

// GetListQuery extracts state, sort, and pagination parameters. The state
// parameter accepts a comma-separated list.
func GetListQuery(r *http.Request) models.ListJobsQuery {
	q := r.URL.Query()
	query := models.ListJobsQuery{
		SortBy:  q.Get("sortBy"),
		SortDir: q.Get("order"),
	}

	if stateStr := q.Get("state"); stateStr != "" {
		for _, s := range strings.Split(stateStr, ",") {
			if s = strings.TrimSpace(s); s != "" {
				query.States = append(query.States, models.JobState(s))
			}
		}
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			query.Page = p
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			query.Limit = l
		}
	}
	return query
}
