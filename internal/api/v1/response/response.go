package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AuthenticatedUser identifies the admin on whose behalf a request ran.
type AuthenticatedUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// ErrorBody is the error member of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Pagination accompanies list responses.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewPagination derives totalPages from total and limit.
func NewPagination(page, limit, total int) *Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return &Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// Envelope is the body of every admin API response.
type Envelope struct {
	Success           bool               `json:"success"`
	Message           string             `json:"message"`
	Data              any                `json:"data,omitempty"`
	Error             *ErrorBody         `json:"error,omitempty"`
	Pagination        *Pagination        `json:"pagination,omitempty"`
	AuthenticatedUser *AuthenticatedUser `json:"authenticated_user"`
	Timestamp         time.Time          `json:"timestamp"`
}

// JSON writes v with the given status. A value that cannot be encoded becomes a bare 500.
// Write failures are returned for the request logger to report.
func JSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return fmt.Errorf("encode response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// Success writes a successful envelope.
func Success(w http.ResponseWriter, status int, message string, data any, user *AuthenticatedUser) error {
	return JSON(w, status, Envelope{
		Success:           true,
		Message:           message,
		Data:              data,
		AuthenticatedUser: user,
		Timestamp:         time.Now().UTC(),
	})
}

// List writes a successful envelope with pagination.
func List(w http.ResponseWriter, message string, data any, p *Pagination, user *AuthenticatedUser) error {
	return JSON(w, http.StatusOK, Envelope{
		Success:           true,
		Message:           message,
		Data:              data,
		Pagination:        p,
		AuthenticatedUser: user,
		Timestamp:         time.Now().UTC(),
	})
}

// Error writes a failed envelope.
func Error(w http.ResponseWriter, status int, code, message string, data any, user *AuthenticatedUser) error {
	return JSON(w, status, Envelope{
		Success:           false,
		Message:           message,
		Error:             &ErrorBody{Code: code, Message: message, Data: data},
		AuthenticatedUser: user,
		Timestamp:         time.Now().UTC(),
	})
}
