package alumni

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError carries a non-2xx REST response.
type APIError struct {
	// Method and Path identify the failed request.
	Method string
	Path   string
	// Status is the HTTP status code.
	Status int
	// Message is the backend `error` or `message` body field, or "HTTP <status>".
	Message string
}

// Error returns one operator-readable failure summary.
func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 3)
	if method := strings.TrimSpace(e.Method); method != "" {
		fields = append(fields, method)
	}
	if path := strings.TrimSpace(e.Path); path != "" {
		fields = append(fields, path)
	}
	fields = append(fields, fmt.Sprintf("status=%d", e.Status))

	message := strings.TrimSpace(e.Message)
	if message == "" {
		message = fmt.Sprintf("HTTP %d", e.Status)
	}

	return "api error: " + strings.Join(fields, " ") + ": " + message
}

// Unauthorized reports whether the backend rejected the credential.
func (e *APIError) Unauthorized() bool {
	return e != nil && e.Status == http.StatusUnauthorized
}

// AsAPIError extracts one APIError from wrapped error chains.
func AsAPIError(err error) (*APIError, bool) {
	if err == nil {
		return nil, false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	return nil, false
}
