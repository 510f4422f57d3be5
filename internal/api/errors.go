package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout is matched by every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("api: request timed out")

// TimeoutError reports a backend call that did not complete within the
// configured timeout.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("api: %s timed out after %s", e.Op, e.After)
}

// Is makes errors.Is(err, ErrTimeout) hold for any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// HTTPError is returned for non-2xx responses. Message is the backend's own
// error text when it supplied one.
type HTTPError struct {
	Op      string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api: %s: %s", e.Op, e.Message)
}

// newHTTPError extracts the failure reason from a response body: a JSON
// "error" or "message" field, else the raw text, else a generic message.
func newHTTPError(op string, status int, body []byte) *HTTPError {
	return &HTTPError{Op: op, Status: status, Message: errorMessage(status, body)}
}

func errorMessage(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return genericMessage(status)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		for _, key := range []string{"error", "message"} {
			raw, ok := payload[key]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
			// Some endpoints nest the reason: {"error":{"message":"..."}}.
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(raw, &nested); err == nil && strings.TrimSpace(nested.Message) != "" {
				return strings.TrimSpace(nested.Message)
			}
		}
		return genericMessage(status)
	}
	return trimmed
}

func genericMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("HTTP error %d (%s)", status, text)
	}
	return fmt.Sprintf("HTTP error %d", status)
}

// IsRateLimited reports whether err is the backend's rate-limit signal. The
// backend answers 429 on newer deployments; older ones only put "Rate limit"
// in the error text, so both are recognized.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// Reason returns a user-facing description of err, preferring the backend's
// message over transport detail.
func Reason(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Message
	}
	if errors.Is(err, ErrTimeout) {
		return "the server took too long to respond"
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
