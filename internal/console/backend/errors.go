package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNotAuthenticated is returned by data calls made without a stored session.
var ErrNotAuthenticated = errors.New("backend: not authenticated")

// Error is a failure reported by the platform or by the transport underneath it.
// Status is zero for transport failures.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Status != 0 {
		return http.StatusText(e.Status)
	}
	return "backend error"
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var bErr *Error
	if errors.As(err, &bErr) {
		return bErr.Status
	}
	return 0
}

// IsRejected reports whether the platform answered err with a 4xx status.
// Transport failures and 5xx responses may recover on retry.
func IsRejected(err error) bool {
	status := StatusCode(err)
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}

// Message returns the human readable message carried by err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var bErr *Error
	if errors.As(err, &bErr) {
		return bErr.Error()
	}
	return err.Error()
}

func transportError(err error) *Error {
	return &Error{Message: "network error: " + err.Error(), Err: err}
}

// errorFromResponse decodes auth service and REST service error payloads.
func errorFromResponse(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	type errorPayload struct {
		Code             json.RawMessage `json:"code"`
		ErrorCode        string          `json:"error_code"`
		Error            string          `json:"error"`
		ErrorDescription string          `json:"error_description"`
		Msg              string          `json:"msg"`
		Message          string          `json:"message"`
		Details          string          `json:"details"`
		Hint             string          `json:"hint"`
	}

	out := &Error{Status: resp.StatusCode}
	var payload errorPayload
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		out.Code = firstNonEmpty(payload.ErrorCode, rawString(payload.Code), payload.Error)
		out.Message = firstNonEmpty(payload.ErrorDescription, payload.Msg, payload.Message, payload.Error)
		if out.Message != "" && payload.Details != "" {
			out.Message = fmt.Sprintf("%s (%s)", out.Message, payload.Details)
		}
	}
	if out.Message == "" {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 && !strings.HasPrefix(text, "{") {
			out.Message = text
		} else {
			out.Message = http.StatusText(resp.StatusCode)
		}
	}
	return out
}

// rawString accepts both string and numeric codes.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
