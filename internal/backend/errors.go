package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNetwork matches failures where no response arrived from the backend.
	ErrNetwork = errors.New("sales backend unreachable")
	// ErrServer matches non-2xx or unreadable responses.
	ErrServer = errors.New("sales backend error")
)

type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

type FieldError struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

// ServerError carries the message the backend reported, ready to show to the
// operator as-is.
type ServerError struct {
	Status  int
	Message string
	Fields  []FieldError
}

func (e *ServerError) Error() string {
	return e.Message
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

const maxErrorText = 200

type validationIssue struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

// errorFromResponse builds the operator-facing message from a failed response.
// FastAPI puts it under "detail": a plain string, or a list of validation
// issues for 422.
func errorFromResponse(status int, body []byte) *ServerError {
	serr := &ServerError{
		Status:  status,
		Message: fmt.Sprintf("HTTP error %d: %s", status, http.StatusText(status)),
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			serr.Message = truncate(text, maxErrorText)
		}
		return serr
	}

	obj, _ := payload.(map[string]any)
	detail, hasDetail := obj["detail"]
	if !hasDetail || detail == nil {
		serr.Message = compactJSON(body)
		return serr
	}

	if status == http.StatusUnprocessableEntity {
		raw, _ := json.Marshal(detail)
		var issues []validationIssue
		if _, isList := detail.([]any); isList && json.Unmarshal(raw, &issues) == nil {
			parts := make([]string, 0, len(issues))
			for _, issue := range issues {
				loc := joinLoc(issue.Loc)
				serr.Fields = append(serr.Fields, FieldError{Location: loc, Message: issue.Msg})
				parts = append(parts, loc+": "+issue.Msg)
			}
			serr.Message = "Validation Error(s): " + strings.Join(parts, "; ")
			return serr
		}
		serr.Message = "Validation Error(s): " + string(raw)
		return serr
	}

	if text, ok := detail.(string); ok {
		serr.Message = text
		return serr
	}
	raw, _ := json.Marshal(detail)
	serr.Message = string(raw)
	return serr
}

func joinLoc(loc []any) string {
	parts := make([]string, 0, len(loc))
	for _, p := range loc {
		switch v := p.(type) {
		case string:
			parts = append(parts, v)
		case float64:
			parts = append(parts, fmt.Sprintf("%d", int64(v)))
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, " -> ")
}

func compactJSON(body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return string(body)
	}
	return buf.String()
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
