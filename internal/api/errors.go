// Package api provides error types for backend responses.
package api

import (
	"encoding/json"
	"fmt"
)

// Error is a structured failure reported by the backend. All error
// payloads share the shape {code, userMessage, suggestion?, severity},
// with legacy fallbacks for plain {error} or {message} bodies.
type Error struct {
	Code        string `json:"code"`
	UserMessage string `json:"userMessage"`
	Suggestion  string `json:"suggestion,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Detail      string `json:"detail,omitempty"`

	// HTTPStatus is the response status for pre-stream rejections,
	// zero for errors carried inside a stream payload.
	HTTPStatus int `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.message())
	}
	return e.message()
}

func (e *Error) message() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	if e.Detail != "" {
		return e.Detail
	}
	return "request failed"
}

// decodeError builds an Error from a non-success response body. The
// body may be empty or non-JSON; the result always carries a usable
// message.
func decodeError(status int, body []byte) *Error {
	var raw struct {
		Code        string `json:"code"`
		UserMessage string `json:"userMessage"`
		Error       string `json:"error"`
		Message     string `json:"message"`
		Suggestion  string `json:"suggestion"`
		Severity    string `json:"severity"`
		Detail      string `json:"detail"`
	}
	_ = json.Unmarshal(body, &raw)

	msg := raw.UserMessage
	if msg == "" {
		msg = raw.Error
	}
	if msg == "" {
		msg = raw.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("backend returned HTTP %d", status)
	}

	return &Error{
		Code:        raw.Code,
		UserMessage: msg,
		Suggestion:  raw.Suggestion,
		Severity:    raw.Severity,
		Detail:      raw.Detail,
		HTTPStatus:  status,
	}
}
