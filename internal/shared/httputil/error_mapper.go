// Package httputil turns sentinel errors into echo HTTP errors.
package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Rule answers errors matching Target (via errors.Is) with Status and Message.
type Rule struct {
	Target  error
	Status  int
	Message string
}

// ErrorMapper checks its rules in order. Context errors are handled before any rule so a
// timed-out request is never reported as a domain failure.
type ErrorMapper struct {
	rules    []Rule
	fallback Rule
}

// NewErrorMapper returns a mapper over rules that answers 500 for anything unmatched.
func NewErrorMapper(rules ...Rule) *ErrorMapper {
	return &ErrorMapper{
		rules:    rules,
		fallback: Rule{Status: http.StatusInternalServerError, Message: "internal server error"},
	}
}

// Fallback replaces the answer for unmatched errors.
func (m *ErrorMapper) Fallback(status int, message string) *ErrorMapper {
	m.fallback = Rule{Status: status, Message: message}
	return m
}

// Match returns the rule answering err. A nil error matches a 200 rule.
func (m *ErrorMapper) Match(err error) Rule {
	switch {
	case err == nil:
		return Rule{Status: http.StatusOK}
	case errors.Is(err, context.DeadlineExceeded):
		return Rule{Target: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Message: "request timeout"}
	case errors.Is(err, context.Canceled):
		return Rule{Target: context.Canceled, Status: http.StatusServiceUnavailable, Message: "request cancelled"}
	}
	for _, r := range m.rules {
		if errors.Is(err, r.Target) {
			return r
		}
	}
	return m.fallback
}

// HTTPError maps err for echo's error handler, keeping err as the internal cause.
func (m *ErrorMapper) HTTPError(err error) *echo.HTTPError {
	r := m.Match(err)
	return echo.NewHTTPError(r.Status, r.Message).SetInternal(err)
}
