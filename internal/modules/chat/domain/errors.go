package domain

import "errors"

var (
	// ErrValidation marks a Message that could not be constructed or decoded.
	ErrValidation = errors.New("invalid message")
	// ErrAuthorization marks a send rejected by the social graph.
	ErrAuthorization = errors.New("not authorized")
	// ErrDeliveryFailed marks a publish that still failed after the retry policy ran out.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrInvalidOperation marks a call that does not apply to the given message or handle.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrTopologyCleanup marks a best-effort exchange removal that failed.
	ErrTopologyCleanup = errors.New("topology cleanup failed")
	// ErrUnsupportedKind marks a well-formed message of a kind this relay does not carry yet.
	// It is always wrapped together with ErrValidation.
	ErrUnsupportedKind = errors.New("unsupported message kind")
	// ErrRateLimited marks a send dropped by the per-connection limiter.
	ErrRateLimited = errors.New("rate limited")
)
