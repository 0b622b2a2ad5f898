// Package protocol defines the wire-level vocabulary shared between the HTTP API and the
// gateway socket: structured error codes, dispatch opcodes, and frame/event payload shapes.
package protocol

// Code identifies the kind of failure in a structured API error response.
type Code string

const (
	ValidationError Code = "validation_error"
	Unauthorized    Code = "unauthorized"
	TokenExpired    Code = "token_expired"
	NotFound        Code = "not_found"
	Forbidden       Code = "forbidden"
	Conflict        Code = "conflict"
	RateLimited     Code = "rate_limited"
	InternalError   Code = "internal_error"
)
