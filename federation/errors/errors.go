// Package errors defines the gateway's error taxonomy: a small set of
// Code constants carried by a single Error type, so every layer (parser,
// planner, executor, pipeline) can produce client-visible GraphQL errors
// with a consistent extensions.code without each caller inventing its own
// string.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies one taxonomy entry. The string value is also the
// extensions.code sent to clients.
type Code string

const (
	// Input errors.
	CodeParseError             Code = "PARSE_ERROR"
	CodeValidationError        Code = "VALIDATION_ERROR"
	CodeLimitExceeded          Code = "LIMIT_EXCEEDED"
	CodeBatchingNotEnabled     Code = "BATCHING_NOT_ENABLED"
	CodeBatchLimitExceeded     Code = "BATCH_LIMIT_EXCEEDED"
	CodePersistedQueryNotFound Code = "PERSISTED_QUERY_NOT_FOUND"
	CodeInvalidGraphqlRequest  Code = "INVALID_GRAPHQL_REQUEST"

	// Planning errors.
	CodeNoPlanFound  Code = "NO_PLAN_FOUND"
	CodePlanningCost Code = "PLANNING_COST"
	CodeTimeout      Code = "TIMEOUT"

	// Execution errors.
	CodeSubrequestHTTPError         Code = "SUBREQUEST_HTTP_ERROR"
	CodeSubrequestMalformedResponse Code = "SUBREQUEST_MALFORMED_RESPONSE"
	CodeSubrequestTimeout           Code = "SUBREQUEST_TIMEOUT"
	CodeFetchError                  Code = "FETCH_ERROR"

	// Policy errors.
	CodeForbidden       Code = "FORBIDDEN"
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// Lifecycle errors.
	CodeSubscriptionSchemaReload Code = "SUBSCRIPTION_SCHEMA_RELOAD"
	CodeSubscriptionConfigReload Code = "SUBSCRIPTION_CONFIG_RELOAD"
	CodeComputeQueueFull         Code = "COMPUTE_QUEUE_FULL"
	CodeShuttingDown             Code = "SHUTTING_DOWN"
)

// Error is a taxonomy-tagged error. Path is the GraphQL response path the
// error should be attached to, when known at construction time (the
// executor may still rewrite it once the field's position in the merged
// response is resolved).
type Error struct {
	Code    Code
	Message string
	Path    []interface{}
	Reason  string // optional, surfaced for security-relevant failures only
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error carrying cause as its unwrap target. The
// message is independent of cause.Error() so callers control exactly
// what clients see; cause remains reachable via errors.Unwrap/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Wrapped: cause}
}

// WithPath returns a copy of e with Path set.
func (e *Error) WithPath(path ...interface{}) *Error {
	clone := *e
	clone.Path = path
	return &clone
}

// WithReason returns a copy of e with Reason set, for security-relevant
// failures (Forbidden, Unauthenticated) where spec.md allows an optional
// client-visible reason string.
func (e *Error) WithReason(reason string) *Error {
	clone := *e
	clone.Reason = reason
	return &clone
}

// CodeOf extracts the taxonomy Code from err, walking its Unwrap chain.
// Returns ("", false) if err carries no *Error.
func CodeOf(err error) (Code, bool) {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe.Code, true
	}
	return "", false
}

// GraphQLExtensions renders the extensions object sent to clients for
// this error: always extensions.code, plus extensions.reason when set.
func (e *Error) GraphQLExtensions() map[string]interface{} {
	ext := map[string]interface{}{"code": string(e.Code)}
	if e.Reason != "" {
		ext["reason"] = e.Reason
	}
	return ext
}
