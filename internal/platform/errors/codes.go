// Package errors provides structured error handling for the pipeline.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Event log errors
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyExists       Code = "ALREADY_EXISTS"
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeDuplicateFollowUp   Code = "DUPLICATE_FOLLOW_UP"

	// Command errors
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeUnknownCommand   Code = "UNKNOWN_COMMAND"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// Pipeline errors
	CodeRelayFailure   Code = "RELAY_FAILURE"
	CodeExecutorFailed Code = "EXECUTOR_FAILED"

	// Ledger errors
	CodeChainBroken Code = "CHAIN_BROKEN"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument, CodeValidationFailed:
		return codes.InvalidArgument
	case CodeUnknownCommand:
		return codes.Unimplemented
	case CodePermissionDenied:
		return codes.PermissionDenied
	case CodeConcurrencyConflict:
		return codes.Aborted
	case CodeNotFound:
		return codes.NotFound
	case CodeAlreadyExists, CodeDuplicateRequest, CodeDuplicateFollowUp:
		return codes.AlreadyExists
	case CodeRelayFailure:
		return codes.Unavailable
	case CodeChainBroken:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for the JSON adapters.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
