package errutil

import "net/http"

type CoreStatus string

const (
	StatusBadRequest       CoreStatus = "BAD_REQUEST"
	StatusValidationFailed CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized     CoreStatus = "UNAUTHORIZED"
	StatusForbidden        CoreStatus = "FORBIDDEN"
	StatusNotFound         CoreStatus = "NOT_FOUND"
	StatusConflict         CoreStatus = "CONFLICT"
	StatusTimeout          CoreStatus = "TIMEOUT"
	StatusTooManyRequests  CoreStatus = "TOO_MANY_REQUESTS"
	StatusInternal         CoreStatus = "INTERNAL"
	StatusUnknown          CoreStatus = "UNKNOWN"

	// Domain statuses for the job lifecycle and experiment allocator.
	StatusPlanLimitExceeded CoreStatus = "PLAN_LIMIT_EXCEEDED"
	StatusInvalidTransition CoreStatus = "INVALID_TRANSITION"
	StatusClaimConflict     CoreStatus = "CLAIM_CONFLICT"
	StatusBusy              CoreStatus = "BUSY"
	StatusIneligibleIngest  CoreStatus = "INELIGIBLE_INGEST"
)

// HTTPStatus maps the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed, StatusPlanLimitExceeded:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusInvalidTransition, StatusClaimConflict:
		return http.StatusConflict
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusTooManyRequests, StatusBusy:
		return http.StatusTooManyRequests
	case StatusIneligibleIngest:
		return http.StatusUnprocessableEntity
	case StatusInternal, StatusUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may safely retry the failed operation.
// Busy is a transient serialization loss, ClaimConflict a benign race outcome.
func (s CoreStatus) Retryable() bool {
	return s == StatusBusy || s == StatusClaimConflict || s == StatusTimeout
}
