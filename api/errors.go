package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xraph/tally"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code    tally.Code `json:"code"`
	Message string     `json:"message"`
	Limit   *int64     `json:"limit,omitempty"`
	Bucket  string     `json:"bucket,omitempty"`
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code tally.Code) int {
	switch code {
	case tally.CodeOK:
		return http.StatusOK
	case tally.CodeUnauthenticated:
		return http.StatusUnauthorized
	case tally.CodePermissionDenied:
		return http.StatusForbidden
	case tally.CodeInvalidArgument:
		return http.StatusBadRequest
	case tally.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case tally.CodeNotFound:
		return http.StatusNotFound
	case tally.CodeAlreadyExists:
		return http.StatusConflict
	case tally.CodeQuotaExceeded, tally.CodeSeatExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error code to its gRPC code.
func GRPCCode(code tally.Code) codes.Code {
	switch code {
	case tally.CodeOK:
		return codes.OK
	case tally.CodeUnauthenticated:
		return codes.Unauthenticated
	case tally.CodePermissionDenied:
		return codes.PermissionDenied
	case tally.CodeInvalidArgument:
		return codes.InvalidArgument
	case tally.CodeFailedPrecondition:
		return codes.FailedPrecondition
	case tally.CodeNotFound:
		return codes.NotFound
	case tally.CodeAlreadyExists:
		return codes.AlreadyExists
	case tally.CodeQuotaExceeded, tally.CodeSeatExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// Status converts an engine error for gRPC front-ends. Internal errors do
// not leak their message.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	code := tally.ErrorCode(err)
	return status.New(GRPCCode(code), publicMessage(code, err))
}

func errorBody(err error) ErrorBody {
	code := tally.ErrorCode(err)
	body := ErrorBody{Code: code, Message: publicMessage(code, err)}

	var (
		quota *tally.QuotaExceededError
		seats *tally.SeatExhaustedError
	)
	switch {
	case errors.As(err, &quota):
		body.Limit = &quota.Limit
	case errors.As(err, &seats):
		body.Limit = &seats.Limit
		body.Bucket = string(seats.Bucket)
	}
	return body
}

func publicMessage(code tally.Code, err error) string {
	if code == tally.CodeInternal {
		return "internal error"
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	writeJSON(w, HTTPStatus(body.Code), body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
