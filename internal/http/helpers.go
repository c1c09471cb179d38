package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"finet/internal/api"
	"finet/internal/core"
	"finet/internal/ledger"
	"finet/internal/log"
)

// sanitizeInput drops control characters other than tab and newlines.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// writeError maps service errors onto responses. Validation problems are
// 422, API rejections keep their 4xx status and everything upstream of us
// failing is a 502.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	var verr *core.ValidationError
	if errors.As(err, &verr) {
		logger.InfoContext(ctx, "Rejected input",
			log.FieldOperation, op, "field", verr.Field, log.FieldError, verr.Err,
			log.FieldErrorType, log.ErrorTypeValidation)
		FieldErrorResponse(verr.Field, verr.Error()).Write(w)
		return
	}

	if api.IsUnauthorized(err) {
		logger.InfoContext(ctx, "Session rejected by API", log.FieldOperation, op,
			log.FieldErrorType, log.ErrorTypeAuth)
		UnauthorizedError(s.evictionMessage()).Write(w)
		return
	}

	if errors.Is(err, api.ErrNotFound) {
		NotFoundError("Not found").Write(w)
		return
	}

	if errors.Is(err, context.Canceled) {
		logger.DebugContext(ctx, "Request cancelled", log.FieldOperation, op)
		return
	}

	logger.ErrorContext(ctx, "Request failed", log.FieldOperation, op, log.FieldError, err,
		log.FieldErrorType, errorType(err))

	if errors.Is(err, api.ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
		BadGatewayError("Network error. Cannot reach the server.").Write(w)
		return
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message()
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			if msg == "" {
				msg = http.StatusText(apiErr.Status)
			}
			ErrorResponse(apiErr.Status, msg).Write(w)
			return
		}
		if msg == "" {
			msg = "The Finet API failed. Please try again later."
		}
		BadGatewayError(msg).Write(w)
		return
	}

	InternalServerError("An unexpected error occurred.").Write(w)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, api.ErrNetwork):
		return log.ErrorTypeNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return log.ErrorTypeTimeout
	case errors.Is(err, ledger.ErrEntryWrite):
		return log.ErrorTypeDatabase
	default:
		return log.ErrorTypeInternal
	}
}

// apiStatus returns the status of an API rejection, if err is one.
func apiStatus(err error) int {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
