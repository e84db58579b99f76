package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/roach88/hashrepo/internal/apperr"
	logpkg "github.com/roach88/hashrepo/internal/logger"
)

type errorResponse struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeParse:
		return http.StatusBadRequest
	case apperr.CodePermission:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeTransient:
		return http.StatusServiceUnavailable
	case apperr.CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err as a JSON error response. Server-side failures
// are logged and their details withheld.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContext(r.Context())
	code := apperr.CodeOf(err)
	status := statusFor(code)

	switch {
	case status >= http.StatusInternalServerError:
		log.Error("request failed", zap.String("code", string(code)), zap.Error(err))
		msg := "internal error"
		if status == http.StatusServiceUnavailable {
			msg = "temporarily unavailable"
			w.Header().Set("Retry-After", "1")
		}
		if code == "" {
			code = "INTERNAL"
		}
		writeError(w, status, code, msg)
	default:
		log.Debug("request rejected", zap.String("code", string(code)), zap.Error(err))
		writeError(w, status, code, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code apperr.Code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
