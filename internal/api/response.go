package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/HanTheDev/funnel-insights/internal/apperr"
)

// collaboratorRetryAfter is the Retry-After hint, in seconds, on analyzer failures.
const collaboratorRetryAfter = 5

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &body})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.KindQuotaDisabled:
		return http.StatusForbidden
	case apperr.KindCollaboratorFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and envelope. Internal causes are logged
// but never sent to the client.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		writeFailure(w, http.StatusBadRequest, errorBody{Kind: string(apperr.KindValidation), Message: "invalid request body", Details: fields})
		return
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Internal(err, "unexpected error")
	}
	status := statusFor(ae.Kind)
	body := errorBody{Kind: string(ae.Kind), Message: ae.Message, Details: ae.Details}

	switch {
	case status >= 500:
		log.Error().Err(err).Str("kind", string(ae.Kind)).Msg("request failed")
	default:
		log.Debug().Err(err).Str("kind", string(ae.Kind)).Msg("request rejected")
	}
	if ae.Kind == apperr.KindCollaboratorFailure {
		w.Header().Set("Retry-After", strconv.Itoa(collaboratorRetryAfter))
	}
	writeFailure(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	// An empty body leaves v at its zero value.
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}
