package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/chatremote/host/internal/errors"
)

// maxBodyBytes caps request bodies. Live transcripts are the largest
// payloads the editor sends.
const maxBodyBytes = 8 << 20

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OKResponse acknowledges a mutation.
type OKResponse struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// writeError writes err as {code, message}. A zero status is derived from
// the error code.
func writeError(w http.ResponseWriter, err error, status int) {
	code, msg := apperrors.ToCodeAndMessage(err)
	if status == 0 {
		status = statusForCode(code)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func statusForCode(code string) int {
	switch code {
	case apperrors.CodeInstanceNotFound, apperrors.CodeSessionNotFound, apperrors.CodeStorageNotFound:
		return http.StatusNotFound
	case apperrors.CodeQueryInvalid, apperrors.CodeCommandInvalid, apperrors.CodeServerInvalidMessage:
		return http.StatusBadRequest
	case apperrors.CodeAuthRequired, apperrors.CodeAuthInvalid:
		return http.StatusUnauthorized
	case apperrors.CodeCommandRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeDecodeFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads r's body into v. An empty body leaves v untouched when
// allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.InvalidMessage("invalid JSON body: " + err.Error())
	}
	return nil
}
