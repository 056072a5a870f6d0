package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/logutil"
	"github.com/zoravur/liveview/pkg/errors"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusOf maps an error code to an HTTP status.
func statusOf(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrParse, errors.ErrBind, errors.ErrSchemaViolation:
		return http.StatusBadRequest
	case errors.ErrDuplicateKey:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		logutil.L(r.Context()).Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(errors.CodeOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.WrapCode(err, errors.ErrBind), "invalid JSON body")
	}
	return nil
}
