package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lazypower/tether/internal/logging"
	"github.com/lazypower/tether/internal/memory"
)

type errorBody struct {
	Error string              `json:"error"`
	Code  string              `json:"code"`
	Items []memory.FieldError `json:"items,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		logging.From(r.Context()).Error("request failed", "error", err)
	} else {
		logging.From(r.Context()).Debug("request rejected", "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	var verr *memory.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Error: verr.Error(), Code: "validation", Items: verr.Items}
	case errors.Is(err, memory.ErrValidation):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"}
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "memory not found", Code: "not_found"}
	case errors.Is(err, memory.ErrOwnershipViolation):
		return http.StatusForbidden, errorBody{Error: "one or more memories are not owned by caller", Code: "ownership_violation"}
	case errors.Is(err, memory.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: "embedding provider unavailable", Code: "embedding_unavailable"}
	case errors.Is(err, memory.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: "store unavailable", Code: "store_unavailable"}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"}
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		verr := &memory.ValidationError{}
		verr.Add(-1, "body", "invalid json: "+err.Error())
		return verr
	}
	return nil
}
