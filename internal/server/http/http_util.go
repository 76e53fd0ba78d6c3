// Package http is the HTTP delivery layer of the edge dispatch server.
// Routes use Go 1.22+ method-specific patterns ("METHOD /path/{param}").
package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"strato/internal/domain/edge"
)

const maxBodyBytes = 1 << 20

// writeJSON serialises payload as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeJSON reads a size-capped JSON body into dst, mapping malformed input
// to ErrValidation.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", edge.ErrValidation, err)
	}
	return nil
}

// pathUUID parses one {param} path value as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", edge.ErrValidation, name)
	}
	return id, nil
}
