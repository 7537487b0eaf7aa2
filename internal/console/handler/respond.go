package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/multiregion-dashboard/internal/domain"
)

type errorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError переводит вид ошибки в HTTP-статус.
func writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: domain.KindUnknown})
		return
	}

	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindUnknownRegion:
		status = http.StatusNotFound
	case domain.KindInvalidParameter:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: de.Error(), Kind: de.Kind})
}
