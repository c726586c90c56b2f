package server

import (
	"net/http"

	json "github.com/goccy/go-json"
)

type errorResponse struct {
	Error         string `json:"error"`
	DeadLetterKey string `json:"deadLetterKey,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}
