package core

import (
	"encoding/json"
	"net/http"
)

// HealthResponse is the JSON body served by the admin health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}

// ErrorResponse is the JSON body of admin endpoint errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONResponse encodes v as JSON and writes it to w with the given status.
func writeJSONResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	_ = writeJSONResponse(w, status, ErrorResponse{Error: message})
}
