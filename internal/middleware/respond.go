package middleware

import (
	"encoding/json"
	"net/http"
)

// errorBody is the wire shape for error responses. Handlers in the api
// package produce the same shape; middleware keeps its own writer so the
// packages stay independently usable.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, msg, "")
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Code: code})
}
