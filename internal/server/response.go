package server

import (
	"encoding/json"
	"net/http"
)

// APIResponse is the envelope of every response body.
type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func respond[T any](w http.ResponseWriter, status int, message string, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[T]{
		Message: message,
		Data:    data,
	})
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	respond(w, status, "ok", data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	respond(w, status, message, "")
}
