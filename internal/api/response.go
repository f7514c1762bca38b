package api

import (
	"encoding/json"
	"net/http"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// WriteJSON writes v as the JSON body of a response with the given status.
// A nil v writes only the status line and headers.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteJSONError writes a {"error": msg} body.
func WriteJSONError(w http.ResponseWriter, code int, msg string) {
	WriteJSON(w, code, notify.ErrorResponse{Error: msg})
}
