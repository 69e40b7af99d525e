package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON writes v as the response body. Nothing is cacheable: the
// dashboard and LoRa bridges poll the same URLs for fresh readings.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	// Zone labels are free text from devices; keep them readable.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to write JSON", "error", err)
	}
}

// WriteError writes {"status":"error","error":msg}, the counterpart of the
// {"status":"success",...} bodies that ingest and register return.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{
		"status": "error",
		"error":  msg,
	})
}
