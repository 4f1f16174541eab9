package respond

import (
	"encoding/json"
	"net/http"
)

func JSON(w http.ResponseWriter, r *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func Error(w http.ResponseWriter, r *http.Request, code int, message string) {
	JSON(w, r, code, map[string]string{"error": message})
}

// Conflict returns 409 with the current authoritative state so the caller
// can rebase its edit instead of losing it.
func Conflict(w http.ResponseWriter, r *http.Request, current interface{}) {
	JSON(w, r, http.StatusConflict, map[string]interface{}{
		"error":   "conflict",
		"current": current,
	})
}
