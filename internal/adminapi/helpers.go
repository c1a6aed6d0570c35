// Package adminapi is the loopback-only HTTP surface for operator
// introspection: node/cluster status, the live
// event feed, and pause/resume of the failover driver. Grounded on
// a small mux-handler-over-a-manager shape with shared
// respondJSON/respondError helpers.
package adminapi

import (
	"encoding/json"
	"net/http"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]interface{}{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	respondJSON(w, status, body)
}
