package gateway

import (
	"encoding/json"
	"log"
	"net/http"
)

// envelope is the JSON shape every API response follows, matching the error-kind
// model of the rest of the service so a client never has to special-case routes.
type envelope struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	CurrentCount *int   `json:"current_count,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// The header is already written; nothing left to do but note it.
		log.Printf("[GATEWAY] write response: %v", err)
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

func writeError(w http.ResponseWriter, status int, kind, message string, count *int) {
	writeJSON(w, status, envelope{Success: false, Error: kind, Message: message, CurrentCount: count})
}

// writeInternal logs err against the request's correlation id and answers with an
// Internal envelope carrying that id, so a client report can be matched to the
// server-side log line.
func writeInternal(w http.ResponseWriter, r *http.Request, op string, err error) {
	id := GetRequestID(r.Context())
	log.Printf("[GATEWAY] %s: %v (request_id=%s)", op, err, id)
	writeJSON(w, http.StatusInternalServerError, envelope{
		Success:   false,
		Error:     "Internal",
		Message:   "internal error",
		RequestID: id,
	})
}
