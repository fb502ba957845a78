package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
)

// RespondWithJSON marshals payload and writes it with the given status
// code, matching internal/handlers/utils.go's RespondWithJSON.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[httpapi] failed to marshal response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to serialize response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(response)
}

// RespondWithError writes a standard JSON error envelope, masking 500s
// behind a generic message the way the teacher's handler package does.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	if code == http.StatusInternalServerError {
		log.Printf("[httpapi] server error (%d): %s", code, message)
		message = "an internal server error occurred"
	}
	RespondWithJSON(w, code, map[string]string{"error": message})
}
