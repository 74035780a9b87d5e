package privet

import (
	"encoding/json"
	"errors"
	"net/http"

	"deviceagent/internal/agenterr"
)

// errorBody is the {error:{code,message,debugInfo?}} envelope every Privet
// failure response carries.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	DebugInfo string `json:"debugInfo,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and a {error:{code,message}} body.
// An *agenterr.Error's Code is passed through verbatim; anything else is
// reported as a generic internal error with no leaked debugInfo.
func writeError(w http.ResponseWriter, status int, err error) {
	var aerr *agenterr.Error
	if errors.As(err, &aerr) && aerr.Code != "" {
		writeJSON(w, status, errorBody{Error: errorDetail{Code: aerr.Code, Message: aerr.Message}})
		return
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: "internalError", Message: err.Error()}})
}

func writeCodedError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
