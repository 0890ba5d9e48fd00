package handler

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, domainStatus(err), errorBody{Error: err.Error()})
}

// decodeJSON rejects bodies with unknown fields so client typos
// surface as 400s instead of silently applying defaults.
func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// deref returns the value pointed to by ptr, or def if ptr is nil.
func deref[T any](ptr *T, def T) T {
	if ptr != nil {
		return *ptr
	}
	return def
}
