package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/okabelanger/streambid/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError maps a domain error to its HTTP status and JSON body.
// Unclassified errors are reported with a generic message so internal detail
// (DSNs, hostnames) never reaches clients.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindUnauthorized:
		status = http.StatusForbidden
	case domain.KindUnavailable:
		status = http.StatusServiceUnavailable
	default:
		msg = "internal server error"
	}

	body := map[string]string{"error": msg}
	if code := domain.CodeOf(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

// queryInt parses an integer query parameter, returning def when absent or
// unparsable.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
