package agentserver

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/devboxd/internal/apierr"
)

func writeOK(w http.ResponseWriter, data map[string]any) {
	writeEnvelope(w, http.StatusOK, 0, "", data)
}

func writeErr(w http.ResponseWriter, err *apierr.Error) {
	status := http.StatusOK
	if err.Code == apierr.CodePanic {
		status = http.StatusInternalServerError
	}
	writeEnvelope(w, status, int(err.Code), err.Message, nil)
}

func writeEnvelope(w http.ResponseWriter, httpStatus, code int, message string, data map[string]any) {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out["status"] = code
	if message != "" {
		out["message"] = message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(out)
}

func decodeBody(r *http.Request, dst any) *apierr.Error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apierr.New(apierr.CodeInvalidRequest, "malformed request body")
	}
	return nil
}
