package api

import (
	"encoding/json"
	"net/http"

	"github.com/quantforge/exec-core/internal/rmscore"
)

const codeUnauthorized = rmscore.CodeUnauthorized

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// writeErr renders spec §6's error envelope: {error: {code, message, details?}}.
func writeErr(w http.ResponseWriter, status int, code rmscore.Code, message string) {
	writeErrDetails(w, status, code, message, nil)
}

func writeErrDetails(w http.ResponseWriter, status int, code rmscore.Code, message string, details map[string]any) {
	var env errorEnvelope
	env.Error.Code = string(code)
	env.Error.Message = message
	env.Error.Details = details
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// writeRmscoreErr maps an *rmscore.Error to its HTTP status and envelope.
func writeRmscoreErr(w http.ResponseWriter, err *rmscore.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case rmscore.KindValidation:
		status = http.StatusBadRequest
	case rmscore.KindAuth:
		status = http.StatusUnauthorized
	case rmscore.KindRMS, rmscore.KindBrokerReject:
		status = http.StatusUnprocessableEntity
	case rmscore.KindBrokerSession:
		status = http.StatusBadGateway
	case rmscore.KindAdapterTransport:
		status = http.StatusGatewayTimeout
	}
	writeErrDetails(w, status, err.Code, err.Message, err.Details)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
