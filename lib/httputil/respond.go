// Package httputil holds the small helpers json http handlers share.
package httputil

import (
	"encoding/json"
	"net/http"

	"planscraper/internal/components/telemetry"
)

const report_respond = "respond"

// RespondJSON writes data as a json body with the given status.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes {"error": err} with the given status. Server errors are
// also reported.
func RespondError(w http.ResponseWriter, tel telemetry.API, status int, err error) {
	if status >= http.StatusInternalServerError && tel != nil {
		tel.ReportWarning(report_respond, status, err)
	}
	RespondJSON(w, status, map[string]string{"error": err.Error()})
}
