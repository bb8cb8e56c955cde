package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the current snapshot as JSON: per-method call spans plus
// the saga, outbox and rate-limit counters. Safe with a nil Metrics, which
// renders an empty snapshot.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(metrics.Snapshot()); err != nil {
			http.Error(w, "encode snapshot failed", http.StatusInternalServerError)
		}
	})
}
