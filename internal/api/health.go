package api

import (
	"net/http"
	"time"
)

// HandleHealth returns the liveness endpoint with installation counts by
// token status.
func HandleHealth(d *Deps) http.HandlerFunc {
	started := time.Now()

	return func(w http.ResponseWriter, r *http.Request) {
		counts := d.Tokens.Counts()

		total := 0
		for _, n := range counts {
			total += n
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"installations": total,
			"tokenStatus":   counts,
			"uptime":        time.Since(started).Round(time.Second).String(),
		})
	}
}
