package httpapi

import (
	"net/http"
)

// triggerScheduler runs one scheduler pass synchronously. Accepted
// callers: the platform's scheduled invoker (marker header) or anyone
// holding the cron secret. Development deployments skip auth so the
// loop can be poked by hand.
func (s *Server) triggerScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(s.Cfg.CronMarkerHeader) == "" && !s.Cfg.Development() {
		if s.Cfg.CronSecret == "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cron secret not configured"})
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.Cfg.CronSecret {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	sum := s.Sched.RunOnce(r.Context())
	if sum.Err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to process scheduled emails",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": sum.Processed,
		"succeeded": sum.Succeeded,
		"failed":    sum.Failed,
		"duration":  sum.Duration.Milliseconds(),
	})
}
