package api

import (
	"net/http"
	"sort"
)

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.withTimeout(r.Context())
	defer cancel()

	names := make([]string, 0, len(a.config.Checks))
	for name := range a.config.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failures := map[string]string{}
	for _, name := range names {
		if err := a.config.Checks[name](ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
