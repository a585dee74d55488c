package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rebuildd/services/tracking"
)

type buildView struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Branch        string     `json:"branch,omitempty"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	BuildID       int64      `json:"build_id"`
	EventID       *int64     `json:"event_id,omitempty"`
	TimeSubmitted time.Time  `json:"time_submitted"`
	TimeCompleted *time.Time `json:"time_completed,omitempty"`
}

func toBuildViews(builds []tracking.ArtifactBuild) []buildView {
	out := make([]buildView, 0, len(builds))
	for _, b := range builds {
		out = append(out, buildView{
			ID:            b.ID,
			Name:          b.Name,
			Branch:        b.Branch,
			Type:          b.Type.String(),
			State:         b.State.String(),
			BuildID:       b.BuildID,
			EventID:       b.EventID,
			TimeSubmitted: b.TimeSubmitted,
			TimeCompleted: b.TimeCompleted,
		})
	}
	return out
}

func (a *API) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rawID := strings.TrimSpace(q.Get("build_id"))
	if rawID == "" {
		respondError(w, http.StatusBadRequest, errors.New("build_id is required"))
		return
	}
	buildID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid build_id %q", rawID))
		return
	}

	typ := tracking.ArtifactTypeModule
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		typ, err = tracking.ParseArtifactType(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}

	ctx, cancel := a.withTimeout(r.Context())
	defer cancel()

	builds, err := a.store.BuildsByBuildID(ctx, buildID, typ)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"builds": toBuildViews(builds)})
}

func (a *API) handleEventBuilds(w http.ResponseWriter, r *http.Request) {
	messageID := strings.TrimSpace(chi.URLParam(r, "messageID"))
	if messageID == "" {
		respondError(w, http.StatusBadRequest, errors.New("message id is required"))
		return
	}

	ctx, cancel := a.withTimeout(r.Context())
	defer cancel()

	evt, builds, err := a.store.BuildsForEvent(ctx, messageID)
	if err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"event":  evt,
		"builds": toBuildViews(builds),
	})
}
