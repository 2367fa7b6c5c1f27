package handlers

import (
	"net/http"

	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/server/responses"
)

// Stats serves the public dashboard snapshot. No auth: the numbers carry no
// identifiers.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context(), h.now(), statsOnlineWindow)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to aggregate stats").Build())
		return
	}
	_ = writeJSON(w, http.StatusOK, responses.StatsResponse{
		NodesOnline:  st.NodesOnline,
		BuildsQueued: st.BuildsQueued,
		ActiveBuilds: st.ActiveBuilds,
		BuildsToday:  st.BuildsToday,
		TotalBuilds:  st.TotalBuilds,
	})
}

// Health is the liveness probe; it reports queue depth alongside status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context(), h.now(), statsOnlineWindow)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to read queue state").Build())
		return
	}
	_ = writeJSON(w, http.StatusOK, responses.HealthResponse{
		Status: "ok",
		Queue: responses.QueueSnapshot{
			Pending: st.BuildsQueued,
			Active:  st.ActiveBuilds,
		},
	})
}
