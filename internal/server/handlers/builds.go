package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/flightdeckci/flightdeck/internal/blob"
	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/lifecycle"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/server/responses"
	"github.com/flightdeckci/flightdeck/internal/store"
)

// Submit accepts a multipart build submission: a required source archive, an
// optional certs zip, and the platform field.
func (h *Handlers) Submit(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(w, r, h.engine.Limits().SubmitBodyLimit()); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	defer cleanupMultipart(r)

	req := lifecycle.SubmitRequest{
		Platform: store.Platform(r.FormValue("platform")),
	}

	source, sourceHeader, err := r.FormFile("source")
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("source archive is required").Build())
		return
	}
	defer source.Close()
	req.Source = source
	req.SourceName = sourceHeader.Filename

	if certs, _, err := r.FormFile("certs"); err == nil {
		defer certs.Close()
		req.Certs = certs
	}

	b, err := h.engine.Submit(r.Context(), req)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	_ = writeJSON(w, http.StatusCreated, responses.SubmitResponse{
		ID:          b.ID,
		Status:      string(b.Status),
		SubmittedAt: b.SubmittedAt,
		AccessToken: b.AccessToken,
	})
}

// GetBuild returns a build's public status to its submitter or an admin.
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authBuild(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, buildResponse(b))
}

// ListBuilds is the admin listing with optional status/platform/worker filters.
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		h.recorder.IncAuthFailure("admin")
		h.adapter.WriteErrorResponse(w, r, ferrors.AuthError("admin key required").Build())
		return
	}

	q := r.URL.Query()
	filter := store.BuildFilter{
		Status:   store.BuildStatus(q.Get("status")),
		Platform: store.Platform(q.Get("platform")),
		WorkerID: q.Get("worker_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("limit must be a non-negative integer").Build())
			return
		}
		filter.Limit = n
	}

	builds, total, err := h.store.ListBuilds(r.Context(), nil, filter)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to list builds").Build())
		return
	}

	resp := responses.BuildListResponse{Total: total, Builds: make([]responses.BuildResponse, 0, len(builds))}
	for _, b := range builds {
		resp.Builds = append(resp.Builds, buildResponse(b))
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

// GetLogs returns a build's log lines, oldest first.
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authBuild(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("limit must be a non-negative integer").Build())
			return
		}
		limit = n
	}

	entries, err := h.store.ListLogs(r.Context(), b.ID, limit)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to list logs").Build())
		return
	}

	resp := responses.LogsResponse{Logs: make([]responses.LogLine, 0, len(entries))}
	for _, e := range entries {
		resp.Logs = append(resp.Logs, responses.LogLine{
			Timestamp: e.Timestamp,
			Level:     string(e.Level),
			Message:   e.Message,
		})
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

// Download streams the result artifact back to the submitter.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authBuild(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if b.Status != store.StatusCompleted || b.ResultPath == "" {
		h.adapter.WriteErrorResponse(w, r, ferrors.NotFoundError("build artifact not available").
			WithContext("build_id", b.ID).
			WithContext("status", string(b.Status)).Build())
		return
	}

	h.streamBlob(w, r, blob.Ref(b.ResultPath), path.Base(b.ResultPath))
}

// Cancel stops a non-terminal build.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authBuild(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	cancelled, err := h.engine.Cancel(r.Context(), b.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, responses.CancelResponse{Status: string(cancelled.Status)})
}

// Retry clones the build into a fresh pending one sharing its blobs.
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authBuild(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	child, err := h.engine.Retry(r.Context(), b.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, responses.RetryResponse{
		ID:              child.ID,
		Status:          string(child.Status),
		AccessToken:     child.AccessToken,
		OriginalBuildID: b.ID,
	})
}

// streamBlob copies a blob to the response with a download disposition.
func (h *Handlers) streamBlob(w http.ResponseWriter, r *http.Request, ref blob.Ref, filename string) {
	rc, size, err := h.blobs.Open(r.Context(), ref)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is log the broken transfer.
		h.logger.Warn("artifact stream interrupted", logfields.BlobPath(string(ref)), logfields.Error(err))
	}
}

func cleanupMultipart(r *http.Request) {
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}
