package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/flightdeckci/flightdeck/internal/blob"
	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/server/responses"
	"github.com/flightdeckci/flightdeck/internal/store"
)

type registerRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// RegisterWorker enrolls a worker agent, or refreshes a known one.
func (h *Handlers) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		h.recorder.IncAuthFailure("admin")
		h.adapter.WriteErrorResponse(w, r, ferrors.AuthError("admin key required").Build())
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("malformed registration request").Build())
		return
	}

	worker, rereg, err := h.engine.RegisterWorker(r.Context(), req.ID, req.Name, req.Capabilities)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	status := "registered"
	if rereg {
		status = "re-registered"
	}
	_ = writeJSON(w, http.StatusOK, responses.RegisterResponse{
		ID:          worker.ID,
		Status:      status,
		AccessToken: worker.AccessToken,
	})
}

// Poll hands the oldest pending build to the calling worker, rotating its
// token in the same transaction. An empty queue answers {job: null}.
func (h *Handlers) Poll(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if _, err := h.authWorker(r, workerID); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	assignment, err := h.dispatcher.Poll(r.Context(), workerID, h.now())
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to poll for work").Build())
		return
	}
	if assignment == nil {
		_ = writeJSON(w, http.StatusOK, responses.PollResponse{Job: nil})
		return
	}

	b := assignment.Build
	job := &responses.JobDescriptor{
		ID:        b.ID,
		Platform:  string(b.Platform),
		SourceURL: fmt.Sprintf("/api/builds/%s/source", b.ID),
		OTP:       b.OTP,
	}
	if b.OTPExpiresAt != nil {
		job.OTPExpiresAt = *b.OTPExpiresAt
	}
	if b.CertsPath != "" {
		job.CertsURL = fmt.Sprintf("/api/builds/%s/certs", b.ID)
	}
	_ = writeJSON(w, http.StatusOK, responses.PollResponse{
		Job:         job,
		AccessToken: assignment.WorkerToken,
	})
}

// UploadResult ingests the worker's build outcome: a result artifact on
// success, or an error message on failure.
func (h *Handlers) UploadResult(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(w, r, h.engine.Limits().ResultBodyLimit()); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	defer cleanupMultipart(r)

	workerID := r.FormValue("worker_id")
	worker, err := h.authWorker(r, workerID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	buildID := r.FormValue("build_id")
	b, err := h.loadBuild(r.Context(), buildID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if b.WorkerID != worker.ID {
		h.adapter.WriteErrorResponse(w, r, ferrors.ForbiddenError("build is not assigned to this worker").
			WithContext("build_id", buildID).Build())
		return
	}

	success := strings.EqualFold(r.FormValue("success"), "true")
	if success {
		result, _, err := r.FormFile("result")
		if err != nil {
			h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("result artifact is required on success").Build())
			return
		}
		defer result.Close()
		if _, err := h.engine.Complete(r.Context(), buildID, result); err != nil {
			h.adapter.WriteErrorResponse(w, r, err)
			return
		}
	} else {
		msg := r.FormValue("error_message")
		if msg == "" {
			msg = "build failed"
		}
		if err := h.engine.Fail(r.Context(), buildID, msg, false); err != nil {
			h.adapter.WriteErrorResponse(w, r, err)
			return
		}
	}

	_ = writeJSON(w, http.StatusOK, responses.ResultResponse{Success: true})
}

// DownloadSource streams the source archive to the assigned worker or the
// build's VM.
func (h *Handlers) DownloadSource(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authWorkerOrVM(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	h.streamBlob(w, r, blob.Ref(b.SourcePath), path.Base(b.SourcePath))
}

// DownloadCerts streams the raw certs zip to the assigned worker.
func (h *Handlers) DownloadCerts(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authAssignedWorker(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if b.CertsPath == "" {
		h.adapter.WriteErrorResponse(w, r, ferrors.NotFoundError("build has no signing bundle").
			WithContext("build_id", b.ID).Build())
		return
	}
	h.streamBlob(w, r, blob.Ref(b.CertsPath), path.Base(b.CertsPath))
}

// authAssignedWorker authorizes the worker the build is assigned to (or admin).
func (h *Handlers) authAssignedWorker(r *http.Request, b *store.Build) error {
	if h.isAdmin(r) {
		return nil
	}
	workerID := r.URL.Query().Get("worker_id")
	worker, err := h.authWorker(r, workerID)
	if err != nil {
		return err
	}
	if b.WorkerID != worker.ID {
		return ferrors.ForbiddenError("build is not assigned to this worker").
			WithContext("build_id", b.ID).Build()
	}
	return nil
}

// authWorkerOrVM accepts the assigned worker's token or the build's VM token.
func (h *Handlers) authWorkerOrVM(r *http.Request, b *store.Build) error {
	if r.Header.Get(HeaderVMToken) != "" {
		return h.authVM(r, b)
	}
	return h.authAssignedWorker(r, b)
}
