package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/server/responses"
	"github.com/flightdeckci/flightdeck/internal/store"
)

type vmAuthRequest struct {
	OTP string `json:"otp"`
}

// VMAuthenticate exchanges a one-time password for a VM token.
func (h *Handlers) VMAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req vmAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("malformed authentication request").Build())
		return
	}

	vmToken, b, err := h.engine.VMAuthenticate(r.Context(), req.OTP)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, responses.VMAuthResponse{
		VMToken:   vmToken,
		ExpiresAt: *b.VMTokenExpiresAt,
	})
}

// CertsSecure delivers the repackaged signing bundle to the build's VM. Each
// call mints a fresh keychain password.
func (h *Handlers) CertsSecure(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authVM(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	bundle, err := h.engine.CertsSecure(r.Context(), b.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	resp := responses.CertsSecureResponse{
		P12:                  base64.StdEncoding.EncodeToString(bundle.P12),
		P12Password:          bundle.P12Password,
		KeychainPassword:     bundle.KeychainPassword,
		ProvisioningProfiles: make([]string, 0, len(bundle.ProvisioningProfiles)),
	}
	for _, p := range bundle.ProvisioningProfiles {
		resp.ProvisioningProfiles = append(resp.ProvisioningProfiles, base64.StdEncoding.EncodeToString(p))
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

type heartbeatRequest struct {
	Progress *float64 `json:"progress,omitempty"`
}

// Heartbeat records liveness from the assigned worker or the build's VM.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	// Two credential tiers may heartbeat. A VM token binds to the build, so
	// the worker-identity check is skipped for it.
	callerWorkerID := ""
	if r.Header.Get(HeaderVMToken) != "" {
		if err := h.authVM(r, b); err != nil {
			h.adapter.WriteErrorResponse(w, r, err)
			return
		}
	} else {
		workerID := r.URL.Query().Get("worker_id")
		worker, err := h.authWorker(r, workerID)
		if err != nil {
			h.adapter.WriteErrorResponse(w, r, err)
			return
		}
		callerWorkerID = worker.ID
	}

	var req heartbeatRequest
	if r.Body != nil {
		// An empty or absent body is a bare liveness ping.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	at, err := h.engine.Heartbeat(r.Context(), b.ID, callerWorkerID, req.Progress)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, responses.HeartbeatResponse{Status: "ok", Timestamp: at})
}

// telemetryEvent is the closed set of telemetry bodies a VM may post.
// Unknown types degrade to Other and are logged, never rejected.
type telemetryEvent struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type cpuSnapshotData struct {
	CpuPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Stored snapshot bounds: cpu_percent is per-core cumulative (a mac mini tops
// out well under 1000%), memory_mb under a terabyte.
const (
	maxCpuPercent = 1000
	maxMemoryMB   = 1_000_000
)

func (d cpuSnapshotData) valid() bool {
	return d.CpuPercent >= 0 && d.CpuPercent <= maxCpuPercent &&
		d.MemoryMB >= 0 && d.MemoryMB <= maxMemoryMB
}

// Telemetry ingests one telemetry event from the build's VM.
func (h *Handlers) Telemetry(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authVM(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	var ev telemetryEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("malformed telemetry event").Build())
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}

	switch ev.Type {
	case "cpu_snapshot":
		var data cpuSnapshotData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("malformed cpu snapshot").Build())
			return
		}
		if !data.valid() {
			h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("cpu snapshot values out of range").
				WithContext("build_id", b.ID).Build())
			return
		}
		err = h.store.AppendCpuSnapshot(r.Context(), nil, &store.CpuSnapshot{
			BuildID:    b.ID,
			Timestamp:  ev.Timestamp,
			CpuPercent: data.CpuPercent,
			MemoryMB:   data.MemoryMB,
		})
		if err != nil {
			h.adapter.WriteErrorResponse(w, r, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to record telemetry").Build())
			return
		}
	case "monitor_started":
		err = h.store.AppendLog(r.Context(), nil, b.ID, store.LogInfo, "VM monitoring started", ev.Timestamp)
		if err != nil {
			h.adapter.WriteErrorResponse(w, r, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to record telemetry").Build())
			return
		}
	case "heartbeat":
		if _, err := h.engine.Heartbeat(r.Context(), b.ID, "", nil); err != nil {
			h.adapter.WriteErrorResponse(w, r, err)
			return
		}
	default:
		// Other: accepted and ignored so old VMs never break ingestion.
	}

	_ = writeJSON(w, http.StatusOK, responses.TelemetryResponse{Status: "ok"})
}

type logIngestRequest struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Logs    []struct {
		Timestamp time.Time `json:"timestamp"`
		Level     string    `json:"level"`
		Message   string    `json:"message"`
	} `json:"logs,omitempty"`
}

// IngestLogs appends one or more log lines from the build's VM, preserving
// their submitted order.
func (h *Handlers) IngestLogs(w http.ResponseWriter, r *http.Request) {
	b, err := h.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.authVM(r, b); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	var req logIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("malformed log request").Build())
		return
	}

	now := h.now()
	var entries []store.LogEntry
	if len(req.Logs) > 0 {
		entries = make([]store.LogEntry, 0, len(req.Logs))
		for _, l := range req.Logs {
			ts := l.Timestamp
			if ts.IsZero() {
				ts = now
			}
			entries = append(entries, store.LogEntry{
				Timestamp: ts,
				Level:     store.NormalizeLogLevel(l.Level),
				Message:   l.Message,
			})
		}
	} else if req.Message != "" {
		entries = []store.LogEntry{{
			Timestamp: now,
			Level:     store.NormalizeLogLevel(req.Level),
			Message:   req.Message,
		}}
	}

	if len(entries) == 0 {
		h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError("no log lines in request").Build())
		return
	}

	if err := h.store.AppendLogsBatch(r.Context(), b.ID, entries); err != nil {
		h.adapter.WriteErrorResponse(w, r, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to append logs").Build())
		return
	}
	_ = writeJSON(w, http.StatusOK, responses.LogIngestResponse{Success: true, Count: len(entries)})
}
