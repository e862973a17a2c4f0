package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/core/ports"
	"github.com/oxidizr/xagent/internal/logger"
	"github.com/oxidizr/xagent/internal/restore"
	"github.com/oxidizr/xagent/internal/worker"
)

const maxBodyBytes = 4 << 20

// Handlers binds the HTTP surface to the core by function call; nothing
// below this layer knows HTTP.
type Handlers struct {
	cfg    *config.Config
	xray   ports.XrayClient
	snaps  ports.SnapshotProvider
	store  ports.JobStore
	cap    ports.CapacityLimiter
	engine *restore.Engine
	worker *worker.Worker
	logger *logger.StyledLogger
}

func NewHandlers(
	cfg *config.Config,
	xray ports.XrayClient,
	snaps ports.SnapshotProvider,
	store ports.JobStore,
	capLimiter ports.CapacityLimiter,
	engine *restore.Engine,
	wrk *worker.Worker,
	log *logger.StyledLogger,
) *Handlers {
	return &Handlers{
		cfg:    cfg,
		xray:   xray,
		snaps:  snaps,
		store:  store,
		cap:    capLimiter,
		engine: engine,
		worker: wrk,
		logger: log,
	}
}

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, domain.CodeInternalError,
			"invalid request body", map[string]any{"reason": err.Error()})
		return false
	}
	return true
}

func (h *Handlers) defaultTag(tag string) string {
	if tag == "" {
		return h.cfg.Xray.InboundTag
	}
	return tag
}

// HealthFull reports liveness plus proxy reachability.
func (h *Handlers) HealthFull(w http.ResponseWriter, r *http.Request) {
	st := h.xray.RuntimeStatus(r.Context())
	if !st.OK {
		writeError(w, r, http.StatusServiceUnavailable, domain.CodeXrayUnavailable,
			"proxy control endpoint unavailable", map[string]any{
				"port_open":       st.PortOpen,
				"sys_stats_error": st.SysStatsErr,
			})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "xray": st})
}

// HealthLogfile reports access-log source liveness.
func (h *Handlers) HealthLogfile(w http.ResponseWriter, r *http.Request) {
	if err := h.snaps.Healthy(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, domain.CodeInternalError,
			"log source unavailable", map[string]any{"reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// XrayStatus returns the raw runtime status shape, always 200.
func (h *Handlers) XrayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.xray.RuntimeStatus(r.Context()))
}

// UsersCount returns the inbound's user count.
func (h *Handlers) UsersCount(w http.ResponseWriter, r *http.Request) {
	tag := h.defaultTag(r.PathValue("tag"))
	count, err := h.xray.CountUsers(r.Context(), tag)
	if err != nil {
		h.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": count})
}

// Emails returns the inbound's email list.
func (h *Handlers) Emails(w http.ResponseWriter, r *http.Request) {
	tag := h.defaultTag(r.PathValue("tag"))
	emails, err := h.xray.Emails(r.Context(), tag)
	if err != nil {
		h.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": emails})
}

// StatusClients serves the parsed access-log snapshot.
func (h *Handlers) StatusClients(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snaps.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, domain.CodeInternalError,
			"log snapshot unavailable", map[string]any{"reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// IssueClient enqueues an issue job; duplicates inside the idempotency
// window collapse to the prior job.
func (h *Handlers) IssueClient(w http.ResponseWriter, r *http.Request) {
	var p domain.IssuePayload
	if !h.decodeBody(w, r, &p) {
		return
	}
	if p.TelegramID == "" {
		writeError(w, r, http.StatusBadRequest, domain.CodeInternalError,
			"telegram_id is required", nil)
		return
	}
	p.InboundTag = h.defaultTag(p.InboundTag)

	jobID, deduped, err := h.store.EnqueueIssue(r.Context(), p)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, domain.CodeRedisError,
			"failed to enqueue issue job", map[string]any{"reason": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "deduped": deduped})
}

// RemoveClient removes a user synchronously or via the queue.
func (h *Handlers) RemoveClient(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	if email == "" {
		writeError(w, r, http.StatusBadRequest, domain.CodeInternalError,
			"email is required", nil)
		return
	}

	p := domain.RemovePayload{
		Email:      email,
		InboundTag: h.defaultTag(r.URL.Query().Get("inbound_tag")),
	}

	if isAsync(r, false) {
		jobID, err := h.store.Enqueue(r.Context(), domain.JobRemoveClient, p)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, domain.CodeRedisError,
				"failed to enqueue remove job", map[string]any{"reason": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID})
		return
	}

	if !h.cfg.Server.AllowSync {
		writeError(w, r, http.StatusBadRequest, domain.CodeSyncDisabled,
			"synchronous removal is disabled, use async=true", nil)
		return
	}

	result, err := h.worker.HandleRemove(r.Context(), p)
	if err != nil {
		h.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// AddUser performs a single synchronous add under a capacity slot.
// AlreadyExists is the idempotent success.
func (h *Handlers) AddUser(w http.ResponseWriter, r *http.Request) {
	var p domain.AddPayload
	if !h.decodeBody(w, r, &p) {
		return
	}
	if p.UUID == "" || p.Email == "" {
		writeError(w, r, http.StatusBadRequest, domain.CodeInternalError,
			"uuid and email are required", nil)
		return
	}
	p.InboundTag = h.defaultTag(p.InboundTag)
	if p.Flow == "" {
		p.Flow = h.cfg.Xray.DefaultFlow
	}

	ok, current, err := h.cap.Reserve(r.Context(), p.InboundTag)
	if err != nil || !ok {
		writeError(w, r, http.StatusTooManyRequests, domain.CodeCapacityExceeded,
			"capacity slot denied", map[string]any{"current": current})
		return
	}

	err = h.xray.AddUser(r.Context(), p.UUID, p.Email, p.InboundTag, p.Level, p.Flow)
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		h.cap.Release(r.Context(), p.InboundTag)
		h.writeUpstreamError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{
		"ok":     true,
		"email":  p.Email,
		"exists": errors.Is(err, domain.ErrAlreadyExists),
	}})
}

// Restore runs a bulk restore, inline by default or queued with async=true.
func (h *Handlers) Restore(w http.ResponseWriter, r *http.Request) {
	var req domain.RestoreRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	req.InboundTag = h.defaultTag(req.InboundTag)
	if len(req.Items) == 0 {
		writeError(w, r, http.StatusBadRequest, domain.CodeInternalError,
			"items must not be empty", nil)
		return
	}

	if isAsync(r, false) {
		jobID, err := h.store.Enqueue(r.Context(), domain.JobBulkRestore, req)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, domain.CodeRedisError,
				"failed to enqueue restore job", map[string]any{"reason": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID})
		return
	}

	result, err := h.engine.Run(r.Context(), req)
	if err != nil {
		var pre *restore.PrecheckError
		switch {
		case errors.As(err, &pre):
			writeError(w, r, http.StatusBadGateway, domain.CodeUpstreamError,
				"restore precheck failed", map[string]any{"reason": pre.Err.Error()})
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, r, http.StatusGatewayTimeout, domain.CodeUpstreamError,
				"restore timed out", map[string]any{"timeout_sec": req.TimeoutSec})
		default:
			h.writeUpstreamError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// JobStatus polls one job's status document.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	doc, err := h.store.GetState(r.Context(), jobID)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, domain.CodeRedisError,
			"failed to read job status", map[string]any{"reason": err.Error()})
		return
	}
	if doc.State == domain.JobNotFound {
		writeError(w, r, http.StatusNotFound, domain.CodeJobNotFound,
			fmt.Sprintf("job %s not found or expired", jobID), nil)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// writeUpstreamError maps adapter failures to the envelope. Only the
// classified code and clipped detail cross the surface.
func (h *Handlers) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		status := http.StatusBadGateway
		if ue.Code == domain.CodeXrayUnavailable {
			status = http.StatusServiceUnavailable
		}
		writeError(w, r, status, ue.Code, "proxy operation failed", map[string]any{
			"op":     ue.Op,
			"detail": ue.Detail,
		})
		return
	}

	writeError(w, r, http.StatusInternalServerError, domain.CodeInternalError,
		"internal error", map[string]any{"type": fmt.Sprintf("%T", err)})
}

func isAsync(r *http.Request, def bool) bool {
	raw := r.URL.Query().Get("async")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
