package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nightrunner/orchestrator/pkg/apidefinition"
	"github.com/nightrunner/orchestrator/pkg/job"
	"github.com/nightrunner/orchestrator/pkg/target"
	"github.com/nightrunner/orchestrator/pkg/tenant"
)

// JobHandlers implements the job lifecycle endpoints named in §6. One
// instance serves every tenant; each request's Store/Store/Store are built
// against the tenant-scoped connection tenant.Middleware placed in context.
type JobHandlers struct{}

// RegisterJobRoutes mounts the job lifecycle and diagnostics endpoints on
// the server's authenticated, tenant-scoped sub-router.
func RegisterJobRoutes(r chi.Router) {
	h := &JobHandlers{}

	r.Route("/targets/{targetID}/jobs", func(tr chi.Router) {
		tr.Post("/", h.CreateJob)
		tr.Get("/{jobID}", h.GetJob)
		tr.Post("/{jobID}/interrupt", h.Interrupt)
		tr.Post("/{jobID}/cancel", h.Cancel)
		tr.Post("/{jobID}/resume", h.Resume)
		tr.Post("/{jobID}/resolve", h.Resolve)
	})

	r.Get("/diagnostics/queue", h.DiagnosticsQueue)
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, key))
}

// CreateJobRequest is the body of POST /targets/{id}/jobs/.
type CreateJobRequest struct {
	APIName    string         `json:"api_name" validate:"required"`
	Parameters map[string]any `json:"parameters"`
}

// CreateJob creates a queued job for the named API against a target.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	targetID, err := pathUUID(r, "targetID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid target id")
		return
	}

	var req CreateJobRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	conn := tenant.ConnFromContext(r.Context())
	targets := target.NewStore(conn)
	apis := apidefinition.NewStore(conn)
	jobs := job.NewStore(conn)

	if _, err := targets.Get(r.Context(), targetID); err != nil {
		RespondError(w, http.StatusNotFound, "not_found", "target not found")
		return
	}

	def, err := apis.GetByName(r.Context(), req.APIName)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "unknown api_name")
		return
	}

	version, err := apis.ActiveVersion(r.Context(), def.ID)
	if err != nil {
		RespondError(w, http.StatusConflict, "no_active_version", "api has no active version")
		return
	}

	if err := validateParameters(version.Parameters, req.Parameters); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	params, err := json.Marshal(req.Parameters)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid parameters")
		return
	}

	j, err := jobs.Create(r.Context(), targetID, req.APIName, &version.ID, params)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "creating job failed")
		return
	}
	if err := jobs.Enqueue(r.Context(), j.ID); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "enqueuing job failed")
		return
	}
	j.Status = job.StatusQueued

	Respond(w, http.StatusCreated, toJobResponse(j))
}

// validateParameters checks that every required parameter is present.
// Type coercion is the provider's concern at prompt-build time; this is a
// presence check only.
func validateParameters(schema []apidefinition.Parameter, provided map[string]any) error {
	for _, p := range schema {
		if !p.Required {
			continue
		}
		if _, ok := provided[p.Name]; !ok {
			return errors.New("missing required parameter: " + p.Name)
		}
	}
	return nil
}

// GetJob returns a job with computed duration and token totals.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "jobID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	conn := tenant.ConnFromContext(r.Context())
	j, err := job.NewStore(conn).Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			RespondError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "internal", "fetching job failed")
		return
	}

	Respond(w, http.StatusOK, toJobResponse(j))
}

// Interrupt sets the cancel flag; the running loop observes it at the next
// safe boundary rather than being killed mid-call (§4.1, §7).
func (h *JobHandlers) Interrupt(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "jobID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	conn := tenant.ConnFromContext(r.Context())
	if err := job.NewStore(conn).RequestCancel(r.Context(), jobID); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			RespondError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "internal", "requesting cancel failed")
		return
	}

	Respond(w, http.StatusAccepted, map[string]string{"status": "interrupt requested"})
}

// Cancel transitions a pending or queued job straight to canceled.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "jobID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	conn := tenant.ConnFromContext(r.Context())
	if err := job.NewStore(conn).Cancel(r.Context(), jobID); err != nil {
		RespondError(w, http.StatusConflict, "invalid_state", "job is not cancelable from its current status")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": string(job.StatusCanceled)})
}

// Resume transitions a paused or errored job back to queued.
func (h *JobHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "jobID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	conn := tenant.ConnFromContext(r.Context())
	if err := job.NewStore(conn).Resume(r.Context(), jobID); err != nil {
		RespondError(w, http.StatusConflict, "invalid_state", "job is not resumable from its current status")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": string(job.StatusQueued)})
}

// ResolveJobRequest is the body of POST /targets/{id}/jobs/{job}/resolve.
type ResolveJobRequest struct {
	Result json.RawMessage `json:"result" validate:"required"`
}

// Resolve force-completes a job with an operator-supplied result,
// regardless of its current status (§7 operator escape hatch).
func (h *JobHandlers) Resolve(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "jobID")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	var req ResolveJobRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	conn := tenant.ConnFromContext(r.Context())
	if err := job.NewStore(conn).Resolve(r.Context(), jobID, req.Result); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			RespondError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "internal", "resolving job failed")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": string(job.StatusSuccess)})
}

// queueSnapshot is one target's queue state in the diagnostics response.
type queueSnapshot struct {
	TargetID uuid.UUID     `json:"target_id"`
	Running  []jobResponse `json:"running"`
	Queued   []jobResponse `json:"queued"`
	Blocked  []jobResponse `json:"blocked"`
}

// DiagnosticsQueue returns a snapshot of every target's queue and running
// jobs for the tenant (§6).
func (h *JobHandlers) DiagnosticsQueue(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	jobs, err := job.NewStore(conn).ListActive(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal", "listing active jobs failed")
		return
	}

	byTarget := make(map[uuid.UUID]*queueSnapshot)
	order := []uuid.UUID{}
	for _, j := range jobs {
		snap, ok := byTarget[j.TargetID]
		if !ok {
			snap = &queueSnapshot{TargetID: j.TargetID}
			byTarget[j.TargetID] = snap
			order = append(order, j.TargetID)
		}

		resp := toJobResponse(j)
		switch j.Status {
		case job.StatusRunning:
			snap.Running = append(snap.Running, resp)
		case job.StatusPaused, job.StatusError:
			snap.Blocked = append(snap.Blocked, resp)
		default:
			snap.Queued = append(snap.Queued, resp)
		}
	}

	out := make([]queueSnapshot, 0, len(order))
	for _, id := range order {
		out = append(out, *byTarget[id])
	}

	Respond(w, http.StatusOK, map[string]any{"targets": out})
}

// jobResponse is the JSON shape returned for a job, with computed
// duration and token metrics alongside the stored fields.
type jobResponse struct {
	ID                uuid.UUID  `json:"id"`
	TargetID          uuid.UUID  `json:"target_id"`
	SessionID         *uuid.UUID `json:"session_id,omitempty"`
	APIName           string     `json:"api_name"`
	Status            job.Status `json:"status"`
	Result            any        `json:"result,omitempty"`
	Error             *string    `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DurationSeconds   *float64   `json:"duration_seconds,omitempty"`
	TotalInputTokens  *int64     `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int64     `json:"total_output_tokens,omitempty"`
}

func toJobResponse(j job.Job) jobResponse {
	resp := jobResponse{
		ID:                j.ID,
		TargetID:          j.TargetID,
		SessionID:         j.SessionID,
		APIName:           j.APIName,
		Status:            j.Status,
		Error:             j.Error,
		CreatedAt:         j.CreatedAt,
		CompletedAt:       j.CompletedAt,
		TotalInputTokens:  j.TotalInputTokens,
		TotalOutputTokens: j.TotalOutputTokens,
	}

	if len(j.Result) > 0 {
		resp.Result = json.RawMessage(j.Result)
	}

	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	d := end.Sub(j.CreatedAt).Seconds()
	resp.DurationSeconds = &d

	return resp
}
