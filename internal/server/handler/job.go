package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/pipeline"
)

// ProvisionService defines what the job handler requires from the pipeline.
// It is declared locally so the handler package does not depend on the
// concrete provisioner beyond its request type.
type ProvisionService interface {
	Start(ctx context.Context, req pipeline.ProvisionRequest) (domain.ProvisioningJob, error)
}

// JobHandler serves provisioning-job endpoints: launching a new market and
// inspecting job progress.
type JobHandler struct {
	provisioner ProvisionService
	jobs        domain.JobStore
	logger      *slog.Logger
}

// NewJobHandler creates a JobHandler with the given provisioner and job store.
func NewJobHandler(provisioner ProvisionService, jobs domain.JobStore, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		provisioner: provisioner,
		jobs:        jobs,
		logger:      logger,
	}
}

// provisionRequest is the JSON body for launching a new market.
type provisionRequest struct {
	AssetName   string `json:"asset_name"`
	AssetSymbol string `json:"asset_symbol"`
}

// Provision starts a new market provisioning job and returns it immediately.
// The pipeline runs in the background; progress is observable via
// GET /api/jobs/{id} and the per-job WebSocket channel.
// POST /api/markets
func (h *JobHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var body provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := pipeline.ProvisionRequest{
		AssetName:   body.AssetName,
		AssetSymbol: body.AssetSymbol,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.provisioner.Start(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: provision failed",
			slog.String("asset", body.AssetName),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to start provisioning")
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// listJobsResponse wraps the list endpoint output with pagination metadata.
type listJobsResponse struct {
	Jobs   []domain.ProvisioningJob `json:"jobs"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// ListJobs returns provisioning jobs, newest first.
// GET /api/jobs?limit=50&offset=0
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	jobs, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list jobs failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetJob returns a single provisioning job with its full step breakdown.
// GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get job failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}
