package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-rcm/kestrel/internal/domain"
	"github.com/opensource-rcm/kestrel/internal/ingest"
	"github.com/opensource-rcm/kestrel/internal/repository"
	"github.com/opensource-rcm/kestrel/internal/rules"
	"github.com/opensource-rcm/kestrel/internal/validate"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	ingester     *ingest.Service
	orchestrator *validate.Orchestrator
	maxUpload    int64
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, ingester *ingest.Service, orchestrator *validate.Orchestrator, maxUpload int64, version string) *Handler {
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	return &Handler{
		repo:         repo,
		cache:        cache,
		bus:          bus,
		ingester:     ingester,
		orchestrator: orchestrator,
		maxUpload:    maxUpload,
		version:      version,
	}
}

// UploadClaims handles POST /claims/upload. The multipart "file" field
// carries an xlsx or csv claims export; a fresh job in pending state is
// created for the batch.
func (h *Handler) UploadClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	content, filename, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	result, err := h.ingester.IngestClaims(ctx, tenantID, content, filename)
	if err != nil {
		var headerErr *ingest.HeaderNotFoundError
		var colsErr *ingest.MissingColumnsError
		switch {
		case errors.As(err, &headerErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": headerErr.Error(),
			})
		case errors.As(err, &colsErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":           "required columns not found",
				"missing_columns": colsErr.Labels,
			})
		default:
			slog.Error("claim upload failed",
				"tenant_id", tenantID,
				"filename", filename,
				"error", err,
			)
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "could not parse claims file",
			})
		}
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// RuleUploadResponse is the response for POST /rules/upload.
type RuleUploadResponse struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Rules int    `json:"rules"`
}

// UploadRules handles POST /rules/upload. The multipart form carries the
// payload file plus "type" (technical or medical) and an optional "name";
// uploading the same name again replaces the stored set.
func (h *Handler) UploadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	content, filename, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	kind := domain.RuleKind(r.FormValue("type"))
	if kind != domain.RuleKindTechnical && kind != domain.RuleKindMedical {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type must be technical or medical",
		})
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = strings.TrimSuffix(filename, ".json")
	}
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule set name is required",
		})
		return
	}

	payload, err := rules.ParsePayload(content)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": fmt.Sprintf("invalid rule payload: %v", err),
		})
		return
	}

	set := &domain.RuleSet{
		TenantID:  tenantID,
		Name:      name,
		Kind:      kind,
		RulesJSON: string(content),
	}
	if err := h.repo.SaveRuleSet(ctx, tenantID, set); err != nil {
		slog.Error("failed to save rule set",
			"tenant_id", tenantID,
			"name", name,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule set",
		})
		return
	}

	// The next run must see the new payload.
	if h.orchestrator != nil {
		h.orchestrator.InvalidateRuleCache(ctx, tenantID)
	}

	slog.Info("rule set uploaded",
		"tenant_id", tenantID,
		"name", name,
		"kind", kind,
		"rules", len(payload.Rules),
	)

	writeJSON(w, http.StatusCreated, RuleUploadResponse{
		Name:  name,
		Kind:  string(kind),
		Rules: len(payload.Rules),
	})
}

// RunJob handles POST /jobs/{jobID}/run. The trigger is fire-and-forget:
// the response only acknowledges that the run was queued.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	jobID := chi.URLParam(r, "jobID")

	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "job id is required",
		})
		return
	}

	payload, _ := json.Marshal(domain.JobRunMessage{
		TenantID: tenantID,
		JobID:    jobID,
		TraceID:  GetTraceID(ctx),
	})

	if err := h.bus.Publish(ctx, tenantID, domain.TopicJobRun, payload); err != nil {
		slog.Error("failed to publish job run trigger",
			"job_id", jobID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to trigger job run",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "triggered",
	})
}

// GetJob handles GET /jobs/{jobID}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	jobID := chi.URLParam(r, "jobID")

	job, err := h.repo.GetJob(ctx, tenantID, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "job not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get job", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get job",
		})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// VerdictListResponse pages verdicts for one job.
type VerdictListResponse struct {
	JobID    string            `json:"job_id"`
	Total    int               `json:"total"`
	Verdicts []*domain.Verdict `json:"verdicts"`
}

// ListVerdicts handles GET /jobs/{jobID}/verdicts with optional status,
// error_type, limit and offset query parameters.
func (h *Handler) ListVerdicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	jobID := chi.URLParam(r, "jobID")

	f := domain.VerdictFilter{
		Status:    r.URL.Query().Get("status"),
		ErrorType: r.URL.Query().Get("error_type"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}

	verdicts, total, err := h.repo.ListVerdicts(ctx, tenantID, jobID, f)
	if err != nil {
		slog.Error("failed to list verdicts", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list verdicts",
		})
		return
	}
	if verdicts == nil {
		verdicts = []*domain.Verdict{}
	}

	writeJSON(w, http.StatusOK, VerdictListResponse{
		JobID:    jobID,
		Total:    total,
		Verdicts: verdicts,
	})
}

// GetVerdict handles GET /jobs/{jobID}/verdicts/{claimID}.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	jobID := chi.URLParam(r, "jobID")
	claimID := chi.URLParam(r, "claimID")

	v, err := h.repo.GetVerdict(ctx, tenantID, jobID, claimID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "verdict not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get verdict", "job_id", jobID, "claim_id", claimID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get verdict",
		})
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// GetJobMetrics handles GET /jobs/{jobID}/metrics.
func (h *Handler) GetJobMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	jobID := chi.URLParam(r, "jobID")

	m, err := h.repo.GetJobMetrics(ctx, tenantID, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "metrics not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get job metrics", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get job metrics",
		})
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// exportColumns is the fixed column order of the verdict export.
var exportColumns = []string{
	"claim_id",
	"encounter_type",
	"service_code",
	"facility_id",
	"paid_amount_aed",
	"diagnosis_codes",
	"error_type",
	"status",
	"explanation",
	"recommended_action",
}

// ExportVerdicts handles GET /jobs/{jobID}/export and streams the job's
// verdicts as CSV in the fixed column order.
func (h *Handler) ExportVerdicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	jobID := chi.URLParam(r, "jobID")

	verdicts, _, err := h.repo.ListVerdicts(ctx, tenantID, jobID, domain.VerdictFilter{})
	if err != nil {
		slog.Error("failed to export verdicts", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to export verdicts",
		})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="verdicts-%s.csv"`, jobID))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(exportColumns)
	for _, v := range verdicts {
		_ = cw.Write([]string{
			v.ClaimID,
			v.EncounterType,
			v.ServiceCode,
			v.FacilityID,
			strconv.FormatFloat(v.PaidAmount, 'f', -1, 64),
			v.DiagnosisCodes,
			string(v.ErrorType),
			v.Status,
			v.Explanation,
			v.Recommendation,
		})
	}
	cw.Flush()
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// readUpload pulls the multipart "file" field, bounded by the configured
// upload limit. It writes the error response itself on failure.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (content []byte, filename string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "multipart form with a file field is required",
		})
		return nil, "", false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "file field is required",
		})
		return nil, "", false
	}
	defer file.Close()

	content, err = io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read upload",
		})
		return nil, "", false
	}

	return content, header.Filename, true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
