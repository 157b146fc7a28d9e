package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-rcm/kestrel/internal/domain"
)

// Service ingests claim files: grid reading, column mapping, row
// normalization, persistence and job creation. Structural problems
// (header, columns) surface synchronously before any claim is stored;
// per-row problems are recovered by defaulting and never abort the batch.
type Service struct {
	repo domain.Repository
}

// NewService creates an ingestion service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// Result reports a completed ingestion.
type Result struct {
	JobID string `json:"job_id"`
	Rows  int    `json:"rows"`
}

// IngestClaims parses a claims file and stores its canonical claims under a
// fresh job in pending state. The returned job id is the validation unit.
func (s *Service) IngestClaims(ctx context.Context, tenantID string, content []byte, filename string) (*Result, error) {
	grid, err := ReadGrid(content, filename)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	colmap, err := MapColumns(grid)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()

	records := colmap.Records(grid)
	claims := make([]*domain.Claim, 0, len(records))
	for _, rec := range records {
		claims = append(claims, NormalizeRow(tenantID, jobID, rec))
	}

	if err := s.repo.SaveClaims(ctx, tenantID, claims); err != nil {
		return nil, fmt.Errorf("save claims: %w", err)
	}

	job := &domain.Job{
		TenantID:  tenantID,
		JobID:     jobID,
		Status:    domain.JobPending,
		RowCount:  len(claims),
		StartedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateJob(ctx, tenantID, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("claims ingested",
		"tenant_id", tenantID,
		"job_id", jobID,
		"filename", filename,
		"rows", len(claims),
		"header_row", colmap.HeaderRow,
	)

	return &Result{JobID: jobID, Rows: len(claims)}, nil
}
