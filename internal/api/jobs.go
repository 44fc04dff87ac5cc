package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
	"github.com/JakeFAU/rulecrawler/internal/report"
	"github.com/JakeFAU/rulecrawler/internal/rules"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 100
	maxLimit     = 1000
)

type createJobRequest struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	TargetURLs      []string        `json:"target_urls"`
	ExtractionRules crawler.RuleSet `json:"extraction_rules"`
	RespectRobots   *bool           `json:"respect_robots"`
	Execute         *bool           `json:"execute"`
}

type updateJobRequest struct {
	Name            *string         `json:"name"`
	Description     *string         `json:"description"`
	TargetURLs      []string        `json:"target_urls"`
	ExtractionRules crawler.RuleSet `json:"extraction_rules"`
	RespectRobots   *bool           `json:"respect_robots"`
}

type reportRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	JobIDs      []string `json:"crawl_job_ids"`
}

type validationResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems"`
}

type statusResponse struct {
	JobID       string            `json:"job_id"`
	Status      crawler.JobStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, &req) {
		return
	}

	job := crawler.Job{
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		URLs:          trimAll(req.TargetURLs),
		Rules:         req.ExtractionRules,
		RespectRobots: req.RespectRobots,
		Status:        crawler.JobStatusPending,
	}
	var problems []string
	if job.Name == "" {
		problems = append(problems, "name is required")
	}
	problems = append(problems, validationProblems(rules.ValidateJob(job))...)
	if len(problems) > 0 {
		s.writeJSON(w, http.StatusBadRequest, validationResponse{Error: rules.ErrInvalid.Error(), Problems: problems})
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate job id failed")
		return
	}
	now := s.clock.Now()
	job.ID = jobID
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := s.jobStore.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	if req.Execute != nil && !*req.Execute {
		s.writeJSON(w, http.StatusCreated, map[string]any{"job": job})
		return
	}
	if !s.submit(w, r, jobID) {
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := s.pagination(w, r)
	if !ok {
		return
	}
	jobs, err := s.jobStore.ListJobs(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "offset": offset, "limit": limit})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req updateJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status == crawler.JobStatusRunning {
		s.writeError(w, http.StatusConflict, crawler.ErrJobRunning.Error())
		return
	}

	if req.Name != nil {
		job.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		job.Description = *req.Description
	}
	if req.TargetURLs != nil {
		job.URLs = trimAll(req.TargetURLs)
	}
	if req.ExtractionRules != nil {
		job.Rules = req.ExtractionRules
	}
	if req.RespectRobots != nil {
		job.RespectRobots = req.RespectRobots
	}

	var problems []string
	if job.Name == "" {
		problems = append(problems, "name is required")
	}
	problems = append(problems, validationProblems(rules.ValidateJob(job))...)
	if len(problems) > 0 {
		s.writeJSON(w, http.StatusBadRequest, validationResponse{Error: rules.ErrInvalid.Error(), Problems: problems})
		return
	}

	if err := s.jobStore.UpdateJob(r.Context(), job); err != nil {
		s.storeError(w, job.ID, "update job", err)
		return
	}
	updated, err := s.jobStore.LoadJob(r.Context(), job.ID)
	if err != nil {
		s.storeError(w, job.ID, "load job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": updated})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status == crawler.JobStatusRunning {
		s.writeError(w, http.StatusConflict, crawler.ErrJobRunning.Error())
		return
	}
	if err := s.jobStore.DeleteJob(r.Context(), job.ID); err != nil {
		s.storeError(w, job.ID, "delete job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "crawl job deleted"})
}

func (s *Server) executeJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status == crawler.JobStatusRunning {
		s.writeError(w, http.StatusConflict, crawler.ErrJobRunning.Error())
		return
	}
	if !s.submit(w, r, job.ID) {
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "queued"})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Error:       job.ErrorText,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	})
}

func (s *Server) getJobData(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	results, err := s.jobStore.ListResults(r.Context(), job.ID)
	if err != nil {
		s.storeError(w, job.ID, "list results", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"results": results,
	})
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !s.decode(w, r, &req) {
		return
	}
	var problems []string
	if strings.TrimSpace(req.Title) == "" {
		problems = append(problems, "title is required")
	}
	if len(req.JobIDs) == 0 {
		problems = append(problems, "crawl_job_ids must contain at least one job")
	}
	if len(problems) > 0 {
		s.writeJSON(w, http.StatusBadRequest, validationResponse{Error: rules.ErrInvalid.Error(), Problems: problems})
		return
	}

	resultsByJob := make(map[string][]crawler.PageResult, len(req.JobIDs))
	for _, jobID := range req.JobIDs {
		if _, seen := resultsByJob[jobID]; seen {
			continue
		}
		results, err := s.jobStore.ListResults(r.Context(), jobID)
		if err != nil {
			s.storeError(w, jobID, "list results", err)
			return
		}
		resultsByJob[jobID] = results
	}

	reportID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate report id failed")
		return
	}
	stored := crawler.Report{
		ID:          reportID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		JobIDs:      req.JobIDs,
		Data:        report.Summarize(req.JobIDs, resultsByJob),
		CreatedAt:   s.clock.Now(),
	}
	if err := s.jobStore.CreateReport(r.Context(), stored); err != nil {
		s.logger.Error("create report failed", zap.String("report_id", reportID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "create report failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"report": stored})
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := s.pagination(w, r)
	if !ok {
		return
	}
	reports, err := s.jobStore.ListReports(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list reports failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "list reports failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "offset": offset, "limit": limit})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "report_id")
	stored, err := s.jobStore.LoadReport(r.Context(), reportID)
	if errors.Is(err, crawler.ErrReportNotFound) {
		s.writeError(w, http.StatusNotFound, crawler.ErrReportNotFound.Error())
		return
	}
	if err != nil {
		s.logger.Error("load report failed", zap.String("report_id", reportID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "load report failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"report": stored})
}

func (s *Server) pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return 0, 0, false
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil || limit < 1 || limit > maxLimit {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLimit))
		return 0, 0, false
	}
	return offset, limit, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (crawler.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.LoadJob(r.Context(), jobID)
	if err != nil {
		s.storeError(w, jobID, "load job", err)
		return crawler.Job{}, false
	}
	return job, true
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, jobID string) bool {
	err := s.submitter.Submit(r.Context(), jobID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, crawler.ErrQueueFull), errors.Is(err, crawler.ErrQueueClosed):
		s.logger.Warn("job not queued", zap.String("job_id", jobID), zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error(), "job_id": jobID})
	default:
		s.logger.Error("enqueue job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "enqueue job failed")
	}
	return false
}

func (s *Server) storeError(w http.ResponseWriter, jobID, op string, err error) {
	if errors.Is(err, crawler.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error(op+" failed", zap.String("job_id", jobID), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}

func validationProblems(err error) []string {
	var verr *rules.ValidationError
	if errors.As(err, &verr) {
		return verr.Problems
	}
	if err != nil {
		return []string{err.Error()}
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func trimAll(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.TrimSpace(v)
	}
	return out
}
