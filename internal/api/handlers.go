package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/stream"
)

// ============================================================================
// CREDENTIAL HANDLERS
// ============================================================================

func (s *Server) handleTokenStatus(c *gin.Context) {
	successResponse(c, s.creds.GetStatus())
}

type setTokenRequest struct {
	Token   string `json:"token" binding:"required"`
	Cookies string `json:"cookies"`
}

func (s *Server) handleTokenSet(c *gin.Context) {
	var req setTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.creds.Set(req.Token, req.Cookies); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, s.creds.GetStatus())
}

func (s *Server) handleTokenClear(c *gin.Context) {
	if err := s.creds.Clear(); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, s.creds.GetStatus())
}

// ============================================================================
// JOB HANDLERS
// ============================================================================

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.jobs.ListJobs()
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, jobs)
}

type createJobRequest struct {
	Tickers      []string `json:"tickers" binding:"required"`
	DateFrom     string   `json:"date_from" binding:"required"`
	DateUntil    string   `json:"date_until"`
	DelaySeconds *float64 `json:"delay_seconds"`
}

// defaultPageDelay spaces REST pages so the scrape stays polite.
const defaultPageDelay = 500 * time.Millisecond

func (s *Server) handleCreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "tickers and date_from are required")
		return
	}
	if req.DateUntil == "" {
		req.DateUntil = req.DateFrom
	}
	for _, d := range []string{req.DateFrom, req.DateUntil} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			errorResponse(c, http.StatusBadRequest, "dates must be YYYY-MM-DD")
			return
		}
	}
	if req.DateUntil < req.DateFrom {
		errorResponse(c, http.StatusBadRequest, "date_until is before date_from")
		return
	}

	delay := defaultPageDelay
	if req.DelaySeconds != nil {
		delay = time.Duration(*req.DelaySeconds * float64(time.Second))
	}

	tickers := make([]string, 0, len(req.Tickers))
	for _, t := range req.Tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			tickers = append(tickers, t)
		}
	}

	job, err := s.sched.CreateJob(tickers, req.DateFrom, req.DateUntil, delay)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	createdResponse(c, job)
}

func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	job, err := s.jobs.GetJob(id)
	if err != nil {
		s.jobError(c, err)
		return
	}
	tasks, err := s.jobs.Tasks(id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.jobs.TaskCounts(id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"job":         job,
		"tasks":       tasks,
		"task_counts": counts,
	})
}

func (s *Server) handlePauseJob(c *gin.Context) {
	s.jobAction(c, s.sched.Pause)
}

func (s *Server) handleResumeJob(c *gin.Context) {
	s.jobAction(c, s.sched.Resume)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	s.jobAction(c, s.sched.Cancel)
}

func (s *Server) jobAction(c *gin.Context, action func(string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		s.jobError(c, err)
		return
	}
	job, err := s.jobs.GetJob(id)
	if err != nil {
		s.jobError(c, err)
		return
	}
	successResponse(c, job)
}

func (s *Server) jobError(c *gin.Context, err error) {
	if errors.Is(err, jobstore.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "job not found")
		return
	}
	errorResponse(c, http.StatusConflict, err.Error())
}

// ============================================================================
// LOG HANDLERS
// ============================================================================

func (s *Server) handleLogs(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if jobID := c.Query("job_id"); jobID != "" {
		entries, err := s.jobs.RecentLogs(limit)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		filtered := entries[:0]
		for _, e := range entries {
			if e.JobID == jobID {
				filtered = append(filtered, e)
			}
		}
		successResponse(c, filtered)
		return
	}
	successResponse(c, s.ring.Recent(limit))
}

// ============================================================================
// STREAM HANDLERS
// ============================================================================

func (s *Server) handleListStreams(c *gin.Context) {
	stats := s.streams.List()
	sort.Slice(stats, func(i, j int) bool { return stats[i].SessionID < stats[j].SessionID })
	successResponse(c, stats)
}

type createStreamRequest struct {
	Tickers    []string `json:"tickers" binding:"required"`
	SessionID  string   `json:"session_id"`
	MaxRetries int      `json:"max_retries"`
}

func (s *Server) handleCreateStream(c *gin.Context) {
	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "tickers are required")
		return
	}
	tickers := make([]string, 0, len(req.Tickers))
	for _, t := range req.Tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			tickers = append(tickers, t)
		}
	}
	stats, err := s.streams.Start(req.SessionID, tickers, req.MaxRetries)
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	createdResponse(c, stats)
}

func (s *Server) handleGetStream(c *gin.Context) {
	stats, err := s.streams.Get(c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusNotFound, "stream not found")
		return
	}
	successResponse(c, stats)
}

func (s *Server) handleStopStream(c *gin.Context) {
	id := c.Param("id")
	if err := s.streams.Stop(id); err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "stream not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := s.streams.Get(id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, stats)
}

// ============================================================================
// FILE HANDLERS
// ============================================================================

func (s *Server) handleListFiles(c *gin.Context) {
	dataset := c.DefaultQuery("dataset", "running_trade")
	sink, ok := s.sinks[dataset]
	if !ok {
		errorResponse(c, http.StatusBadRequest, "unknown dataset")
		return
	}
	files, err := sink.List()
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"dataset": dataset,
		"files":   files,
	})
}

// handleDownloadFile streams one CSV. The path is relative to the data
// directory and must not escape it.
func (s *Server) handleDownloadFile(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		errorResponse(c, http.StatusBadRequest, "path is required")
		return
	}
	full, ok := s.resolveDataPath(rel)
	if !ok {
		errorResponse(c, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		errorResponse(c, http.StatusNotFound, "file not found")
		return
	}
	c.FileAttachment(full, filepath.Base(full))
}

// resolveDataPath joins rel onto the data dir and refuses anything that
// resolves outside it.
func (s *Server) resolveDataPath(rel string) (string, bool) {
	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) {
		return "", false
	}
	full := filepath.Join(s.dataDir, rel)
	inside, err := filepath.Rel(s.dataDir, full)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

// ============================================================================
// DAEMON HANDLERS
// ============================================================================

func (s *Server) requireDaemon(c *gin.Context) bool {
	if s.daemon == nil {
		errorResponse(c, http.StatusServiceUnavailable, "market-hours daemon is disabled")
		return false
	}
	return true
}

func (s *Server) handleDaemonStatus(c *gin.Context) {
	if !s.requireDaemon(c) {
		return
	}
	successResponse(c, s.daemon.GetStatus())
}

func (s *Server) handleDaemonPause(c *gin.Context) {
	if !s.requireDaemon(c) {
		return
	}
	s.daemon.Pause()
	successResponse(c, s.daemon.GetStatus())
}

func (s *Server) handleDaemonResume(c *gin.Context) {
	if !s.requireDaemon(c) {
		return
	}
	s.daemon.Resume()
	successResponse(c, s.daemon.GetStatus())
}

type watchlistRequest struct {
	Tickers []string `json:"tickers"`
}

func (s *Server) handleDaemonWatchlist(c *gin.Context) {
	if !s.requireDaemon(c) {
		return
	}
	var req watchlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "body must be {\"tickers\": [...]}")
		return
	}
	if err := s.daemon.SetTickers(req.Tickers); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, s.daemon.GetStatus())
}
