package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/monitor"
	"github.com/caevv/cronwatch/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	detailRuns   = 20
)

// parseLimit reads ?limit=, defaulting to 50 and capping at 1000.
func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func (s *Server) bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.abort(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListJobs(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	jobs, err := s.registry.List(c.Request.Context(), activeOnly)
	if err != nil {
		s.fail(c, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleRegisterJob(c *gin.Context) {
	var req RegisterRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	actor := actorFrom(c)

	job, err := s.registry.RegisterWithMaintainers(ctx, actor, req.JobSpec, req.Maintainers)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) handleGetJob(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	job, err := s.registry.Get(ctx, name)
	if err != nil {
		s.fail(c, err)
		return
	}
	maintainers, err := s.registry.ListMaintainers(ctx, name)
	if err != nil {
		s.fail(c, err)
		return
	}
	runs, err := s.store.RecentRunsForJob(ctx, name, detailRuns)
	if err != nil {
		s.fail(c, err)
		return
	}

	jh, err := s.monitor.JobHealth(ctx, name)
	if err != nil {
		s.fail(c, err)
		return
	}
	detail := JobDetail{Job: job, State: jh.State, Anomalies: jh.Anomalies, Maintainers: maintainers, RecentRuns: runs}
	if detail.Maintainers == nil {
		detail.Maintainers = []*store.Maintainer{}
	}
	if detail.RecentRuns == nil {
		detail.RecentRuns = []*store.Run{}
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleUpdateJob(c *gin.Context) {
	var patch store.JobPatch
	if !s.bindJSON(c, &patch) {
		return
	}
	job, err := s.registry.Update(c.Request.Context(), actorFrom(c), c.Param("name"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeactivateJob(c *gin.Context) {
	job, err := s.registry.Deactivate(c.Request.Context(), actorFrom(c), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	if err := s.registry.Delete(c.Request.Context(), actorFrom(c), c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReportRun(c *gin.Context) {
	var req ReportRequest
	if !s.bindJSON(c, &req) {
		return
	}
	run, err := s.monitor.ReportRun(c.Request.Context(), monitor.Report{
		JobName:         c.Param("name"),
		Status:          req.Status,
		Message:         req.Message,
		DurationSeconds: req.DurationSeconds,
		TriggeredBy:     req.TriggeredBy,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleJobRuns(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	if _, err := s.registry.Get(ctx, name); err != nil {
		s.fail(c, err)
		return
	}
	runs, err := s.store.RecentRunsForJob(ctx, name, parseLimit(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeRuns(c, runs)
}

func (s *Server) handleRecentRuns(c *gin.Context) {
	runs, err := s.store.RecentRuns(c.Request.Context(), parseLimit(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeRuns(c, runs)
}

func (s *Server) handleLatestRuns(c *gin.Context) {
	runs, err := s.store.LatestRunPerJob(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	writeRuns(c, runs)
}

func writeRuns(c *gin.Context, runs []*store.Run) {
	if runs == nil {
		runs = []*store.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleListMaintainers(c *gin.Context) {
	maintainers, err := s.registry.ListMaintainers(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if maintainers == nil {
		maintainers = []*store.Maintainer{}
	}
	c.JSON(http.StatusOK, maintainers)
}

func (s *Server) handleAddMaintainer(c *gin.Context) {
	var req UserRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.registry.AddMaintainer(c.Request.Context(), actorFrom(c), c.Param("name"), req.UserID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_name": c.Param("name"), "user_id": req.UserID})
}

func (s *Server) handleRemoveMaintainer(c *gin.Context) {
	if err := s.registry.RemoveMaintainer(c.Request.Context(), actorFrom(c), c.Param("name"), c.Param("user")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListAdmins(c *gin.Context) {
	admins, err := s.registry.ListAdmins(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if admins == nil {
		admins = []*store.Admin{}
	}
	c.JSON(http.StatusOK, admins)
}

func (s *Server) handleAddAdmin(c *gin.Context) {
	var req UserRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.registry.AddAdmin(c.Request.Context(), actorFrom(c), req.UserID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": req.UserID})
}

func (s *Server) handleRemoveAdmin(c *gin.Context) {
	if err := s.registry.RemoveAdmin(c.Request.Context(), actorFrom(c), c.Param("user")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAnomalies(c *gin.Context) {
	anomalies, err := s.monitor.Anomalies(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if anomalies == nil {
		anomalies = []health.Anomaly{}
	}
	c.JSON(http.StatusOK, AnomaliesResponse{
		Anomalies:   anomalies,
		Count:       len(anomalies),
		EvaluatedAt: s.now(),
	})
}

func (s *Server) handleDigest(c *gin.Context) {
	d, err := s.monitor.Digest(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleActivity(c *gin.Context) {
	entries, err := s.registry.Activity(c.Request.Context(), store.ActivityFilter{
		JobName: c.Query("job"),
		Actor:   c.Query("actor"),
		Limit:   parseLimit(c),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*store.ActivityEntry{}
	}
	c.JSON(http.StatusOK, entries)
}
