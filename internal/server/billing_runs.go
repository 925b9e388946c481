package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/runner"
	obslogger "github.com/smallbiznis/daycare/internal/observability/logger"
	obstracing "github.com/smallbiznis/daycare/internal/observability/tracing"
	"go.uber.org/zap"
)

const warningCompletedWithProblems = "completed_with_problems"

type triggerRunRequest struct {
	DryRun *bool `json:"dry_run"`
	Async  bool  `json:"async"`
}

type runResponse struct {
	runner.Summary
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

type asyncRunResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// TriggerBillingRun starts a billing batch on demand. The request waits for
// the run unless async is set.
func (s *Server) TriggerBillingRun(c *gin.Context) {
	var req triggerRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	dryRun := s.cfg.Run.DefaultDryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	opts := runner.Options{
		DryRun:  dryRun,
		Trigger: domain.TriggerManualHTTP,
	}

	if req.Async {
		s.triggerAsync(c, opts)
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	summary, err := s.runner.Run(ctx, opts)
	if errors.Is(err, runner.ErrRunInProgress) {
		AbortWithError(c, err)
		return
	}
	if summary.RunID != "" {
		c.Set(obstracing.RunIDKey, summary.RunID)
	}

	resp := runResponse{Summary: summary}
	switch {
	case err != nil && summary.RunID == "":
		AbortWithError(c, err)
	case err != nil:
		_ = c.Error(err)
		resp.Error = runner.ErrRunFailed.Error()
		c.JSON(http.StatusInternalServerError, resp)
	case summary.HasProblems():
		resp.Warning = warningCompletedWithProblems
		c.JSON(http.StatusOK, resp)
	default:
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) triggerAsync(c *gin.Context, opts runner.Options) {
	if !opts.DryRun && s.tracker.Running() {
		AbortWithError(c, runner.ErrRunInProgress)
		return
	}

	opts.RunID = s.runner.NewRunID()
	runID := opts.RunID.String()
	c.Set(obstracing.RunIDKey, runID)
	s.tracker.Start(runID, opts.DryRun, s.clock.Now())

	ctx := context.WithoutCancel(c.Request.Context())
	log := obslogger.WithContext(ctx, s.log)
	go func() {
		summary, err := s.runner.Run(ctx, opts)
		s.tracker.Finish(runID, summary, err)
		if err != nil {
			log.Warn("billing.run.async_failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, asyncRunResponse{
		RunID:     runID,
		Status:    "running",
		StatusURL: "/internal/billing/runs/" + runID,
	})
}

// GetBillingRun reports an async run that is still tracked, or the stored run record.
func (s *Server) GetBillingRun(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	runID, err := snowflake.ParseString(id)
	if err != nil || runID <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	c.Set(obstracing.RunIDKey, runID.String())

	if entry, ok := s.tracker.Get(runID.String()); ok {
		c.JSON(http.StatusOK, entry)
		return
	}

	run, err := s.runs.GetRun(c.Request.Context(), runID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
