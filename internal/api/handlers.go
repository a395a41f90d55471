package api

import (
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudbackup/cloudbackup/internal/errors"
	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/cloudbackup/cloudbackup/internal/store"
)

// ScheduleRequest edits a profile's schedule.
type ScheduleRequest struct {
	Enabled   bool             `json:"enabled"`
	Frequency models.Frequency `json:"frequency"`
	Time      string           `json:"time"`
	// Silent suppresses operator notifications on failure.
	Silent bool `json:"silent,omitempty"`
}

// RunRequest starts a backup. Confirmed refers to the last preview the
// server took for the profile; without one a fresh preview is taken.
type RunRequest struct {
	Confirmed bool `json:"confirmed"`
}

// RestoreRequest copies remote paths into a local directory.
type RestoreRequest struct {
	RemotePaths []string `json:"remote_paths" binding:"required,min=1"`
	LocalTarget string   `json:"local_target" binding:"required"`
}

func (s *Server) handleListProfiles(c *gin.Context) {
	profiles, err := s.profiles.List()
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]*models.Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.Redacted())
	}

	activeID := ""
	if active, err := s.profiles.Active(); err == nil {
		activeID = active.ID
	}
	c.JSON(http.StatusOK, gin.H{
		"profiles":          out,
		"active_profile_id": activeID,
	})
}

func (s *Server) handleGetProfile(c *gin.Context) {
	p, ok := s.profile(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p.Redacted())
}

func (s *Server) handleActivateProfile(c *gin.Context) {
	id := c.Param("id")
	if err := s.profiles.SelectActive(id); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.InfoWithContext(c.Request.Context(), "active profile changed", "profile_id", id)
	c.JSON(http.StatusOK, gin.H{"active_profile_id": id})
}

func (s *Server) handleGetSchedule(c *gin.Context) {
	sched, err := s.schedules.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) handlePutSchedule(c *gin.Context) {
	var req ScheduleRequest
	if !s.bind(c, &req) {
		return
	}
	sched, err := s.schedules.Save(c.Request.Context(), &models.Schedule{
		ProfileID: c.Param("id"),
		Enabled:   req.Enabled,
		Frequency: req.Frequency,
		Time:      req.Time,
	}, req.Silent)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) handleDisableSchedule(c *gin.Context) {
	sched, err := s.schedules.SetEnabled(c.Request.Context(), c.Param("id"), false, false)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) handlePreview(c *gin.Context) {
	p, ok := s.profile(c)
	if !ok {
		return
	}
	cs, err := s.gate.Preview(c.Request.Context(), p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

func (s *Server) handleRun(c *gin.Context) {
	var req RunRequest
	if !s.bindOptional(c, &req) {
		return
	}
	p, ok := s.profile(c)
	if !ok {
		return
	}
	op, err := s.gate.ConfirmAndRun(c.Request.Context(), p, req.Confirmed)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if op.Status == models.StatusFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, op)
}

func (s *Server) handleRestore(c *gin.Context) {
	var req RestoreRequest
	if !s.bind(c, &req) {
		return
	}
	p, ok := s.profile(c)
	if !ok {
		return
	}
	op, err := s.gate.Restore(c.Request.Context(), p, req.RemotePaths, req.LocalTarget)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (s *Server) handleListFiles(c *gin.Context) {
	depth, err := queryInt(c, "depth", 1)
	if err != nil {
		s.writeError(c, err)
		return
	}
	p, ok := s.profile(c)
	if !ok {
		return
	}
	if s.files == nil {
		s.writeError(c, &errors.ErrInvalidState{State: "no file lister", Operation: "list files"})
		return
	}
	files, err := s.files.List(c.Request.Context(), p, c.Query("path"), depth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile_id": p.ID,
		"path":       c.Query("path"),
		"files":      files,
	})
}

func (s *Server) handleListOperations(c *gin.Context) {
	limit, err := queryInt(c, "limit", store.DefaultHistoryLimit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	p, ok := s.profile(c)
	if !ok {
		return
	}
	ops, err := s.gate.History(p.ID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if ops == nil {
		ops = []*models.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) handleClearOperations(c *gin.Context) {
	p, ok := s.profile(c)
	if !ok {
		return
	}
	if err := s.gate.ClearHistory(p.ID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) profile(c *gin.Context) (*models.Profile, bool) {
	p, err := s.profiles.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return p, true
}

func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.writeBindError(c, err)
		return false
	}
	return true
}

// bindOptional accepts an empty body.
func (s *Server) bindOptional(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !stderrors.Is(err, io.EOF) {
		s.writeBindError(c, err)
		return false
	}
	return true
}

func (s *Server) writeBindError(c *gin.Context, err error) {
	if isBodyTooLarge(err) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "request_too_large",
			Message: "Request body exceeds maximum allowed size.",
			Code:    http.StatusRequestEntityTooLarge,
		})
		return
	}
	s.writeError(c, &errors.ErrValidation{Field: "body", Reason: err.Error()})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &errors.ErrValidation{Field: key, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		validation   *errors.ErrValidation
		invalidState *errors.ErrInvalidState
		busy         *errors.ErrBusy
		confirm      *errors.ErrConfirmationRequired
		syncFailed   *errors.ErrScheduleSyncFailed
		toolFailed   *errors.ErrToolExecutionFailed
		exchange     *errors.ErrCredentialExchangeFailed
		orphaned     *errors.ErrCredentialOrphaned
	)

	resp := ErrorResponse{Error: "internal_error", Message: err.Error(), Code: http.StatusInternalServerError}
	switch {
	case errors.IsNotFound(err):
		resp.Error, resp.Code = "not_found", http.StatusNotFound
	case stderrors.As(err, &validation):
		resp.Error, resp.Code = "invalid_request", http.StatusBadRequest
		resp.Details = map[string]any{"field": validation.Field}
	case stderrors.As(err, &confirm):
		resp.Error, resp.Code = "confirmation_required", http.StatusConflict
		resp.Details = map[string]any{"profile_id": confirm.ProfileID, "deletes": confirm.Deletes}
	case stderrors.As(err, &busy):
		resp.Error, resp.Code = "busy", http.StatusConflict
	case stderrors.As(err, &invalidState):
		resp.Error, resp.Code = "invalid_state", http.StatusConflict
	case stderrors.Is(err, errors.ErrUnattendedUnavailable):
		resp.Error, resp.Code = "unattended_unavailable", http.StatusServiceUnavailable
	case stderrors.As(err, &orphaned):
		resp.Error, resp.Code = "credential_orphaned", http.StatusConflict
	case stderrors.As(err, &syncFailed):
		resp.Error, resp.Code = "schedule_sync_failed", http.StatusBadGateway
	case stderrors.As(err, &toolFailed):
		resp.Error, resp.Code = "tool_failed", http.StatusBadGateway
	case stderrors.As(err, &exchange):
		resp.Error, resp.Code = "credential_exchange_failed", http.StatusBadGateway
	}

	if resp.Code >= http.StatusInternalServerError {
		s.logger.ErrorWithContext(c.Request.Context(), "request failed",
			"path", c.FullPath(),
			"status", resp.Code,
			"error", err,
		)
	}
	c.AbortWithStatusJSON(resp.Code, resp)
}
