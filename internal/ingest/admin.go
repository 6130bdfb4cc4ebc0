package ingest

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	taskdomain "gridq/internal/domain/task"
)

// requireAdminToken guards the admin surface with a bearer token compared in
// constant time.
func (s *Server) requireAdminToken(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}
	c.Next()
}

// handleListTasks returns tasks newest-first, narrowed by query filters.
func (s *Server) handleListTasks(c *gin.Context) {
	filter := taskdomain.Filter{
		TaskType: c.Query("task_type"),
		RunID:    c.Query("run_id"),
		Limit:    50,
	}
	if raw := c.Query("status"); raw != "" {
		status, err := taskdomain.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
			return
		}
		filter.Status = status
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "limit must be 1..1000"})
			return
		}
		filter.Limit = limit
	}

	tasks, err := s.store.List(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("list tasks: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "store error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, taskdomain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "task not found"})
			return
		}
		s.logger.Error("get task: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "store error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})
}

// handleCancelTask cancels through the protocol op. A terminal row yields a
// 409 so callers can distinguish "already finished" from "gone".
func (s *Server) handleCancelTask(c *gin.Context) {
	task, err := s.store.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, taskdomain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "task not found"})
		case errors.Is(err, taskdomain.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
		default:
			s.logger.Error("cancel task: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "store error"})
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(c.Request.Context(), task.TaskType, taskdomain.StatusCanceled)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": task})
}

func (s *Server) handleStats(c *gin.Context) {
	counts, err := s.store.CountByStatus(c.Request.Context())
	if err != nil {
		s.logger.Error("task stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "store error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "counts": counts, "at": time.Now().UTC()})
}
