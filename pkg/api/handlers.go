package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/harrisonrobin/flowfocus/pkg/model"
	"github.com/harrisonrobin/flowfocus/pkg/store"
)

const maxBodySize = 64 << 10 // 64KB

type createTaskRequest struct {
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	DurationMinutes *int            `json:"duration_minutes"`
	Priority        *model.Priority `json:"priority"`
}

type workHoursRequest struct {
	StartHour *int `json:"work_start_hour"`
	EndHour   *int `json:"work_end_hour"`
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var syncErr *model.SyncError
	switch {
	case errors.Is(err, model.ErrInvalidTask), errors.Is(err, model.ErrInvalidWorkWindow):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrTaskNotFound), errors.Is(err, model.ErrNoData):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrAuthExpired):
		status = http.StatusUnauthorized
	case errors.As(err, &syncErr), errors.Is(err, model.ErrProviderUnavailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
}

// Tasks

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.tasks.ListTasks(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	limitBody(c)
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	duration := model.DefaultDurationMinutes
	if req.DurationMinutes != nil {
		duration = *req.DurationMinutes
	}
	priority := model.Medium
	if req.Priority != nil {
		priority = *req.Priority
	}

	task, err := model.NewTask(req.Title, req.Description, priority, duration)
	if err != nil {
		writeError(c, err)
		return
	}
	user := userID(c)
	task, err = s.tasks.CreateTask(c.Request.Context(), user, task)
	if err != nil {
		writeError(c, err)
		return
	}
	s.engine.InvalidateTasks(user)
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.tasks.GetTask(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	limitBody(c)
	var patch store.TaskPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	user := userID(c)
	task, err := s.tasks.UpdateTask(c.Request.Context(), user, c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	s.engine.InvalidateTasks(user)
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	user := userID(c)
	if err := s.tasks.DeleteTask(c.Request.Context(), user, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	s.engine.InvalidateTasks(user)
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted successfully"})
}

func (s *Server) handleNextTask(c *gin.Context) {
	task, err := s.engine.NextTask(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "No incomplete tasks"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// Calendar

func (s *Server) handleToday(c *gin.Context) {
	plan, err := s.engine.TodayPlan(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) handleSync(c *gin.Context) {
	plan, err := s.engine.SyncToday(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State(userID(c)).String()})
}

// Settings

func (s *Server) handleGetWorkHours(c *gin.Context) {
	w, err := s.settings.WorkWindow(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleUpdateWorkHours(c *gin.Context) {
	limitBody(c)
	var req workHoursRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.StartHour == nil || req.EndHour == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Both work_start_hour and work_end_hour are required"})
		return
	}

	w, err := model.NewWorkWindow(*req.StartHour, *req.EndHour)
	if err != nil {
		writeError(c, err)
		return
	}
	user := userID(c)
	if err := s.settings.SetWorkWindow(c.Request.Context(), user, w); err != nil {
		writeError(c, err)
		return
	}
	s.engine.InvalidateSettings(user)
	c.JSON(http.StatusOK, w)
}
