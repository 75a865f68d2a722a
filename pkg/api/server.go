// Package api exposes the day planner and task CRUD over HTTP/JSON.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harrisonrobin/flowfocus/pkg/model"
	"github.com/harrisonrobin/flowfocus/pkg/planner"
	"github.com/harrisonrobin/flowfocus/pkg/store"
)

// UserHeader selects the user a request acts for. Authentication happens in
// front of this server; requests without the header use the default user.
const UserHeader = "X-User-ID"

// Engine is the part of the planner the handlers use.
type Engine interface {
	TodayPlan(ctx context.Context, userID string) (*model.DayPlan, error)
	SyncToday(ctx context.Context, userID string) (*model.DayPlan, error)
	NextTask(ctx context.Context, userID string) (*model.Task, error)
	State(userID string) planner.State
	InvalidateTasks(userID string)
	InvalidateSettings(userID string)
}

// TaskStore is the task CRUD backend.
type TaskStore interface {
	CreateTask(ctx context.Context, userID string, t model.Task) (model.Task, error)
	ListTasks(ctx context.Context, userID string) ([]model.Task, error)
	GetTask(ctx context.Context, userID, id string) (model.Task, error)
	UpdateTask(ctx context.Context, userID, id string, patch store.TaskPatch) (model.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
}

// SettingsStore reads and writes the work window.
type SettingsStore interface {
	WorkWindow(ctx context.Context, userID string) (model.WorkWindow, error)
	SetWorkWindow(ctx context.Context, userID string, w model.WorkWindow) error
}

// Server is the flowfocus HTTP server
type Server struct {
	engine      Engine
	tasks       TaskStore
	settings    SettingsStore
	defaultUser string
	router      *gin.Engine
}

// NewServer wires the routes.
func NewServer(engine Engine, tasks TaskStore, settings SettingsStore, defaultUser string) *Server {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		engine:      engine,
		tasks:       tasks,
		settings:    settings,
		defaultUser: defaultUser,
		router:      router,
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "flowfocus API", "status": "running"})
	})

	api := router.Group("/api", s.identify)
	{
		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/next", s.handleNextTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.PUT("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)

		api.GET("/calendar/today", s.handleToday)
		api.POST("/calendar/sync", s.handleSync)
		api.GET("/calendar/state", s.handleState)

		api.GET("/settings/work-hours", s.handleGetWorkHours)
		api.PUT("/settings/work-hours", s.handleUpdateWorkHours)
	}

	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

const userKey = "user_id"

func (s *Server) identify(c *gin.Context) {
	user := c.GetHeader(UserHeader)
	if user == "" {
		user = s.defaultUser
	}
	c.Set(userKey, user)
	c.Next()
}

func userID(c *gin.Context) string {
	return c.GetString(userKey)
}
