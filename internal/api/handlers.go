package api

import (
	"context"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type Schedules interface {
	Create(ctx context.Context, req schedule.CreateRequest) (storage.Record, error)
	List(ctx context.Context) ([]schedule.View, error)
	Get(ctx context.Context, id string) (schedule.View, error)
	Edit(ctx context.Context, id, newContent string, newWhen *string) (storage.Record, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type TaskSnapshotter interface {
	Snapshot() engine.Snapshot
}

type Deps struct {
	Schedules Schedules
	Tasks     TaskSnapshotter
}

// Handler builds the gin engine for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1", bearerAuth(cfg.Token))
	{
		v1.GET("/schedules", s.listSchedules)
		v1.POST("/schedules", s.createSchedule)
		v1.GET("/schedules/:id", s.getSchedule)
		v1.PATCH("/schedules/:id", s.editSchedule)
		v1.DELETE("/schedules/:id", s.deleteSchedule)
		v1.GET("/tasks", s.tasks)
	}

	if cfg.Pprof {
		p := r.Group("/debug/pprof", bearerAuth(cfg.Token))
		p.GET("/", gin.WrapF(hpprof.Index))
		p.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		p.GET("/profile", gin.WrapF(hpprof.Profile))
		p.GET("/symbol", gin.WrapF(hpprof.Symbol))
		p.GET("/trace", gin.WrapF(hpprof.Trace))
		p.GET("/:name", func(c *gin.Context) {
			hpprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=. An empty
// token disables the check.
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if strings.TrimSpace(got) != tok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", append(fields, logx.String("error", c.Errors.String()))...)
			return
		}
		s.log.Debug("request ok", fields...)
	}
}

func (s *Server) listSchedules(c *gin.Context) {
	views, err := s.deps.Schedules.List(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	if views == nil {
		views = []schedule.View{}
	}
	c.JSON(http.StatusOK, gin.H{"schedules": views})
}

func (s *Server) getSchedule(c *gin.Context) {
	v, err := s.deps.Schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type createRequest struct {
	DestinationID int64  `json:"destination_id" binding:"required"`
	Content       string `json:"content" binding:"required"`
	When          string `json:"when" binding:"required"`
}

func (s *Server) createSchedule(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.deps.Schedules.Create(c.Request.Context(), schedule.CreateRequest{
		DestinationID: req.DestinationID,
		Content:       req.Content,
		When:          req.When,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

type editRequest struct {
	Content string  `json:"content"`
	When    *string `json:"when"`
}

func (s *Server) editSchedule(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.deps.Schedules.Edit(c.Request.Context(), c.Param("id"), req.Content, req.When)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	ok, err := s.deps.Schedules.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) tasks(c *gin.Context) {
	if s.deps.Tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task engine unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Tasks.Snapshot())
}

func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, schedule.ErrInvalidWhen),
		errors.Is(err, schedule.ErrInvalidContent),
		errors.Is(err, schedule.ErrInvalidCron),
		errors.Is(err, schedule.ErrInvalidDestination):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
