package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"examprep-server/apiclient"
	"examprep-server/middleware"
	"examprep-server/models"
	"examprep-server/session"
)

// Sessions serves the session API under /api/v1/sessions/:mode.
type Sessions struct {
	registry *session.Registry
	callers  *Callers
	log      *logrus.Entry
}

func NewSessions(registry *session.Registry, callers *Callers, log *logrus.Entry) *Sessions {
	return &Sessions{registry: registry, callers: callers, log: log}
}

// Register mounts the session routes on g.
func (h *Sessions) Register(g *gin.RouterGroup) {
	g.GET("/:mode", h.Get())
	g.POST("/:mode/start", h.Start())
	g.POST("/:mode/answer", h.Answer())
	g.POST("/:mode/next", h.step((*session.Machine).Next))
	g.POST("/:mode/prev", h.step((*session.Machine).Prev))
	g.POST("/:mode/finish", h.step((*session.Machine).Finish))
	g.POST("/:mode/resubmit", h.step((*session.Machine).Resubmit))
	g.POST("/:mode/restart", h.Restart())
	g.GET("/:mode/review", h.Review())
}

// machine resolves the machine of the caller for the :mode route parameter.
func (h *Sessions) machine(c *gin.Context) (*session.Machine, bool) {
	mode, err := models.ParseMode(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	h.callers.Update(c)
	m, err := h.registry.Get(middleware.Owner(c), mode)
	if err != nil {
		h.log.WithError(err).Error("failed to create session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return nil, false
	}
	return m, true
}

// selectSection applies ?section= to trainer machines.
func (h *Sessions) selectSection(c *gin.Context, m *session.Machine) error {
	section := c.Query("section")
	if section == "" || m.Mode() != models.ModeTrainer {
		return nil
	}
	return m.SelectSection(section)
}

// Get prepares the session (restoring an interrupted attempt) and returns its view.
// GET /api/v1/sessions/:mode
func (h *Sessions) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.machine(c)
		if !ok {
			return
		}
		if err := h.selectSection(c, m); err != nil {
			h.respond(c, m, err)
			return
		}
		h.respond(c, m, m.Prepare(c.Request.Context()))
	}
}

// Start begins a fresh attempt.
// POST /api/v1/sessions/:mode/start
func (h *Sessions) Start() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.machine(c)
		if !ok {
			return
		}
		if err := h.selectSection(c, m); err != nil {
			h.respond(c, m, err)
			return
		}
		h.respond(c, m, m.Start(c.Request.Context()))
	}
}

type answerRequest struct {
	Option *int `json:"option" binding:"required"`
}

// Answer records the selected option of the current question.
// POST /api/v1/sessions/:mode/answer
func (h *Sessions) Answer() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in answerRequest
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload: " + err.Error()})
			return
		}
		m, ok := h.machine(c)
		if !ok {
			return
		}
		fb, err := m.Select(c.Request.Context(), *in.Option)
		if err != nil {
			h.respond(c, m, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": m.View(), "feedback": fb})
	}
}

type restartRequest struct {
	Refetch bool `json:"refetch"`
}

// Restart drops the attempt and its snapshot.
// POST /api/v1/sessions/:mode/restart
func (h *Sessions) Restart() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in restartRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&in); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload: " + err.Error()})
				return
			}
		}
		m, ok := h.machine(c)
		if !ok {
			return
		}
		h.respond(c, m, m.Restart(c.Request.Context(), in.Refetch))
	}
}

// Review returns the per-question breakdown of a completed attempt.
// GET /api/v1/sessions/:mode/review
func (h *Sessions) Review() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.machine(c)
		if !ok {
			return
		}
		review, err := m.Review()
		if err != nil {
			h.respond(c, m, err)
			return
		}
		c.JSON(http.StatusOK, review)
	}
}

func (h *Sessions) step(op func(*session.Machine, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.machine(c)
		if !ok {
			return
		}
		h.respond(c, m, op(m, c.Request.Context()))
	}
}

// respond writes the view of m, or the error with the view attached.
func (h *Sessions) respond(c *gin.Context, m *session.Machine, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"session": m.View()})
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{"owner": m.Owner(), "mode": m.Mode()}).Warn("session operation failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "session": m.View()})
}

// statusFor maps session and upstream errors to HTTP statuses.
func statusFor(err error) int {
	var apiErr *apiclient.APIError
	switch {
	case errors.Is(err, session.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrInvalidOption), errors.Is(err, session.ErrSectionRequired):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoQuestions):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotInProgress),
		errors.Is(err, session.ErrNotCompleted),
		errors.Is(err, session.ErrCompleted),
		errors.Is(err, session.ErrInProgress),
		errors.Is(err, session.ErrSubmissionPending),
		errors.Is(err, session.ErrNothingToResubmit),
		errors.Is(err, session.ErrAlreadyAnswered):
		return http.StatusConflict
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
