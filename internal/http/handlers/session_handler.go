package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-gate-bot/internal/domain"
	"github.com/tbourn/go-gate-bot/internal/http/middleware"
	"github.com/tbourn/go-gate-bot/internal/observability"
	"github.com/tbourn/go-gate-bot/internal/services"
	"github.com/tbourn/go-gate-bot/internal/utils"
)

// SessionReader lists and counts verification sessions.
type SessionReader interface {
	ListPage(ctx context.Context, offset, limit int) ([]domain.VerificationSession, int64, error)
	Stats(ctx context.Context) (map[domain.SessionStatus]int64, error)
}

// SessionAbandoner ends a pending session on an operator's request.
type SessionAbandoner interface {
	Abandon(ctx context.Context, id, outcome, reason string) error
}

// Handlers groups the session endpoints.
type Handlers struct {
	sessions  SessionReader
	abandoner SessionAbandoner
	now       func() time.Time
}

// New binds the handlers to their dependencies.
func New(sessions SessionReader, abandoner SessionAbandoner) *Handlers {
	return &Handlers{sessions: sessions, abandoner: abandoner, now: time.Now}
}

// SessionView is the operator view of a session. The captcha solution is
// never exposed.
type SessionView struct {
	ID                 string    `json:"id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	UserID             string    `json:"user_id" example:"@alice:example.org"`
	MainRoomID         string    `json:"main_room_id" example:"!abc:example.org"`
	VerificationRoomID string    `json:"verification_room_id,omitempty" example:"!xyz:example.org"`
	Status             string    `json:"status" example:"awaiting_answer"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	// Age since creation, in human units
	Age string `json:"age" example:"3 minutes, 12 seconds"`
}

// Pagination carries list metadata.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSessionsResponse is one page of sessions.
type ListSessionsResponse struct {
	Sessions   []SessionView `json:"sessions"`
	Pagination Pagination    `json:"pagination"`
}

// StatsResponse counts sessions by status.
type StatsResponse struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func viewOf(s domain.VerificationSession, now time.Time) SessionView {
	return SessionView{
		ID:                 s.ID,
		UserID:             s.UserID,
		MainRoomID:         s.MainRoomID,
		VerificationRoomID: s.RoomID(),
		Status:             string(s.Status),
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		Age:                utils.HumanDuration(now.Sub(s.CreatedAt)),
	}
}

// ListSessions godoc
// @ID          listSessions
// @Summary     List verification sessions (paginated)
// @Description Returns pending sessions, newest first. Captcha solutions are never included.
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListSessionsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	offset, limit, page, size := utils.Page(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		defaultPageSize, maxPageSize,
	)

	items, total, err := h.sessions.ListPage(c.Request.Context(), offset, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	now := h.now()
	views := make([]SessionView, 0, len(items))
	for _, s := range items {
		views = append(views, viewOf(s, now))
	}
	totalPages := int((total + int64(size) - 1) / int64(size))
	ok(c, http.StatusOK, ListSessionsResponse{
		Sessions: views,
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// SessionStats godoc
// @ID          sessionStats
// @Summary     Count sessions by status
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.StatsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions/stats [get]
func (h *Handlers) SessionStats(c *gin.Context) {
	counts, err := h.sessions.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	resp := StatsResponse{ByStatus: make(map[string]int64, len(counts))}
	for st, n := range counts {
		resp.ByStatus[string(st)] = n
		resp.Total += n
	}
	ok(c, http.StatusOK, resp)
}

// AbandonSession godoc
// @ID          abandonSession
// @Summary     Abandon a verification session
// @Description The bot leaves the verification room, the posting level of the user is restored and the session is removed.
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
// @Param       id   path  string  true  "Session ID (UUID)"  format(uuid)
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions/{id} [delete]
func (h *Handlers) AbandonSession(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a UUID")
		return
	}
	err := h.abandoner.Abandon(c.Request.Context(), id, observability.OutcomeAbandoned, services.ReasonAbandoned)
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeAbandonFailed, err.Error())
	default:
		middleware.LoggerFrom(c).Info().Str("session_id", id).Msg("session abandoned by operator")
		noContent(c)
	}
}
