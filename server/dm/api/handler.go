package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	commonlog "dm_server/server/common/log"
	"dm_server/server/common/middleware"
	"dm_server/server/common/transport/httpresp"
	"dm_server/server/dm/domain"
	"dm_server/server/dm/service"
)

// PresenceView reports the online set merged across every process.
type PresenceView interface {
	Presence() (uint64, []domain.PresenceStatus)
}

type Handler struct {
	router   *service.Router
	history  *service.HistoryService
	accounts *service.AccountService
	gateway  *service.Gateway
	presence PresenceView
	identity service.IdentityResolver
}

func NewHandler(router *service.Router, history *service.HistoryService, accounts *service.AccountService, gateway *service.Gateway, presence PresenceView, identity service.IdentityResolver) *Handler {
	return &Handler{
		router:   router,
		history:  history,
		accounts: accounts,
		gateway:  gateway,
		presence: presence,
		identity: identity,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok", h.gateway.SessionCount())) })
	r.GET("/ws", h.handleWS)

	public := r.Group("/api/v1/auth")
	{
		public.POST("/register", h.register)
		public.POST("/login", h.login)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.identity))
	{
		api.GET("/conversations/:peer/messages", h.listConversation)
		api.POST("/messages", h.sendMessage)
		api.POST("/messages/:id/read", h.markRead)
		api.GET("/presence", h.listPresence)
		api.GET("/unread-counts", h.unreadCounts)
	}
}

// handleWS accepts anonymous upgrades; a token in the request registers
// the session immediately, an invalid one is refused before upgrading.
func (h *Handler) handleWS(c *gin.Context) {
	userID := ""
	if token, ok := wsAccessToken(c); ok {
		resolved, err := service.ResolveUser(h.identity, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrInvalidToken))
			return
		}
		userID = resolved
	}
	_ = h.gateway.ServeWS(c.Writer, c.Request, userID)
}

func wsAccessToken(c *gin.Context) (string, bool) {
	if token, ok := middleware.BearerToken(c); ok {
		return token, true
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}

func (h *Handler) register(c *gin.Context) {
	var req struct {
		UserID      string `json:"user_id" binding:"required"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	user, token, err := h.accounts.Register(c.Request.Context(), req.UserID, req.DisplayName, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			c.JSON(http.StatusConflict, NewErrorResponse(httpresp.ErrUserExists))
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewTokenResponse(token, user.ID))
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	user, token, err := h.accounts.Login(c.Request.Context(), req.UserID, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrInvalidCredentials))
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewTokenResponse(token, user.ID))
}

func (h *Handler) listConversation(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	var sinceSeq int64
	if raw := strings.TrimSpace(c.Query("since_seq")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, NewErrorResponse(ErrSinceSeqMustBeInt))
			return
		}
		sinceSeq = parsed
	}
	items, err := h.history.GetHistory(c.Request.Context(), actorID, c.Param("peer"), sinceSeq)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemsResponse(items))
}

func (h *Handler) sendMessage(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	var req struct {
		RecipientID string             `json:"recipient_id" binding:"required"`
		Kind        domain.MessageKind `json:"kind"`
		Body        string             `json:"body"`
		File        *domain.FileRef    `json:"file"`
		ClientMsgID string             `json:"client_msg_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if req.ClientMsgID == "" {
		req.ClientMsgID = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}
	result, err := h.router.Send(c.Request.Context(), domain.SendInput{
		SenderID:    actorID,
		RecipientID: req.RecipientID,
		Kind:        req.Kind,
		Body:        req.Body,
		File:        req.File,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Status == domain.DeliveryDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, NewSendResponse(result))
}

func (h *Handler) markRead(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	msg, err := h.router.MarkRead(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) listPresence(c *gin.Context) {
	version, users := h.presence.Presence()
	c.JSON(http.StatusOK, NewPresenceResponse(version, users))
}

func (h *Handler) unreadCounts(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	items, err := h.history.UnreadCounts(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemsResponse(items))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, NewErrorResponse(httpresp.ErrForbidden))
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, NewErrorResponse(httpresp.ErrNotFound))
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrStorage):
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(httpresp.ErrStorageUnavailable))
	default:
		commonlog.Errorf("event=dm_api action=request status=failed path=%s error=%v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, NewErrorResponse(httpresp.ErrInternal))
	}
}
