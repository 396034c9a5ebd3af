package sandbox

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/realtime"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/users"
)

const (
	claimsContextKey = "classroom_claims"
	defaultPageLimit = 20
	maxPageLimit     = 100
)

var (
	errMissingTokenIssuer = errors.New("token issuer dependency required")
	errMissingStore       = errors.New("store dependency required")
	errMissingUsers       = errors.New("users service dependency required")
	errMissingHub         = errors.New("hub dependency required")
)

// Dependencies wires the sandbox HTTP surface.
type Dependencies struct {
	Tokens         *auth.TokenIssuer
	Store          *Store
	Users          *users.Service
	Hub            *Hub
	Logger         *zap.Logger
	AllowedOrigins []string
	IdleExpiry     time.Duration
}

// NewHTTPHandler builds the gin router serving /auth/token, /ws and the
// notification endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	idleExpiry := deps.IdleExpiry
	if idleExpiry <= 0 {
		idleExpiry = defaultIdleExpiry
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		validator:  deps.Tokens.Validator(),
		store:      deps.Store,
		users:      deps.Users,
		hub:        deps.Hub,
		logger:     logger,
		idleExpiry: idleExpiry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/ws", handler.handleWebsocket)
	router.POST("/notifications", handler.handlePushNotification)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)

	return router, nil
}

type httpHandler struct {
	tokens     *auth.TokenIssuer
	validator  *auth.TokenValidator
	store      *Store
	users      *users.Service
	hub        *Hub
	logger     *zap.Logger
	idleExpiry time.Duration
	upgrader   websocket.Upgrader
}

type tokenRequestPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleIssueToken hands out development tokens; the sandbox has no login.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := realtime.ParseChannelID(realtime.AccountChannel(strings.TrimSpace(request.UserID)).String()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.Subject{
		UserID:      request.UserID,
		DisplayName: request.DisplayName,
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{AccessToken: token, ExpiresIn: expiresIn, TokenType: "Bearer"})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("websocket handshake rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	displayName := claims.DisplayName
	if profile, err := h.users.Touch(claims); err != nil {
		h.logger.Warn("failed to record user profile", zap.String("user_id", claims.UserID), zap.Error(err))
	} else {
		displayName = profile.DisplayName
	}
	if displayName == "" {
		displayName = claims.UserID
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	peer := h.hub.register(claims.UserID, displayName)
	h.logger.Info("websocket session started", zap.String("user_id", claims.UserID), zap.Int64("peer", peer.id))

	session := &session{
		peer:       peer,
		conn:       conn,
		hub:        h.hub,
		store:      h.store,
		logger:     h.logger.With(zap.String("user_id", claims.UserID), zap.Int64("peer", peer.id)),
		idleExpiry: h.idleExpiry,
	}
	session.run(context.WithoutCancel(c.Request.Context()))
}

type pushRequestPayload struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Link   string `json:"link"`
}

// handlePushNotification stands in for the backend services that raise
// notifications in production.
func (h *httpHandler) handlePushNotification(c *gin.Context) {
	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	notification, unread, err := h.store.CreateNotification(c.Request.Context(), NotificationInput{
		UserID: request.UserID,
		Kind:   request.Kind,
		Title:  request.Title,
		Body:   request.Body,
		Link:   request.Link,
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) && (errors.Is(err, errMissingUser) || errors.Is(err, errMissingTitle)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": serviceErr.Code()})
			return
		}
		h.logger.Error("failed to create notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_failed"})
		return
	}

	frame, err := encodeFrame(protocol.TypeNotificationPush, protocol.NotificationPush{
		Notification: notification,
		UnreadCount:  unread,
	})
	if err != nil {
		h.logger.Error("failed to encode notification push", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_failed"})
		return
	}
	delivered := h.hub.publish(realtime.AccountChannel(strings.TrimSpace(request.UserID)).String(), frame, nil)
	c.JSON(http.StatusCreated, gin.H{"notification": notification, "unreadCount": unread, "delivered": delivered})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	claims := c.MustGet(claimsContextKey).(auth.Claims)
	page := parsePositive(c.Query("page"), 1)
	limit := parsePositive(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	items, hasMore, err := h.store.ListNotifications(c.Request.Context(), claims.UserID, page, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	unread, err := h.store.UnreadCount(c.Request.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("failed to count notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":       items,
		"page":        page,
		"limit":       limit,
		"hasMore":     hasMore,
		"unreadCount": unread,
	})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	claims := c.MustGet(claimsContextKey).(auth.Claims)
	unread, err := h.store.UnreadCount(c.Request.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("failed to count notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unreadCount": unread})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func parsePositive(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
