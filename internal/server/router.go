package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/capsules"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	ownerContextKey  = "capsule_owner"
	sweepTokenHeader = "X-Sweep-Token"

	maxMultipartMemory = 8 << 20
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserService      = errors.New("user service dependency required")
	errMissingCapsuleService   = errors.New("capsule service dependency required")
)

// SessionValidator authenticates a request from its TAuth session.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps session claims onto a canonical profile.
type ProfileResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Users            ProfileResolver
	Capsules         *capsules.Service
	// Sweeper and SweepToken enable POST /sweep; without a token it answers 403.
	Sweeper    *capsules.Sweeper
	SweepToken string
	Realtime   *RealtimeDispatcher
	// FilesDir is served at FilesPath when attachments live on local disk.
	FilesDir  string
	FilesPath string
	Clock     func() time.Time
	Logger    *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Capsules == nil {
		return nil, errMissingCapsuleService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.MaxMultipartMemory = maxMultipartMemory
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		users:      deps.Users,
		capsules:   deps.Capsules,
		sweeper:    deps.Sweeper,
		sweepToken: strings.TrimSpace(deps.SweepToken),
		realtime:   realtime,
		clock:      clock,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/sweep", handler.handleSweep)
	if deps.FilesDir != "" && deps.FilesPath != "" {
		router.Static("/"+strings.Trim(deps.FilesPath, "/"), deps.FilesDir)
	}

	protected := router.Group("/capsules")
	protected.Use(handler.authorizeRequest)
	protected.POST("", handler.handleCreateCapsule)
	protected.GET("", handler.handleListCapsules)
	protected.GET("/shared", handler.handleListSharedCapsules)
	protected.GET("/events", handler.handleRealtimeStream)
	protected.GET("/:id", handler.handleGetCapsule)
	protected.POST("/:id/unlock", handler.handleUnlockCapsule)
	protected.POST("/:id/share", handler.handleShareCapsule)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant", sweepTokenHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionValidator
	users      ProfileResolver
	capsules   *capsules.Service
	sweeper    *capsules.Sweeper
	sweepToken string
	realtime   *RealtimeDispatcher
	clock      func() time.Time
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.users.ResolveProfile(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return
	}
	c.Set(ownerContextKey, capsules.Owner{
		UserID: profile.UserID,
		Email:  profile.Email,
		Name:   profile.DisplayName,
	})
	c.Next()
}

func ownerFromContext(c *gin.Context) (capsules.Owner, bool) {
	value, ok := c.Get(ownerContextKey)
	if !ok {
		return capsules.Owner{}, false
	}
	owner, ok := value.(capsules.Owner)
	if !ok || owner.UserID == "" {
		return capsules.Owner{}, false
	}
	return owner, true
}

func (h *httpHandler) handleSweep(c *gin.Context) {
	if h.sweeper == nil || h.sweepToken == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "sweep_disabled"})
		return
	}
	if !h.validSweepToken(c.Request) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	result, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("sweep request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) validSweepToken(r *http.Request) bool {
	presented := strings.TrimSpace(r.Header.Get(sweepTokenHeader))
	if presented == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(header, "Bearer ") {
			presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.sweepToken)) == 1
}

// respondError maps workflow errors onto HTTP statuses. Upstream failures are
// logged by the workflow and surface as a generic <operation>_failed code.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var validationErr *capsules.ValidationError
	var lockedErr *capsules.LockedError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "field": validationErr.Field, "reason": validationErr.Reason})
	case errors.As(err, &lockedErr):
		c.JSON(http.StatusConflict, gin.H{"error": "capsule_locked", "unlock_at": lockedErr.UnlockAt.UTC()})
	case errors.Is(err, capsules.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
	case errors.Is(err, capsules.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("capsule request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": operation + "_failed"})
	}
}
