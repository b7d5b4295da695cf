package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/webhooks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	serviceName = "logbook-api"

	headerSignature  = "X-Hub-Signature-256"
	headerEventType  = "X-GitHub-Event"
	headerDeliveryID = "X-GitHub-Delivery"

	// GitHub caps webhook payloads at 25 MB.
	maxWebhookBodyBytes      = 25 << 20
	defaultHeartbeatInterval = 25 * time.Second
	realtimeEventHeartbeat   = "heartbeat"

	errorUnauthorized        = "Unauthorized"
	errorNoInstallationID    = "No installation ID found"
	errorInstallationFailed  = "Installation failed"
	errorPayloadTooLarge     = "Payload too large"
	errorInvalidReaction     = "Invalid reaction"
	errorVersionNotFound     = "Version not found"
	errorReactionFailed      = "Failed to add reaction"
	errorInvalidChangelogKey = "Invalid changelog"
)

var (
	errMissingWebhooks      = errors.New("webhook dispatcher dependency required")
	errMissingInstallations = errors.New("installation service dependency required")
	errMissingReactions     = errors.New("reaction service dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingReleases      = errors.New("release subscriber dependency required")
	errMissingDashboardURL  = errors.New("dashboard url required")
)

type WebhookDispatcher interface {
	Dispatch(ctx context.Context, delivery webhooks.Delivery) webhooks.Response
}

type InstallationService interface {
	Install(ctx context.Context, accountID changelogs.AccountID, installationID changelogs.InstallationID) (changelogs.Installation, error)
	ScanInstallation(ctx context.Context, installationID changelogs.InstallationID) (changelogs.ScanResult, error)
}

type ReactionService interface {
	AddReaction(ctx context.Context, versionID string, reaction string) (changelogs.Reactions, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Session, error)
}

type ReleaseSubscriber interface {
	Subscribe(ctx context.Context, owner, name string) (<-chan notify.ReleaseMessage, func())
}

type Dependencies struct {
	Webhooks      WebhookDispatcher
	Installations InstallationService
	Reactions     ReactionService
	Sessions      SessionValidator
	Releases      ReleaseSubscriber
	DashboardURL  string
	// HeartbeatInterval spaces keep-alive events on release streams.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Webhooks == nil {
		return nil, errMissingWebhooks
	}
	if deps.Installations == nil {
		return nil, errMissingInstallations
	}
	if deps.Reactions == nil {
		return nil, errMissingReactions
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Releases == nil {
		return nil, errMissingReleases
	}
	if strings.TrimSpace(deps.DashboardURL) == "" {
		return nil, errMissingDashboardURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		webhooks:          deps.Webhooks,
		installations:     deps.Installations,
		reactions:         deps.Reactions,
		sessions:          deps.Sessions,
		releases:          deps.Releases,
		dashboardURL:      deps.DashboardURL,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.POST("/webhooks/github", handler.handleGitHubWebhook)
	api.GET("/github/callback", handler.handleInstallCallback)
	api.POST("/versions/:id/reactions", handler.handleAddReaction)
	api.GET("/changelogs/:owner/:name/stream", handler.handleReleaseStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	webhooks          WebhookDispatcher
	installations     InstallationService
	reactions         ReactionService
	sessions          SessionValidator
	releases          ReleaseSubscriber
	dashboardURL      string
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleGitHubWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook payload rejected", zap.Int64("limit_bytes", tooLarge.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errorPayloadTooLarge})
			return
		}
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}

	response := h.webhooks.Dispatch(c.Request.Context(), webhooks.Delivery{
		EventType:  c.GetHeader(headerEventType),
		Signature:  c.GetHeader(headerSignature),
		DeliveryID: c.GetHeader(headerDeliveryID),
		Body:       body,
	})
	c.JSON(response.Status, response.Body)
}

func (h *httpHandler) handleInstallCallback(c *gin.Context) {
	session, err := h.sessions.ValidateRequest(c.Request)
	if err == nil && session.AccountID == "" {
		err = auth.ErrMissingSessionAccount
	}
	if err != nil {
		h.logger.Info("install callback without valid session", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	accountID := session.AccountID

	rawID := strings.TrimSpace(c.Query("installation_id"))
	parsedID, parseErr := strconv.ParseInt(rawID, 10, 64)
	installationID, err := changelogs.NewInstallationID(parsedID)
	if parseErr != nil || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorNoInstallationID})
		return
	}

	ctx := c.Request.Context()
	fields := []zap.Field{
		zap.String("account_id", accountID.String()),
		zap.Int64("github_installation_id", installationID.Int64()),
		zap.String("setup_action", c.Query("setup_action")),
	}
	if _, err := h.installations.Install(ctx, accountID, installationID); err != nil {
		if !errors.Is(err, changelogs.ErrConflict) {
			h.logger.Error("failed to record installation", append(fields, zap.Error(err))...)
			c.JSON(http.StatusInternalServerError, gin.H{"error": errorInstallationFailed})
			return
		}
		h.logger.Info("installation already recorded", fields...)
	}

	result, err := h.installations.ScanInstallation(ctx, installationID)
	if err != nil {
		h.logger.Error("failed to scan installation", append(fields, zap.Error(err))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInstallationFailed})
		return
	}
	h.logger.Info("installation scanned", append(fields,
		zap.Int("created_changelogs", result.CreatedChangelogs),
		zap.Int("synced_changelogs", result.SyncedChangelogs),
		zap.Int("new_versions", result.NewVersions),
		zap.Strings("skipped", result.Skipped))...)

	c.Redirect(http.StatusFound, h.dashboardURL)
}

type reactionRequestPayload struct {
	Reaction string `json:"reaction"`
}

type reactionResponsePayload struct {
	Reactions changelogs.Reactions `json:"reactions"`
}

func (h *httpHandler) handleAddReaction(c *gin.Context) {
	var request reactionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidReaction})
		return
	}

	versionID := c.Param("id")
	reactions, err := h.reactions.AddReaction(c.Request.Context(), versionID, request.Reaction)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, reactionResponsePayload{Reactions: reactions})
	case errors.Is(err, changelogs.ErrInvalidReaction):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidReaction})
	case errors.Is(err, changelogs.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errorVersionNotFound})
	default:
		h.logger.Error("failed to add reaction", zap.String("version_id", versionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorReactionFailed})
	}
}

type releaseEventPayload struct {
	Owner     string   `json:"owner"`
	Name      string   `json:"name"`
	Versions  []string `json:"versions"`
	Timestamp int64    `json:"timestamp"`
}

func (h *httpHandler) handleReleaseStream(c *gin.Context) {
	owner := c.Param("owner")
	name := c.Param("name")
	if notify.ChangelogKey(owner, name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidChangelogKey})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.releases.Subscribe(ctx, owner, name)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(notify.EventRelease, releaseEventPayload{
				Owner:     message.Owner,
				Name:      message.Name,
				Versions:  message.Versions,
				Timestamp: message.Timestamp.Unix(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.Unix()})
			return true
		}
	})
}
