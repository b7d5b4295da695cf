package webhooks

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName = "github.com/MarcoPoloResearchLab/logbook/backend/internal/webhooks"

	messageEventIgnored         = "Event ignored"
	messageNoChangelogChanges   = "No changelog changes detected"
	messageProcessed            = "Webhook processed successfully"
	messageInstallationCleanup  = "Installation cleanup completed"
	messageRepositoryCleanup    = "Repository removal cleanup completed"
	messageRepositoryScan       = "Repository scan completed"
	messageInstallationAccepted = "Installation acknowledged"
	errorNoSignature            = "No signature provided"
	errorSecretNotConfigured    = "Webhook secret not configured"
	errorInvalidSignature       = "Invalid signature"
	errorInvalidJSON            = "Invalid JSON payload"
	errorInvalidPayloadPrefix   = "Invalid payload: "
	errorChangelogNotFound      = "Changelog not found in database"
	errorFetchFailed            = "Failed to fetch changelog content"
	errorInternal               = "Internal server error"
	responseKeyError            = "error"
	responseKeyMessage          = "message"
	responseKeyNewVersions      = "newVersions"
	responseKeyNewChangelogs    = "newChangelogs"
	logFieldDeliveryID          = "delivery_id"
	logFieldEventType           = "event_type"
	logFieldKind                = "kind"
	logFieldInstallationID      = "github_installation_id"
)

var (
	errMissingEngine   = errors.New("changelog engine is required")
	errMissingVerifier = errors.New("signature verifier is required")
	tracer             = otel.Tracer(tracerName)
)

// Engine applies classified events to storage.
type Engine interface {
	Uninstall(ctx context.Context, installationID changelogs.InstallationID) (changelogs.CleanupResult, error)
	RemoveRepositories(ctx context.Context, installationID changelogs.InstallationID, repositoryIDs []int64) (changelogs.CleanupResult, error)
	Sync(ctx context.Context, request changelogs.SyncRequest) (changelogs.SyncResult, error)
	ScanRepositories(ctx context.Context, installationID changelogs.InstallationID, repositories []changelogs.RepositoryRef) (changelogs.ScanResult, error)
}

// Delivery is one inbound webhook request.
type Delivery struct {
	EventType  string
	Signature  string
	DeliveryID string
	Body       []byte
}

// Response is the boundary status and JSON body for a delivery.
type Response struct {
	Status int
	Body   map[string]any
}

func messageResponse(status int, message string) Response {
	return Response{Status: status, Body: map[string]any{responseKeyMessage: message}}
}

func errorResponse(status int, message string) Response {
	return Response{Status: status, Body: map[string]any{responseKeyError: message}}
}

type DispatcherConfig struct {
	Verifier      *Verifier
	Engine        Engine
	ChangelogPath string
	Logger        *zap.Logger
}

// Dispatcher runs one delivery through verification, classification and
// application. Every outcome maps to exactly one Response.
type Dispatcher struct {
	verifier   *Verifier
	classifier Classifier
	engine     Engine
	logger     *zap.Logger
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	changelogPath := strings.TrimSpace(cfg.ChangelogPath)
	if changelogPath == "" {
		changelogPath = "CHANGELOG.md"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		verifier:   cfg.Verifier,
		classifier: NewClassifier(changelogPath),
		engine:     cfg.Engine,
		logger:     logger,
	}, nil
}

// Dispatch handles one delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) Response {
	ctx, span := tracer.Start(ctx, "webhooks.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(logFieldEventType, delivery.EventType),
			attribute.String(logFieldDeliveryID, delivery.DeliveryID),
		))
	defer span.End()

	logger := d.logger.With(
		zap.String(logFieldEventType, delivery.EventType),
		zap.String(logFieldDeliveryID, delivery.DeliveryID),
	)

	if strings.TrimSpace(delivery.Signature) == "" {
		logger.Warn("webhook rejected: missing signature")
		return errorResponse(http.StatusUnauthorized, errorNoSignature)
	}
	authentic, err := d.verifier.Verify(delivery.Body, delivery.Signature)
	if err != nil {
		logger.Error("webhook secret not configured", zap.Error(err))
		return errorResponse(http.StatusInternalServerError, errorSecretNotConfigured)
	}
	if !authentic {
		logger.Warn("webhook rejected: invalid signature")
		return errorResponse(http.StatusUnauthorized, errorInvalidSignature)
	}

	event, err := d.classifier.Classify(delivery.EventType, delivery.Body)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			logger.Warn("webhook rejected: invalid payload", zap.String("reason", validationErr.Reason))
			return errorResponse(http.StatusBadRequest, errorInvalidPayloadPrefix+validationErr.Reason)
		}
		logger.Warn("webhook rejected: malformed json", zap.Error(err))
		return errorResponse(http.StatusBadRequest, errorInvalidJSON)
	}
	span.SetAttributes(attribute.String(logFieldKind, string(event.Kind())))
	logger = logger.With(zap.String(logFieldKind, string(event.Kind())))

	return d.apply(ctx, logger, event)
}

func (d *Dispatcher) apply(ctx context.Context, logger *zap.Logger, event Event) Response {
	switch typed := event.(type) {
	case Ignored:
		logger.Debug("webhook ignored", zap.String("action", typed.Action))
		return messageResponse(http.StatusOK, messageEventIgnored)

	case InstallationCreated:
		logger.Info("installation created",
			zap.Int64(logFieldInstallationID, typed.InstallationID.Int64()),
			zap.String("account_login", typed.AccountLogin))
		return messageResponse(http.StatusOK, messageInstallationAccepted)

	case InstallationDeleted:
		if _, err := d.engine.Uninstall(ctx, typed.InstallationID); err != nil {
			logger.Error("installation cleanup failed", zap.Error(err))
			return errorResponse(http.StatusInternalServerError, errorInternal)
		}
		return messageResponse(http.StatusOK, messageInstallationCleanup)

	case RepositoriesRemoved:
		if _, err := d.engine.RemoveRepositories(ctx, typed.InstallationID, typed.RepositoryIDs); err != nil {
			logger.Error("repository removal failed", zap.Error(err))
			return errorResponse(http.StatusInternalServerError, errorInternal)
		}
		return messageResponse(http.StatusOK, messageRepositoryCleanup)

	case RepositoriesAdded:
		result, err := d.engine.ScanRepositories(ctx, typed.InstallationID, typed.Repositories)
		if errors.Is(err, changelogs.ErrInstallationNotFound) {
			logger.Info("repositories added for unknown installation",
				zap.Int64(logFieldInstallationID, typed.InstallationID.Int64()))
			return Response{Status: http.StatusOK, Body: map[string]any{
				responseKeyMessage:       messageRepositoryScan,
				responseKeyNewChangelogs: 0,
			}}
		}
		if err != nil {
			logger.Error("repository scan failed", zap.Error(err))
			return errorResponse(http.StatusInternalServerError, errorInternal)
		}
		return Response{Status: http.StatusOK, Body: map[string]any{
			responseKeyMessage:       messageRepositoryScan,
			responseKeyNewChangelogs: result.CreatedChangelogs,
		}}

	case Push:
		if !typed.ChangelogTouched {
			return messageResponse(http.StatusOK, messageNoChangelogChanges)
		}
		result, err := d.engine.Sync(ctx, changelogs.SyncRequest{
			Repository:     typed.Repository,
			InstallationID: typed.InstallationID,
		})
		switch {
		case err == nil:
			return Response{Status: http.StatusOK, Body: map[string]any{
				responseKeyMessage:     messageProcessed,
				responseKeyNewVersions: result.Count(),
			}}
		case errors.Is(err, changelogs.ErrChangelogNotFound):
			return errorResponse(http.StatusNotFound, errorChangelogNotFound)
		case errors.Is(err, changelogs.ErrFetchFailed):
			return errorResponse(http.StatusInternalServerError, errorFetchFailed)
		default:
			logger.Error("changelog sync failed", zap.Error(err))
			return errorResponse(http.StatusInternalServerError, errorInternal)
		}

	default:
		logger.Error("unhandled webhook event")
		return errorResponse(http.StatusInternalServerError, errorInternal)
	}
}
