package changelogs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/keepachangelog"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/notify"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultChangelogPath = "CHANGELOG.md"
	tracerName           = "github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
)

var (
	// ErrConflict reports that an installation is already bound.
	ErrConflict = errors.New("changelogs: conflict")
	// ErrChangelogNotFound reports that no tracked changelog matches the repository.
	ErrChangelogNotFound = errors.New("changelogs: changelog not found")
	// ErrInstallationNotFound reports that no installation matches the provider identifier.
	ErrInstallationNotFound = errors.New("changelogs: installation not found")
	// ErrVersionNotFound reports that a version identifier is unknown.
	ErrVersionNotFound = errors.New("changelogs: version not found")
	// ErrFetchFailed reports that the provider could not deliver changelog content.
	ErrFetchFailed = errors.New("changelogs: fetch failed")
	// ErrFileNotFound reports that a repository does not contain the tracked file.
	ErrFileNotFound = errors.New("changelogs: file not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProvider   = errors.New("provider client is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew           = "changelogs.service.new"
	opInstall              = "changelogs.install"
	opUninstall            = "changelogs.uninstall"
	opRemoveRepositories   = "changelogs.remove_repositories"
	opSync                 = "changelogs.sync"
	opScanInstallation     = "changelogs.scan_installation"
	opScanRepositories     = "changelogs.scan_repositories"
	opAddReaction          = "changelogs.add_reaction"
	fieldAccountID         = "account_id"
	fieldInstallationID    = "github_installation_id"
	fieldRepository        = "repository"
	fieldRepositoryID      = "repository_id"
	fieldChangelogID       = "changelog_id"
	fieldVersionID         = "version_id"
	reasonMissingDatabase  = "missing_database"
	reasonMissingProvider  = "missing_provider"
	reasonInvalidInput     = "invalid_input"
	reasonQueryFailed      = "query_failed"
	reasonTransaction      = "transaction_failed"
	reasonNotFound         = "not_found"
	reasonConflict         = "conflict"
	reasonFetchFailed      = "fetch_failed"
	reasonParseFailed      = "parse_failed"
	reasonIDGeneration     = "id_generation_failed"
	reasonInvalidReaction  = "invalid_reaction"
	reasonInstallationGone = "installation_not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ReleaseParser turns raw changelog text into ordered release entries.
type ReleaseParser interface {
	Parse(raw []byte) ([]keepachangelog.Release, error)
}

// Provider is the source-control API the service reads changelog files from.
type Provider interface {
	FetchFile(ctx context.Context, installationID InstallationID, repository RepositoryRef, path string) ([]byte, error)
	ListRepositories(ctx context.Context, installationID InstallationID) ([]RepositoryRef, error)
}

// Publisher receives release notifications after new versions commit.
type Publisher interface {
	Publish(ctx context.Context, message notify.ReleaseMessage) error
}

type ServiceConfig struct {
	Database      *gorm.DB
	Provider      Provider
	Parser        ReleaseParser
	Publisher     Publisher
	ChangelogPath string
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db            *gorm.DB
	provider      Provider
	parser        ReleaseParser
	publisher     Publisher
	changelogPath string
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	parser := cfg.Parser
	if parser == nil {
		parser = keepachangelog.NewParser()
	}

	changelogPath := strings.TrimSpace(cfg.ChangelogPath)
	if changelogPath == "" {
		changelogPath = defaultChangelogPath
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:            cfg.Database,
		provider:      cfg.Provider,
		parser:        parser,
		publisher:     cfg.Publisher,
		changelogPath: changelogPath,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
	}, nil
}

// ChangelogPath returns the tracked file path inside each repository.
func (s *Service) ChangelogPath() string {
	return s.changelogPath
}

func (s *Service) publishRelease(ctx context.Context, repository RepositoryRef, labels []string) {
	if s.publisher == nil || len(labels) == 0 {
		return
	}
	message := notify.ReleaseMessage{
		Owner:     repository.Owner,
		Name:      repository.Name,
		Versions:  labels,
		Timestamp: s.clock().UTC(),
	}
	if err := s.publisher.Publish(ctx, message); err != nil {
		s.loggerOrDefault().Warn("release notification failed",
			zap.String(fieldRepository, repository.FullName()),
			zap.Error(err))
	}
}

var tracer = otel.Tracer(tracerName)

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("changelogs service error", attrs...)
}
