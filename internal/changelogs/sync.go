package changelogs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/keepachangelog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryOwnerName           = "owner = ? AND name = ?"
	queryOwnerNameRepository = "owner = ? AND name = ? AND repository_id = ?"
	queryChangelogID         = "changelog_id = ?"
)

// SyncRequest identifies the repository whose changelog should be refreshed.
type SyncRequest struct {
	Repository     RepositoryRef
	InstallationID InstallationID
}

// SyncResult reports the outcome of one sync.
type SyncResult struct {
	ChangelogID string
	// NewVersions lists the labels inserted by this sync in parsed order.
	NewVersions []string
	// Raw is the changelog text stored after the sync.
	Raw string
}

// Count returns the number of versions inserted.
func (r SyncResult) Count() int {
	return len(r.NewVersions)
}

// ScanResult summarizes a scan over several repositories.
type ScanResult struct {
	CreatedChangelogs int
	SyncedChangelogs  int
	NewVersions       int
	Skipped           []string
}

var errChangelogExists = errors.New("changelog already exists")

// Sync brings the stored versions of an existing changelog up to date with the
// provider's copy of the file.
//
// Only releases whose label is not stored yet are inserted. When nothing is
// new the call writes nothing, the raw text included. Fetching and parsing
// happen before the transaction opens.
func (s *Service) Sync(ctx context.Context, request SyncRequest) (SyncResult, error) {
	ctx, span := tracer.Start(ctx, opSync)
	defer span.End()
	span.SetAttributes(
		attribute.String(fieldRepository, request.Repository.FullName()),
		attribute.Int64(fieldInstallationID, request.InstallationID.Int64()),
	)

	result, err := s.sync(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SyncResult{}, err
	}
	span.SetAttributes(attribute.Int("new_versions", result.Count()))
	return result, nil
}

func (s *Service) sync(ctx context.Context, request SyncRequest) (SyncResult, error) {
	if s.db == nil {
		s.logError(opSync, reasonMissingDatabase, errMissingDatabase)
		return SyncResult{}, newServiceError(opSync, reasonMissingDatabase, errMissingDatabase)
	}
	if s.provider == nil {
		s.logError(opSync, reasonMissingProvider, errMissingProvider)
		return SyncResult{}, newServiceError(opSync, reasonMissingProvider, errMissingProvider)
	}
	repository := request.Repository
	if err := repository.Validate(); err != nil {
		return SyncResult{}, newServiceError(opSync, reasonInvalidInput, err)
	}

	var changelog Changelog
	err := s.db.WithContext(ctx).
		Where(queryOwnerNameRepository, repository.Owner, repository.Name, repository.ID).
		Take(&changelog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.loggerOrDefault().Info("changelog not tracked",
			zap.String(fieldRepository, repository.FullName()),
			zap.Int64(fieldRepositoryID, repository.ID))
		return SyncResult{}, newServiceError(opSync, reasonNotFound, ErrChangelogNotFound)
	}
	if err != nil {
		s.logError(opSync, reasonQueryFailed, err, zap.String(fieldRepository, repository.FullName()))
		return SyncResult{}, newServiceError(opSync, reasonQueryFailed, err)
	}

	raw, err := s.provider.FetchFile(ctx, request.InstallationID, repository, s.changelogPath)
	if err != nil {
		s.logError(opSync, reasonFetchFailed, err,
			zap.String(fieldRepository, repository.FullName()),
			zap.Int64(fieldInstallationID, request.InstallationID.Int64()))
		return SyncResult{}, newServiceError(opSync, reasonFetchFailed, fmt.Errorf("%w: %w", ErrFetchFailed, err))
	}

	releases, err := s.parser.Parse(raw)
	if err != nil {
		s.logError(opSync, reasonParseFailed, err, zap.String(fieldRepository, repository.FullName()))
		return SyncResult{}, newServiceError(opSync, reasonParseFailed, err)
	}

	return s.applyReleases(ctx, opSync, changelog, repository, string(raw), releases)
}

// applyReleases inserts the releases missing from changelog and refreshes its
// raw text in one transaction. Nothing is written when the delta is empty.
func (s *Service) applyReleases(ctx context.Context, operation string, changelog Changelog, repository RepositoryRef, raw string, releases []keepachangelog.Release) (SyncResult, error) {
	var storedLabels []string
	if err := s.db.WithContext(ctx).
		Model(&Version{}).
		Where(queryChangelogID, changelog.ID).
		Pluck("version", &storedLabels).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldChangelogID, changelog.ID))
		return SyncResult{}, newServiceError(operation, reasonQueryFailed, err)
	}

	delta := releaseDelta(releases, storedLabels)
	if len(delta) == 0 {
		s.loggerOrDefault().Debug("changelog already up to date",
			zap.String(fieldRepository, repository.FullName()),
			zap.String(fieldChangelogID, changelog.ID))
		return SyncResult{ChangelogID: changelog.ID, NewVersions: []string{}, Raw: changelog.Raw}, nil
	}

	var inserted []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&Changelog{}).Where(queryID, changelog.ID).Update("raw", raw)
		if update.Error != nil {
			return newServiceError(operation, reasonTransaction, update.Error)
		}
		if update.RowsAffected == 0 {
			return newServiceError(operation, reasonNotFound, ErrChangelogNotFound)
		}
		labels, err := s.insertVersions(tx, changelog, delta)
		if err != nil {
			return newServiceError(operation, reasonTransaction, err)
		}
		inserted = labels
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrChangelogNotFound) {
			s.logError(operation, reasonTransaction, txErr, zap.String(fieldChangelogID, changelog.ID))
		}
		return SyncResult{}, txErr
	}

	s.loggerOrDefault().Info("changelog synced",
		zap.String(fieldRepository, repository.FullName()),
		zap.String(fieldChangelogID, changelog.ID),
		zap.Strings("new_versions", inserted))
	s.publishRelease(ctx, repository, inserted)
	return SyncResult{ChangelogID: changelog.ID, NewVersions: inserted, Raw: raw}, nil
}

// insertVersions writes one row per release. Rows that lose a uniqueness race
// against a concurrent writer are skipped and left out of the returned labels.
func (s *Service) insertVersions(tx *gorm.DB, changelog Changelog, releases []keepachangelog.Release) ([]string, error) {
	inserted := make([]string, 0, len(releases))
	for _, release := range releases {
		identifier, err := s.idProvider.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate version id: %w", err)
		}
		version := Version{
			ID:          identifier,
			AccountID:   changelog.AccountID,
			ChangelogID: changelog.ID,
			Label:       release.Version,
			ReleaseDate: release.Date,
			Content:     release.Body,
			Reactions:   datatypes.NewJSONType(Reactions{}),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&version)
		if result.Error != nil {
			return nil, fmt.Errorf("insert version %q: %w", release.Version, result.Error)
		}
		if result.RowsAffected > 0 {
			inserted = append(inserted, release.Version)
		}
	}
	return inserted, nil
}

// releaseDelta returns the labelled releases absent from stored, in parsed
// order. Repeated labels within one document keep their first occurrence.
func releaseDelta(releases []keepachangelog.Release, stored []string) []keepachangelog.Release {
	seen := make(map[string]struct{}, len(stored)+len(releases))
	for _, label := range stored {
		seen[label] = struct{}{}
	}
	delta := make([]keepachangelog.Release, 0)
	for _, release := range releases {
		label := strings.TrimSpace(release.Version)
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		release.Version = label
		delta = append(delta, release)
	}
	return delta
}

// ScanInstallation tracks every repository reachable through the installation
// that carries the changelog file.
func (s *Service) ScanInstallation(ctx context.Context, installationID InstallationID) (ScanResult, error) {
	ctx, span := tracer.Start(ctx, opScanInstallation)
	defer span.End()
	span.SetAttributes(attribute.Int64(fieldInstallationID, installationID.Int64()))

	if s.provider == nil {
		s.logError(opScanInstallation, reasonMissingProvider, errMissingProvider)
		return ScanResult{}, newServiceError(opScanInstallation, reasonMissingProvider, errMissingProvider)
	}
	installation, err := s.lookupInstallation(ctx, opScanInstallation, installationID)
	if err != nil {
		return ScanResult{}, err
	}

	repositories, err := s.provider.ListRepositories(ctx, installationID)
	if err != nil {
		s.logError(opScanInstallation, reasonFetchFailed, err, zap.Int64(fieldInstallationID, installationID.Int64()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ScanResult{}, newServiceError(opScanInstallation, reasonFetchFailed, fmt.Errorf("%w: %w", ErrFetchFailed, err))
	}
	return s.scan(ctx, opScanInstallation, installation, repositories), nil
}

// ScanRepositories tracks the given repositories for the installation. Each
// repository is handled on its own; failures skip it without aborting the scan.
func (s *Service) ScanRepositories(ctx context.Context, installationID InstallationID, repositories []RepositoryRef) (ScanResult, error) {
	ctx, span := tracer.Start(ctx, opScanRepositories)
	defer span.End()
	span.SetAttributes(
		attribute.Int64(fieldInstallationID, installationID.Int64()),
		attribute.Int("repositories", len(repositories)),
	)

	if s.provider == nil {
		s.logError(opScanRepositories, reasonMissingProvider, errMissingProvider)
		return ScanResult{}, newServiceError(opScanRepositories, reasonMissingProvider, errMissingProvider)
	}
	installation, err := s.lookupInstallation(ctx, opScanRepositories, installationID)
	if err != nil {
		return ScanResult{}, err
	}
	return s.scan(ctx, opScanRepositories, installation, repositories), nil
}

func (s *Service) lookupInstallation(ctx context.Context, operation string, installationID InstallationID) (Installation, error) {
	if s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return Installation{}, newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	var installation Installation
	err := s.db.WithContext(ctx).
		Where(queryGitHubInstallationID, installationID.Int64()).
		Take(&installation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Installation{}, newServiceError(operation, reasonInstallationGone, ErrInstallationNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.Int64(fieldInstallationID, installationID.Int64()))
		return Installation{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return installation, nil
}

func (s *Service) scan(ctx context.Context, operation string, installation Installation, repositories []RepositoryRef) ScanResult {
	result := ScanResult{Skipped: []string{}}
	installationID := InstallationID(installation.GitHubInstallationID)
	logger := s.loggerOrDefault()

	for _, repository := range repositories {
		if err := repository.Validate(); err != nil {
			logger.Warn("skipping invalid repository", zap.String("operation", operation), zap.Error(err))
			result.Skipped = append(result.Skipped, repository.FullName())
			continue
		}
		raw, err := s.provider.FetchFile(ctx, installationID, repository, s.changelogPath)
		if errors.Is(err, ErrFileNotFound) {
			logger.Debug("repository has no changelog", zap.String(fieldRepository, repository.FullName()))
			continue
		}
		if err != nil {
			logger.Warn("changelog fetch failed during scan",
				zap.String("operation", operation),
				zap.String(fieldRepository, repository.FullName()),
				zap.Error(err))
			result.Skipped = append(result.Skipped, repository.FullName())
			continue
		}
		releases, err := s.parser.Parse(raw)
		if err != nil {
			logger.Warn("changelog parse failed during scan",
				zap.String("operation", operation),
				zap.String(fieldRepository, repository.FullName()),
				zap.Error(err))
			result.Skipped = append(result.Skipped, repository.FullName())
			continue
		}

		var existing Changelog
		err = s.db.WithContext(ctx).Where(queryOwnerName, repository.Owner, repository.Name).Take(&existing).Error
		switch {
		case err == nil:
			if existing.RepositoryID != repository.ID {
				logger.Warn("changelog name bound to another repository",
					zap.String(fieldRepository, repository.FullName()),
					zap.Int64(fieldRepositoryID, repository.ID),
					zap.Int64("stored_repository_id", existing.RepositoryID))
				result.Skipped = append(result.Skipped, repository.FullName())
				continue
			}
			synced, syncErr := s.applyReleases(ctx, operation, existing, repository, string(raw), releases)
			if syncErr != nil {
				result.Skipped = append(result.Skipped, repository.FullName())
				continue
			}
			result.SyncedChangelogs++
			result.NewVersions += synced.Count()
		case errors.Is(err, gorm.ErrRecordNotFound):
			labels, createErr := s.createChangelog(ctx, installation, repository, string(raw), releases)
			if createErr != nil {
				if !errors.Is(createErr, errChangelogExists) {
					s.logError(operation, reasonTransaction, createErr, zap.String(fieldRepository, repository.FullName()))
				}
				result.Skipped = append(result.Skipped, repository.FullName())
				continue
			}
			result.CreatedChangelogs++
			result.NewVersions += len(labels)
			s.publishRelease(ctx, repository, labels)
		default:
			s.logError(operation, reasonQueryFailed, err, zap.String(fieldRepository, repository.FullName()))
			result.Skipped = append(result.Skipped, repository.FullName())
		}
	}

	logger.Info("repository scan completed",
		zap.String("operation", operation),
		zap.Int64(fieldInstallationID, installation.GitHubInstallationID),
		zap.Int("created_changelogs", result.CreatedChangelogs),
		zap.Int("synced_changelogs", result.SyncedChangelogs),
		zap.Int("new_versions", result.NewVersions),
		zap.Strings("skipped", result.Skipped))
	return result
}

func (s *Service) createChangelog(ctx context.Context, installation Installation, repository RepositoryRef, raw string, releases []keepachangelog.Release) ([]string, error) {
	identifier, err := s.idProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate changelog id: %w", err)
	}
	changelog := Changelog{
		ID:             identifier,
		AccountID:      installation.AccountID,
		InstallationID: installation.ID,
		RepositoryID:   repository.ID,
		Owner:          repository.Owner,
		Name:           repository.Name,
		Raw:            raw,
	}

	var labels []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&changelog).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errChangelogExists
			}
			return err
		}
		inserted, err := s.insertVersions(tx, changelog, releaseDelta(releases, nil))
		if err != nil {
			return err
		}
		labels = inserted
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	s.loggerOrDefault().Info("changelog created",
		zap.String(fieldRepository, repository.FullName()),
		zap.String(fieldChangelogID, changelog.ID),
		zap.Int("versions", len(labels)))
	return labels, nil
}
