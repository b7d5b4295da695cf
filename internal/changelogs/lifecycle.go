package changelogs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryGitHubInstallationID = "github_installation_id = ?"
	queryInstallationID       = "installation_id = ?"
	queryID                   = "id = ?"
	queryIDIn                 = "id IN ?"
	queryChangelogIDIn        = "changelog_id IN ?"
)

// CleanupResult summarizes a cascading delete.
type CleanupResult struct {
	InstallationFound bool
	DeletedChangelogs int64
	DeletedVersions   int64
}

// cascadeStep deletes the rows of one table. Steps run in slice order.
type cascadeStep struct {
	table string
	model any
	query string
	args  []any
}

// cascadePlan lists deletions children first.
type cascadePlan []cascadeStep

func (plan cascadePlan) execute(transaction *gorm.DB) (map[string]int64, error) {
	deleted := make(map[string]int64, len(plan))
	for _, step := range plan {
		result := transaction.Where(step.query, step.args...).Delete(step.model)
		if result.Error != nil {
			return nil, fmt.Errorf("delete %s: %w", step.table, result.Error)
		}
		deleted[step.table] += result.RowsAffected
	}
	return deleted, nil
}

func changelogCascade(changelogIDs []string) cascadePlan {
	if len(changelogIDs) == 0 {
		return nil
	}
	return cascadePlan{
		{table: "versions", model: &Version{}, query: queryChangelogIDIn, args: []any{changelogIDs}},
		{table: "changelogs", model: &Changelog{}, query: queryIDIn, args: []any{changelogIDs}},
	}
}

// Install records a new installation for the account.
//
// Duplicate provider identifiers or duplicate (account, installation) pairs
// fail with ErrConflict; the caller decides whether a replay is benign.
func (s *Service) Install(ctx context.Context, accountID AccountID, installationID InstallationID) (Installation, error) {
	if s.db == nil {
		s.logError(opInstall, reasonMissingDatabase, errMissingDatabase)
		return Installation{}, newServiceError(opInstall, reasonMissingDatabase, errMissingDatabase)
	}
	if accountID == "" {
		return Installation{}, newServiceError(opInstall, reasonInvalidInput, ErrInvalidAccountID)
	}
	if installationID <= 0 {
		return Installation{}, newServiceError(opInstall, reasonInvalidInput, ErrInvalidInstallationID)
	}

	identifier, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInstall, reasonIDGeneration, err)
		return Installation{}, newServiceError(opInstall, reasonIDGeneration, err)
	}
	record := Installation{
		ID:                   identifier,
		AccountID:            accountID.String(),
		GitHubInstallationID: installationID.Int64(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existingCount int64
		if err := tx.Model(&Installation{}).
			Where(queryGitHubInstallationID, installationID.Int64()).
			Count(&existingCount).Error; err != nil {
			return newServiceError(opInstall, reasonQueryFailed, err)
		}
		if existingCount > 0 {
			return newServiceError(opInstall, reasonConflict, ErrConflict)
		}
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opInstall, reasonConflict, ErrConflict)
			}
			return newServiceError(opInstall, reasonTransaction, err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrConflict) {
			s.logError(opInstall, reasonTransaction, txErr,
				zap.String(fieldAccountID, accountID.String()),
				zap.Int64(fieldInstallationID, installationID.Int64()))
		}
		return Installation{}, txErr
	}

	s.loggerOrDefault().Info("installation recorded",
		zap.String(fieldAccountID, accountID.String()),
		zap.Int64(fieldInstallationID, installationID.Int64()))
	return record, nil
}

// credentialForgetter is implemented by providers that cache per-installation
// credentials.
type credentialForgetter interface {
	Forget(installationID InstallationID)
}

// Uninstall deletes the installation with every changelog and version under it.
// An unknown installation is a successful no-op.
func (s *Service) Uninstall(ctx context.Context, installationID InstallationID) (CleanupResult, error) {
	if s.db == nil {
		s.logError(opUninstall, reasonMissingDatabase, errMissingDatabase)
		return CleanupResult{}, newServiceError(opUninstall, reasonMissingDatabase, errMissingDatabase)
	}

	result := CleanupResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		installation, found, err := findInstallation(tx, installationID)
		if err != nil {
			return newServiceError(opUninstall, reasonQueryFailed, err)
		}
		if !found {
			return nil
		}
		result.InstallationFound = true

		var changelogIDs []string
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Model(&Changelog{}).
			Where(queryInstallationID, installation.ID).
			Pluck("id", &changelogIDs).Error; err != nil {
			return newServiceError(opUninstall, reasonQueryFailed, err)
		}

		plan := append(changelogCascade(changelogIDs), cascadeStep{
			table: "installations",
			model: &Installation{},
			query: queryID,
			args:  []any{installation.ID},
		})
		deleted, err := plan.execute(tx)
		if err != nil {
			return newServiceError(opUninstall, reasonTransaction, err)
		}
		result.DeletedChangelogs = deleted["changelogs"]
		result.DeletedVersions = deleted["versions"]
		return nil
	})
	if txErr != nil {
		s.logError(opUninstall, reasonTransaction, txErr, zap.Int64(fieldInstallationID, installationID.Int64()))
		return CleanupResult{}, txErr
	}
	if forgetter, ok := s.provider.(credentialForgetter); ok {
		forgetter.Forget(installationID)
	}

	s.loggerOrDefault().Info("installation cleanup completed",
		zap.Int64(fieldInstallationID, installationID.Int64()),
		zap.Bool("installation_found", result.InstallationFound),
		zap.Int64("deleted_changelogs", result.DeletedChangelogs),
		zap.Int64("deleted_versions", result.DeletedVersions))
	return result, nil
}

// RemoveRepositories deletes the changelogs (and their versions) of the given
// repositories under one installation. Other changelogs are untouched.
func (s *Service) RemoveRepositories(ctx context.Context, installationID InstallationID, repositoryIDs []int64) (CleanupResult, error) {
	if s.db == nil {
		s.logError(opRemoveRepositories, reasonMissingDatabase, errMissingDatabase)
		return CleanupResult{}, newServiceError(opRemoveRepositories, reasonMissingDatabase, errMissingDatabase)
	}

	result := CleanupResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		installation, found, err := findInstallation(tx, installationID)
		if err != nil {
			return newServiceError(opRemoveRepositories, reasonQueryFailed, err)
		}
		if !found {
			return nil
		}
		result.InstallationFound = true
		if len(repositoryIDs) == 0 {
			return nil
		}

		var changelogIDs []string
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Model(&Changelog{}).
			Where(queryInstallationID+" AND repository_id IN ?", installation.ID, repositoryIDs).
			Pluck("id", &changelogIDs).Error; err != nil {
			return newServiceError(opRemoveRepositories, reasonQueryFailed, err)
		}

		deleted, err := changelogCascade(changelogIDs).execute(tx)
		if err != nil {
			return newServiceError(opRemoveRepositories, reasonTransaction, err)
		}
		result.DeletedChangelogs = deleted["changelogs"]
		result.DeletedVersions = deleted["versions"]
		return nil
	})
	if txErr != nil {
		s.logError(opRemoveRepositories, reasonTransaction, txErr, zap.Int64(fieldInstallationID, installationID.Int64()))
		return CleanupResult{}, txErr
	}

	s.loggerOrDefault().Info("repository removal cleanup completed",
		zap.Int64(fieldInstallationID, installationID.Int64()),
		zap.Int64s("repository_ids", repositoryIDs),
		zap.Int64("deleted_changelogs", result.DeletedChangelogs),
		zap.Int64("deleted_versions", result.DeletedVersions))
	return result, nil
}

func findInstallation(tx *gorm.DB, installationID InstallationID) (Installation, bool, error) {
	var installation Installation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryGitHubInstallationID, installationID.Int64()).
		Take(&installation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Installation{}, false, nil
	}
	if err != nil {
		return Installation{}, false, err
	}
	return installation, true, nil
}
