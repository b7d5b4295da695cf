package changelogs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidAccountID indicates that an account identifier is empty or exceeds storage bounds.
	ErrInvalidAccountID = errors.New("changelogs: invalid account id")
	// ErrInvalidInstallationID indicates that a provider installation identifier is not positive.
	ErrInvalidInstallationID = errors.New("changelogs: invalid installation id")
	// ErrInvalidRepository indicates that a repository reference is incomplete.
	ErrInvalidRepository = errors.New("changelogs: invalid repository")
)

// AccountID represents a validated local account identifier.
type AccountID string

// NewAccountID validates raw input and returns an AccountID.
func NewAccountID(rawInput string) (AccountID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAccountID, maxIdentifierLength)
	}
	return AccountID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AccountID) String() string {
	return string(id)
}

// InstallationID is the provider-assigned installation identifier.
type InstallationID int64

// NewInstallationID validates the value and returns an InstallationID.
func NewInstallationID(value int64) (InstallationID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidInstallationID, value)
	}
	return InstallationID(value), nil
}

// Int64 exposes the raw provider identifier.
func (id InstallationID) Int64() int64 {
	return int64(id)
}

// RepositoryRef identifies a provider repository by owner, name and immutable id.
type RepositoryRef struct {
	ID    int64
	Owner string
	Name  string
}

// Validate reports whether the reference is complete.
func (ref RepositoryRef) Validate() error {
	if ref.ID <= 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidRepository, ref.ID)
	}
	if strings.TrimSpace(ref.Owner) == "" || strings.TrimSpace(ref.Name) == "" {
		return fmt.Errorf("%w: owner and name are required", ErrInvalidRepository)
	}
	return nil
}

// FullName returns "owner/name".
func (ref RepositoryRef) FullName() string {
	return ref.Owner + "/" + ref.Name
}

// Installation binds a local account to a provider app installation.
type Installation struct {
	ID                   string    `gorm:"column:id;primaryKey;size:36;not null"`
	AccountID            string    `gorm:"column:account_id;size:190;not null;uniqueIndex:idx_installations_account_installation,priority:1"`
	GitHubInstallationID int64     `gorm:"column:github_installation_id;not null;uniqueIndex:idx_installations_github_id;uniqueIndex:idx_installations_account_installation,priority:2"`
	CreatedAt            time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Installation) TableName() string {
	return "installations"
}

// Changelog is the tracked changelog document of one repository.
type Changelog struct {
	ID             string    `gorm:"column:id;primaryKey;size:36;not null"`
	AccountID      string    `gorm:"column:account_id;size:190;not null"`
	InstallationID string    `gorm:"column:installation_id;size:36;not null;index:idx_changelogs_installation"`
	RepositoryID   int64     `gorm:"column:repository_id;not null;index:idx_changelogs_repository"`
	Owner          string    `gorm:"column:owner;size:190;not null;uniqueIndex:idx_changelogs_owner_name,priority:1"`
	Name           string    `gorm:"column:name;size:190;not null;uniqueIndex:idx_changelogs_owner_name,priority:2"`
	Description    *string   `gorm:"column:description;type:text"`
	Raw            string    `gorm:"column:raw;type:text;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Changelog) TableName() string {
	return "changelogs"
}

// Reactions maps a reaction symbol to its count.
type Reactions map[string]int

// Version is one parsed release entry of a changelog.
//
// The (changelog_id, version) unique index is created by a named migration in
// the database package so existing duplicates can be collapsed first.
type Version struct {
	ID          string                        `gorm:"column:id;primaryKey;size:36;not null"`
	AccountID   string                        `gorm:"column:account_id;size:190;not null"`
	ChangelogID string                        `gorm:"column:changelog_id;size:36;not null;index:idx_versions_changelog"`
	Label       string                        `gorm:"column:version;type:text;not null"`
	ReleaseDate *time.Time                    `gorm:"column:release_date"`
	Content     string                        `gorm:"column:content;type:text;not null"`
	Reactions   datatypes.JSONType[Reactions] `gorm:"column:reactions"`
	CreatedAt   time.Time                     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time                     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}

// Models lists every persisted type in dependency order.
func Models() []any {
	return []any{&Installation{}, &Changelog{}, &Version{}}
}
