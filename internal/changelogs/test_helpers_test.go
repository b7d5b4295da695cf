package changelogs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/keepachangelog"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/notify"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%03d", g.prefix, g.next), nil
}

type fakeProvider struct {
	mu           sync.Mutex
	files        map[string]string
	failures     map[string]error
	repositories []RepositoryRef
	listErr      error
	fetchCalls   int
	forgotten    []InstallationID
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		files:    make(map[string]string),
		failures: make(map[string]error),
	}
}

func (p *fakeProvider) FetchFile(_ context.Context, _ InstallationID, repository RepositoryRef, _ string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if err, ok := p.failures[repository.FullName()]; ok {
		return nil, err
	}
	content, ok := p.files[repository.FullName()]
	if !ok {
		return nil, ErrFileNotFound
	}
	return []byte(content), nil
}

func (p *fakeProvider) ListRepositories(context.Context, InstallationID) ([]RepositoryRef, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.repositories, nil
}

func (p *fakeProvider) Forget(installationID InstallationID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, installationID)
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls
}

type stubParser struct {
	releases []keepachangelog.Release
	err      error
}

func (p stubParser) Parse([]byte) ([]keepachangelog.Release, error) {
	return p.releases, p.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []notify.ReleaseMessage
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, message notify.ReleaseMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return p.err
}

func (p *recordingPublisher) published() []notify.ReleaseMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.ReleaseMessage(nil), p.messages...)
}

type testFixture struct {
	service   *Service
	db        *gorm.DB
	provider  *fakeProvider
	publisher *recordingPublisher
}

func newTestFixture(t *testing.T, parser ReleaseParser) testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:logbook_changelogs_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	provider := newFakeProvider()
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Provider:   provider,
		Parser:     parser,
		Publisher:  publisher,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequentialIDGenerator{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to construct changelogs service: %v", err)
	}
	return testFixture{service: service, db: db, provider: provider, publisher: publisher}
}

func mustAccountID(t *testing.T, value string) AccountID {
	t.Helper()
	id, err := NewAccountID(value)
	if err != nil {
		t.Fatalf("unexpected account id error: %v", err)
	}
	return id
}

func mustInstallationID(t *testing.T, value int64) InstallationID {
	t.Helper()
	id, err := NewInstallationID(value)
	if err != nil {
		t.Fatalf("unexpected installation id error: %v", err)
	}
	return id
}

func mustInstall(t *testing.T, service *Service, accountID string, installationID int64) Installation {
	t.Helper()
	installation, err := service.Install(context.Background(), mustAccountID(t, accountID), mustInstallationID(t, installationID))
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	return installation
}

func seedChangelog(t *testing.T, db *gorm.DB, installation Installation, repository RepositoryRef, raw string) Changelog {
	t.Helper()
	changelog := Changelog{
		ID:             fmt.Sprintf("changelog-%d", repository.ID),
		AccountID:      installation.AccountID,
		InstallationID: installation.ID,
		RepositoryID:   repository.ID,
		Owner:          repository.Owner,
		Name:           repository.Name,
		Raw:            raw,
	}
	if err := db.Create(&changelog).Error; err != nil {
		t.Fatalf("failed to seed changelog: %v", err)
	}
	return changelog
}

func seedVersions(t *testing.T, db *gorm.DB, changelog Changelog, labels ...string) {
	t.Helper()
	for _, label := range labels {
		version := Version{
			ID:          fmt.Sprintf("%s-%s", changelog.ID, label),
			AccountID:   changelog.AccountID,
			ChangelogID: changelog.ID,
			Label:       label,
			Content:     "## " + label,
			Reactions:   datatypes.NewJSONType(Reactions{}),
		}
		if err := db.Create(&version).Error; err != nil {
			t.Fatalf("failed to seed version %s: %v", label, err)
		}
	}
}

func storedLabels(t *testing.T, db *gorm.DB, changelogID string) []string {
	t.Helper()
	var labels []string
	if err := db.Model(&Version{}).Where(queryChangelogID, changelogID).Order("version").Pluck("version", &labels).Error; err != nil {
		t.Fatalf("failed to load labels: %v", err)
	}
	return labels
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var count int64
	statement := db.Model(model)
	if query != "" {
		statement = statement.Where(query, args...)
	}
	if err := statement.Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func assertServiceError(t *testing.T, err error, target error, code string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T", err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}
