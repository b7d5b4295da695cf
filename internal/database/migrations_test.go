package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openBareSQLite(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	return database
}

func TestApplyMigrationsCollapsesDuplicateVersions(testContext *testing.T) {
	database := openBareSQLite(testContext)
	models := append(changelogs.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	duplicates := []changelogs.Version{
		{ID: "0001", AccountID: "account-1", ChangelogID: "changelog-1", Label: "1.0.0", Content: "first"},
		{ID: "0002", AccountID: "account-1", ChangelogID: "changelog-1", Label: "1.0.0", Content: "second"},
		{ID: "0003", AccountID: "account-1", ChangelogID: "changelog-1", Label: "1.1.0", Content: "other"},
		{ID: "0004", AccountID: "account-1", ChangelogID: "changelog-2", Label: "1.0.0", Content: "other changelog"},
	}
	if err := database.Create(&duplicates).Error; err != nil {
		testContext.Fatalf("failed to seed versions: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []string
	if err := database.Model(&changelogs.Version{}).Order("id").Pluck("id", &remaining).Error; err != nil {
		testContext.Fatalf("failed to list versions: %v", err)
	}
	if fmt.Sprint(remaining) != "[0001 0003 0004]" {
		testContext.Fatalf("unexpected surviving versions: %v", remaining)
	}

	duplicate := changelogs.Version{ID: "0005", AccountID: "account-1", ChangelogID: "changelog-1", Label: "1.1.0", Content: "again"}
	err := database.Create(&duplicate).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		testContext.Fatalf("expected unique index to reject duplicate label, got %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationUniqueVersionLabels).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openBareSQLite(testContext)
	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first migrate failed: %v", err)
	}
	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second migrate failed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "logbook.db")
	database, err := Open(Config{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"installations", "changelogs", "versions", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if !database.Migrator().HasIndex(&changelogs.Version{}, "idx_versions_changelog_label") {
		testContext.Fatalf("expected unique version index")
	}
}

func TestOpenRejectsInvalidConfig(testContext *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing sqlite path", cfg: Config{Driver: DriverSQLite}},
		{name: "missing postgres dsn", cfg: Config{Driver: DriverPostgres}},
		{name: "unknown driver", cfg: Config{Driver: "oracle", Path: "x.db"}},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			if _, err := Open(testCase.cfg, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestOpenPostgres(testContext *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		testContext.Skip("TEST_POSTGRES_DSN not set")
	}
	database, err := Open(Config{Driver: DriverPostgres, DSN: dsn}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open postgres: %v", err)
	}
	if !database.Migrator().HasIndex(&changelogs.Version{}, "idx_versions_changelog_label") {
		testContext.Fatalf("expected unique version index")
	}
}
