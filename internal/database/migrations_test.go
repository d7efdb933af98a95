package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/backchannel/internal/backchannel"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRunsEachMigrationOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&backchannel.Post{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	const migrationName = "2026-10-01_default_affiliation"
	runs := 0
	definitions := []migrationDefinition{{
		name: migrationName,
		apply: func(db *gorm.DB) error {
			runs++
			return db.Model(&backchannel.Post{}).
				Where("author_affiliation = ?", "").
				Update("author_affiliation", "N/A").Error
		},
	}}

	post := backchannel.Post{PostID: "post-1", LectureID: "lecture-1", AuthorName: "Anonymous", Body: "question"}
	if err := database.Create(&post).Error; err != nil {
		testContext.Fatalf("failed to insert post: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop(), definitions); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop(), definitions); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
	if runs != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", runs)
	}

	var stored backchannel.Post
	if err := database.Where("post_id = ?", post.PostID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload post: %v", err)
	}
	if stored.AuthorAffiliation != "N/A" {
		testContext.Fatalf("expected migration to update the row, got %q", stored.AuthorAffiliation)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationName).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsStopsOnFailure(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "failing.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	failure := errors.New("boom")
	definitions := []migrationDefinition{{name: "broken", apply: func(*gorm.DB) error { return failure }}}
	if err := applyMigrations(database, nil, definitions); !errors.Is(err, failure) {
		testContext.Fatalf("expected migration failure, got %v", err)
	}

	var recorded int64
	if err := database.Model(&migrationRecord{}).Count(&recorded).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if recorded != 0 {
		testContext.Fatalf("expected failed migration not to be recorded")
	}
}

func TestOpenCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")

	database, err := Open(Options{Driver: DriverSQLite, DSN: databasePath}, nil)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"backchannel_posts", "backchannel_votes", "lecture_notes", "note_collaborators", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "oracle", DSN: "x"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
