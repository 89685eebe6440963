package database

import (
	"fmt"

	"github.com/formloom/formloom/backend/internal/forms"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&forms.Form{},
		&forms.FieldDefinition{},
		&forms.Submission{},
		&forms.Response{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenSnapshot opens a point-in-time copy of the submission store for
// use as a recovery source. The snapshot is read, never migrated. The
// returned close func releases the connection; callers must invoke it
// once the recovery pass is done.
func OpenSnapshot(path string) (*gorm.DB, func() error, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("snapshot path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, sqlDB.Close, nil
}
