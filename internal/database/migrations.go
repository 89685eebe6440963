package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillResponseSnapshots = "2026-04-18_backfill_response_snapshots"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillResponseSnapshots, apply: backfillResponseSnapshots},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillResponseSnapshots fills missing label/kind snapshots on
// legacy responses from the still-linked field row. Responses whose
// field is already gone stay as they are; their snapshot is all that
// remains of the question.
func backfillResponseSnapshots(db *gorm.DB) error {
	updateLabels := `
		UPDATE form_responses
		SET label_snapshot = (
			SELECT label FROM form_fields
			WHERE form_fields.field_id = form_responses.field_id
		)
		WHERE (label_snapshot IS NULL OR label_snapshot = '')
			AND field_id IS NOT NULL
			AND EXISTS (
				SELECT 1 FROM form_fields
				WHERE form_fields.field_id = form_responses.field_id
			);`
	if err := db.Exec(updateLabels).Error; err != nil {
		return err
	}

	updateKinds := `
		UPDATE form_responses
		SET kind_snapshot = (
			SELECT kind FROM form_fields
			WHERE form_fields.field_id = form_responses.field_id
		)
		WHERE (kind_snapshot IS NULL OR kind_snapshot = '')
			AND field_id IS NOT NULL
			AND EXISTS (
				SELECT 1 FROM form_fields
				WHERE form_fields.field_id = form_responses.field_id
			);`
	return db.Exec(updateKinds).Error
}
