package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillInviteSelfEdges = "2026-07-08_backfill_invite_self_edges"

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
		{name: migrationBackfillInviteSelfEdges, apply: backfillInviteSelfEdges},
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

// backfillInviteSelfEdges repairs the closure invariant for invites created before
// self edges were written on creation: every invite gets its depth-0 row.
func backfillInviteSelfEdges(db *gorm.DB) error {
	const insertMissingSelfEdges = `
		INSERT INTO invite_closure_edges (ancestor_invite_id, descendant_invite_id, depth)
		SELECT id, id, 0 FROM page_invites
		WHERE id NOT IN (
			SELECT descendant_invite_id FROM invite_closure_edges WHERE depth = 0
		);`
	return db.Exec(insertMissingSelfEdges).Error
}
