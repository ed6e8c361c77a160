package database

import (
	"errors"
	"time"

	"github.com/havenworks/haven/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairRoomMemberCounts = "2026-08-10_repair_room_member_counts"

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
		{name: migrationRepairRoomMemberCounts, apply: repairRoomMemberCounts},
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

// repairRoomMemberCounts recomputes member_count from the roster for rooms
// persisted before the count column was kept in lockstep with membership
// writes.
func repairRoomMemberCounts(db *gorm.DB) error {
	return db.Model(&rooms.Room{}).
		Where("deleted_at IS NULL").
		Update("member_count", gorm.Expr(
			"(SELECT COUNT(*) FROM room_members WHERE room_members.room_id = rooms.id)")).Error
}
