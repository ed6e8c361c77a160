package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/havenworks/haven/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsMemberCounts(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&rooms.Room{}, &rooms.Membership{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Now().UTC()
	room := rooms.Room{
		ID:          "room-1",
		Name:        "quiet-harbor",
		CreatedBy:   "lighthouse",
		MemberCount: 99,
		Status:      rooms.StatusInactive,
		CreatedAt:   now,
	}
	if err := database.Create(&room).Error; err != nil {
		testContext.Fatalf("failed to insert room: %v", err)
	}
	members := []rooms.Membership{
		{RoomID: room.ID, UserPseudo: "lighthouse", JoinedAt: now, IsFounder: true, IsModerator: true},
		{RoomID: room.ID, UserPseudo: "driftwood", JoinedAt: now},
	}
	if err := database.Create(&members).Error; err != nil {
		testContext.Fatalf("failed to insert members: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored rooms.Room
	if err := database.Where("id = ?", room.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload room: %v", err)
	}
	if stored.MemberCount != 2 {
		testContext.Fatalf("expected member count 2, got %d", stored.MemberCount)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRepairRoomMemberCounts).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&rooms.Room{}, &rooms.Membership{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first application failed: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second application failed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected a single migration record, got %d", count)
	}
}
