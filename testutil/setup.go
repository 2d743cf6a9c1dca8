package testutil

import (
	"testing"
	"time"

	"github.com/kasuganosora/ephemera/cache"
	"github.com/kasuganosora/ephemera/clock"
	"github.com/kasuganosora/ephemera/config"
	dbadapter "github.com/kasuganosora/ephemera/db"
	"github.com/kasuganosora/ephemera/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Epoch is the start time of every test clock.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeSQLiteMemory,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates a LocalCache (no Redis required).
func SetupTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.CacheConfig{})
	require.NoError(t, err, "SetupTestCache: NewCache")
	return c
}

// NewClock returns a manual clock set to Epoch.
func NewClock() *clock.Manual {
	return clock.NewManual(Epoch)
}

// NopLogger returns a development logger for tests.
func NopLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// CreateUser inserts a user with the given username and a derived email.
func CreateUser(t *testing.T, db *gorm.DB, username string) *model.User {
	t.Helper()
	u := &model.User{Username: username, Email: username + "@example.com"}
	require.NoError(t, db.Create(u).Error)
	return u
}

// CreateGroup inserts a group owned by ownerID with the owner as member.
func CreateGroup(t *testing.T, db *gorm.DB, ownerID int64, name string) *model.Group {
	t.Helper()
	g := &model.Group{OwnerID: ownerID, Name: name, CreatedAt: Epoch}
	require.NoError(t, db.Create(g).Error)
	require.NoError(t, db.Create(&model.GroupMember{GroupID: g.ID, UserID: ownerID, JoinedAt: Epoch}).Error)
	return g
}

// AddMember inserts a group membership.
func AddMember(t *testing.T, db *gorm.DB, groupID, userID int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.GroupMember{GroupID: groupID, UserID: userID, JoinedAt: Epoch}).Error)
}

// CreatePost inserts a post created at createdAt.
func CreatePost(t *testing.T, db *gorm.DB, ownerID int64, createdAt time.Time) *model.Post {
	t.Helper()
	p := &model.Post{OwnerID: ownerID, Body: "post", CreatedAt: createdAt}
	require.NoError(t, db.Create(p).Error)
	require.NoError(t, db.Create(&model.PostMetric{PostID: p.ID}).Error)
	return p
}
