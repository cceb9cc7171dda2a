package database

import (
	"context"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/browserpilot/backend/internal/audit"
	"github.com/browserpilot/backend/internal/logger"
	"github.com/browserpilot/backend/internal/models"
)

func Connect(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Connection pool settings
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	logger.Get().Info().Msg("database connected")
	return db, nil
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.BrowserSession{},
		&models.SitePermission{},
		&models.BrowserTask{},
		&models.BrowserWorkflow{},
		&audit.AuditLog{},
	)
	if err != nil {
		return err
	}

	// One active session per user. AutoMigrate cannot express a partial
	// unique index, so it is created directly; concurrent session creates
	// race safely on this.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_session_per_user
		ON browser_sessions (user_id)
		WHERE status = 'active'
	`).Error; err != nil {
		return err
	}

	logger.Get().Info().Msg("migrations completed")
	return nil
}

func ConnectRedis(redisURL string) *redis.Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Get().Warn().Err(err).Msg("invalid redis URL, using default")
		opt = &redis.Options{
			Addr: "localhost:6379",
		}
	}

	client := redis.NewClient(opt)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Get().Warn().Err(err).Msg("redis connection failed")
	} else {
		logger.Get().Info().Msg("redis connected")
	}

	return client
}
