package db

import (
	"time"

	"carechat/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect 打开 Postgres 连接，按指数退避最多尝试 attempts 次，等待容器就绪。
// TranslateError 打开后唯一约束冲突会变成 gorm.ErrDuplicatedKey，业务层依赖它判重。
func Connect(dsn string, attempts int) (*gorm.DB, error) {
	var gdb *gorm.DB
	open := func() error {
		g, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return err
		}
		sqlDB, err := g.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
		gdb = g
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 3 * time.Second
	retries := uint64(max(attempts-1, 0))
	err := backoff.RetryNotify(open, backoff.WithMaxRetries(b, retries), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("postgres not ready")
	})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate 自动迁移消息子系统涉及的全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.Message{},
		&models.MessageAttachment{},
		&models.MessageReaction{},
		&models.MessageReadReceipt{},
	)
}
