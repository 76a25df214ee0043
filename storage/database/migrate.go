package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"LeadFlow/internal/model"
	"LeadFlow/pkg/logger"
)

// Models 所有需要迁移的表
func Models() []interface{} {
	return []interface{}{
		&model.User{},
		&model.Campaign{},
		&model.Lead{},
		&model.OutboundMessage{},
		&model.CadenceConfig{},
		&model.SendCheckpoint{},
		&model.CreditTransaction{},
	}
}

// Migrate 运行数据库迁移，创建所有表
func Migrate(db *gorm.DB) error {
	if db == nil {
		return gorm.ErrInvalidDB
	}

	logger.Logger.Info("Starting database migration...")

	if err := db.AutoMigrate(Models()...); err != nil {
		logger.Logger.Error("Database migration failed", zap.Error(err))
		return err
	}

	logger.Logger.Info("Database migration completed successfully")
	return nil
}
