package database

import (
	"fmt"
	"sync"

	"github.com/muainishi/platform/pkg/common/config"
	"github.com/muainishi/platform/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	db   *gorm.DB
	dbMu sync.Mutex
)

// PostgresDSN builds the keyword/value connection string gorm's postgres driver expects.
func PostgresDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresPort,
		cfg.PostgresSSLMode,
	)
}

// GetPostgres returns the shared connection. Only a successful open is cached, so
// callers may retry while the database starts.
func GetPostgres(cfg *config.Config) (*gorm.DB, error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	if db != nil {
		return db, nil
	}

	conn, err := gorm.Open(postgres.Open(PostgresDSN(cfg)), &gorm.Config{})
	if err != nil {
		logger.Log.WithError(err).Error("Failed to connect to PostgreSQL")
		return nil, err
	}

	logger.Log.WithFields(map[string]interface{}{
		"host": cfg.PostgresHost,
		"db":   cfg.PostgresDB,
	}).Info("Connected to PostgreSQL")

	db = conn
	return db, nil
}

func ClosePostgres() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
