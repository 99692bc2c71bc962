package database

import (
	"github.com/loyalex/market-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection.
// The path is passed straight to the sqlite driver, so busy-timeout and
// journal options can be supplied as DSN parameters.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Order{},
		&types.Balance{},
		&types.Trade{},
		&types.Transaction{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
