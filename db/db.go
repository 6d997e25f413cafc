package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/paygridlabs/paygrid/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func NewDB(uri string, logDBQueries bool) (*gorm.DB, error) {
	isSqlite := !strings.HasPrefix(uri, "postgres://") && !strings.HasPrefix(uri, "postgresql://")
	if !isSqlite {
		return nil, fmt.Errorf("unsupported database uri: %s", uri)
	}

	// sqlite pragmas to reduce lock contention between the listener
	// workers and the http handlers
	if !strings.Contains(uri, "?") {
		uri = uri + "?"
	} else {
		uri = uri + "&"
	}
	uri = uri + "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON&_txlock=immediate"

	gormLogLevel := gormlogger.Silent
	if logDBQueries {
		gormLogLevel = gormlogger.Info
	}

	gormDB, err := gorm.Open(sqlite.Open(uri), &gorm.Config{
		Logger: gormlogger.New(
			&gormLogWriter{},
			gormlogger.Config{
				SlowThreshold: time.Second,
				LogLevel:      gormLogLevel,
				Colorful:      false,
			},
		),
	})
	if err != nil {
		return nil, err
	}

	err = gormDB.Exec("PRAGMA auto_vacuum = FULL", nil).Error
	if err != nil {
		return nil, err
	}

	return gormDB, nil
}

func Stop(gormDB *gorm.DB) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func IsPostgres(gormDB *gorm.DB) bool {
	return gormDB.Dialector.Name() == "postgres"
}

type gormLogWriter struct{}

func (w *gormLogWriter) Printf(format string, args ...interface{}) {
	logger.Logger.Debug().Msgf(format, args...)
}
