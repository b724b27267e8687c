package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/PhilippMayorov/insiderTracker/internal/config"
)

type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

// Open connects to Postgres. The configured timezone becomes a connection runtime
// parameter so every pooled connection uses it; gorm's own logging goes through log.
func Open(cfg config.DBConfig, log *zap.Logger) (*DB, error) {
	dsn, err := withTimezone(cfg.DSN, cfg.Timezone)
	if err != nil {
		return nil, err
	}
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	gcfg := &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(log.Named("gorm")), gormlogger.Config{
			SlowThreshold:             cfg.SlowQuery,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		}),
		TranslateError: true,
	}

	gdb, err := gorm.Open(postgres.Open(dsn), gcfg)
	if err != nil {
		return nil, err
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{Gorm: gdb, SQL: sqldb}, nil
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

// Ping backs the readiness check.
func Ping(ctx context.Context, db *DB) error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("database not configured")
	}
	return db.SQL.PingContext(ctx)
}

// withTimezone adds tz to dsn as the TimeZone runtime parameter. Both URL and
// keyword/value DSNs are accepted; tz must be a known IANA location.
func withTimezone(dsn, tz string) (string, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return dsn, nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("db.timezone %q: %w", tz, err)
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("db.dsn: %w", err)
		}
		q := u.Query()
		q.Set("TimeZone", tz)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return strings.TrimSpace(dsn + " TimeZone=" + tz), nil
}

func parseLogLevel(raw string) (gormlogger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "silent":
		return gormlogger.Silent, nil
	case "error":
		return gormlogger.Error, nil
	case "warn":
		return gormlogger.Warn, nil
	case "info":
		return gormlogger.Info, nil
	default:
		return 0, fmt.Errorf("db.log_level %q: want silent, error, warn or info", raw)
	}
}
