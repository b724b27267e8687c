package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"github.com/PhilippMayorov/insiderTracker/internal/config"
)

func TestWithTimezone(t *testing.T) {
	cases := []struct {
		name string
		dsn  string
		tz   string
		want string
	}{
		{"empty keeps dsn", "host=db user=app", "", "host=db user=app"},
		{"keyword dsn", "host=db user=app", "Europe/Berlin", "host=db user=app TimeZone=Europe/Berlin"},
		{"url dsn", "postgres://app@db:5432/insider?sslmode=disable", "UTC", "postgres://app@db:5432/insider?TimeZone=UTC&sslmode=disable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := withTimezone(tc.dsn, tc.tz)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestWithTimezoneRejectsUnknownLocation(t *testing.T) {
	for _, tz := range []string{"Mars/Olympus", "UTC'; DROP TABLE alerts; --"} {
		_, err := withTimezone("host=db", tz)
		require.ErrorContains(t, err, "db.timezone", tz)
	}
}

func TestOpenRejectsBadTimezoneBeforeConnecting(t *testing.T) {
	_, err := Open(config.DBConfig{DSN: "host=127.0.0.1 port=1", Timezone: "Nowhere/City"}, nil)
	require.ErrorContains(t, err, "db.timezone")
}

func TestParseLogLevel(t *testing.T) {
	level, err := parseLogLevel("")
	require.NoError(t, err)
	require.Equal(t, gormlogger.Silent, level)

	level, err = parseLogLevel("WARN")
	require.NoError(t, err)
	require.Equal(t, gormlogger.Warn, level)

	_, err = parseLogLevel("trace")
	require.ErrorContains(t, err, "db.log_level")
}

func TestPingWithoutDatabase(t *testing.T) {
	require.Error(t, Ping(context.Background(), nil))
}
