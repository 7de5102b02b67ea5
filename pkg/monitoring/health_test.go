package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthManager_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hm := NewHealthManager("scribe-test", "1.0.0")
	hm.RegisterChecker("redis", NewRedisHealthChecker(client))

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusHealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "redis", report.Checks[0].Name)

	mr.Close()
	report = hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
}

func TestHealthManager_Database(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	hm := NewHealthManager("scribe-test", "1.0.0")
	hm.RegisterChecker("database", NewDatabaseHealthChecker(db))

	assert.Equal(t, HealthStatusHealthy, hm.CheckHealth(context.Background()).Status)
	assert.Equal(t, HealthStatusUnhealthy, hm.CheckHealth(context.Background()).Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthManager_OptionalDependencyDegrades(t *testing.T) {
	hm := NewHealthManager("scribe-test", "1.0.0")
	hm.RegisterChecker("store", NewPingHealthChecker(pingFunc(func(context.Context) error { return nil }), false))
	hm.RegisterChecker("model", NewPingHealthChecker(pingFunc(func(context.Context) error {
		return errors.New("model endpoint unreachable")
	}), true))

	report := hm.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusDegraded, report.Status)
	assert.Equal(t, "model", report.Checks[0].Name)
	assert.Equal(t, "store", report.Checks[1].Name)
	assert.Equal(t, 1, report.Summary[string(HealthStatusDegraded)])

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthManager_UnhealthyReturns503(t *testing.T) {
	hm := NewHealthManager("scribe-test", "1.0.0")
	hm.RegisterChecker("store", NewCustomHealthChecker(func(context.Context) HealthCheck {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "down"}
	}))

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Equal(t, "scribe-test", report.Service)
}

func TestHealthManager_SetTimeoutBoundsChecks(t *testing.T) {
	hm := NewHealthManager("scribe-test", "1.0.0")
	hm.SetTimeout(20 * time.Millisecond)
	hm.RegisterChecker("model", NewCustomHealthChecker(func(ctx context.Context) HealthCheck {
		select {
		case <-ctx.Done():
			return HealthCheck{Status: HealthStatusUnhealthy, Message: ctx.Err().Error()}
		case <-time.After(5 * time.Second):
			return HealthCheck{Status: HealthStatusHealthy}
		}
	}))

	start := time.Now()
	report := hm.CheckHealth(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks[0].Message)
}
