package database

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetry_SucceedsMidway(t *testing.T) {
	calls := 0
	err := retry(5, time.Millisecond, zap.NewNop(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NoSleepAfterFinalAttempt(t *testing.T) {
	const delay = 50 * time.Millisecond
	boom := errors.New("connection refused")

	calls := 0
	start := time.Now()
	err := retry(3, delay, zap.NewNop(), func() error {
		calls++
		return boom
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	// Two sleeps between three attempts; a trailing sleep would push
	// this past 3x delay.
	assert.Less(t, elapsed, 3*delay)
	assert.GreaterOrEqual(t, elapsed, 2*delay)
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		Host: "dbhost", Port: "5433", User: "svc", Password: "secret",
		DBName: "eventledger", SSLMode: "require",
	}
	assert.Equal(t,
		"host=dbhost port=5433 user=svc password=secret dbname=eventledger sslmode=require",
		cfg.DSN())
}
