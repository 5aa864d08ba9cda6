package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "postgres://localhost/coupons?sslmode=disable")
	t.Setenv("REDIS_ADDR", "localhost:6379")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, ChannelStream, cfg.Channel)
	assert.Equal(t, LockBackendRedis, cfg.LockBackend)
	assert.Equal(t, defaultLockWait, cfg.LockWait)
	assert.Equal(t, defaultLockLease, cfg.LockLease)
	assert.Equal(t, defaultShards, cfg.Stream.Shards)
	assert.Equal(t, "@every 1m", cfg.ExpirySweepSchedule)
	assert.NotEmpty(t, cfg.Stream.Consumer)
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHANNEL", "KAFKA")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("LOCK_WAIT", "0s")
	t.Setenv("LOCK_LEASE", "10")
	t.Setenv("STREAM_PENDING_MIN_IDLE", "1500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ChannelKafka, cfg.Channel)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Duration(0), cfg.LockWait)
	assert.Equal(t, 10*time.Second, cfg.LockLease)
	assert.Equal(t, 1500*time.Millisecond, cfg.Stream.PendingMinIdle)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing database", env: map[string]string{"DATABASE_URL": ""}},
		{name: "kafka without brokers", env: map[string]string{"CHANNEL": "kafka"}},
		{name: "unknown channel", env: map[string]string{"CHANNEL": "carrier-pigeon"}},
		{name: "stream without redis", env: map[string]string{"REDIS_ADDR": "", "LOCK_BACKEND": "memory"}},
		{name: "zero shards", env: map[string]string{"STREAM_SHARDS": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
