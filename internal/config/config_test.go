package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret, "AUTH_SECRET must stay empty when unset")
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ALLOW_NEGATIVE_STOCK", "LOW_STOCK_THRESHOLD", "KAFKA_BROKERS", "DB_MAX_CONNS", "ACCESS_TOKEN_TTL_MINUTES"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Address())
	assert.True(t, cfg.AllowNegativeStock)
	assert.Equal(t, 5, cfg.LowStockThreshold)
	assert.Nil(t, cfg.KafkaBrokers)
	assert.Equal(t, 10, cfg.DBMaxConns)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOW_NEGATIVE_STOCK", "false")
	t.Setenv("LOW_STOCK_THRESHOLD", "12")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("DB_AUTO_MIGRATE", "true")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.Address())
	assert.False(t, cfg.AllowNegativeStock)
	assert.Equal(t, 12, cfg.LowStockThreshold)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.DBAutoMigrate)
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("DB_MAX_CONNS", "lots")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-3")
	t.Setenv("LOW_STOCK_THRESHOLD", "-1")

	cfg := Load()
	assert.Equal(t, 10, cfg.DBMaxConns)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
	assert.Equal(t, 5, cfg.LowStockThreshold)
}
