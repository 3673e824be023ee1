package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PROVIDER_WEBHOOK_SECRET", "whsec")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, int64(500), cfg.Fees.PlatformFeeBps)
	assert.Equal(t, int64(200), cfg.Fees.CashbackBps)
	assert.Equal(t, "platform", cfg.PlatformAccount)
	assert.Equal(t, "BRL", cfg.Currency)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PROVIDER_TIMEOUT", "2s")
	t.Setenv("PLATFORM_FEE_BPS", "750")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, int64(750), cfg.Fees.PlatformFeeBps)
	assert.Equal(t, "postgres:postgres@tcp(db:3306)/wallet?charset=utf8mb4&parseTime=True&loc=UTC", cfg.Database.DSN())
}

func TestLoad_InvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_MAX_CONNS", "lots")
	t.Setenv("PROVIDER_TIMEOUT", "soon")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_MAX_CONNS")
	assert.Contains(t, err.Error(), "PROVIDER_TIMEOUT")
}

func TestValidate(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "sqlite")

	_, err := Load()
	assert.ErrorContains(t, err, "DB_DRIVER")

	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "")
	_, err = Load()
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{Driver: "postgres", User: "u", Password: "p", Host: "h", Port: "5432", Name: "n", SSLMode: "disable"}

	assert.Equal(t, "postgres://u:p@h:5432/n?sslmode=disable", d.DSN())
}

func TestProviderClientKey(t *testing.T) {
	setRequired(t)
	t.Setenv("PROVIDER_PUBLIC_KEY", "pk_test_123")
	t.Setenv("MIDTRANS_CLIENT_KEY", "SB-Mid-client-abc")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pk_test_123", cfg.Provider.ClientKey())

	cfg.Provider.Name = "midtrans"
	assert.Equal(t, "SB-Mid-client-abc", cfg.Provider.ClientKey())
}
