package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/default-user/mathison/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"MATHISON_ENV", "MATHISON_HTTP_ADDR", "MATHISON_LOG_LEVEL",
		"MATHISON_STORE_BACKEND", "MATHISON_STORE_PATH", "MATHISON_GENOME_PATH",
		"MATHISON_VERIFY_MANIFEST", "MATHISON_TRUST_STORE", "MATHISON_DATABASE_URL",
		"MATHISON_REQUEST_TIMEOUT_MS", "MATHISON_STAGE_TIMEOUT_MS",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, config.StoreBackendFile, cfg.StoreBackend)
	assert.True(t, cfg.VerifyManifest)
	assert.Equal(t, 30_000, cfg.RequestTimeoutMs)
	assert.Equal(t, 300_000, cfg.StageTimeoutMs)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MATHISON_ENV", "production")
	t.Setenv("MATHISON_STORE_BACKEND", "SQL")
	t.Setenv("MATHISON_VERIFY_MANIFEST", "false")
	t.Setenv("MATHISON_REQUEST_TIMEOUT_MS", "15000")

	cfg := config.Load()
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, config.StoreBackendSQL, cfg.StoreBackend)
	assert.False(t, cfg.VerifyManifest)
	assert.Equal(t, 15000, cfg.RequestTimeoutMs)
}
