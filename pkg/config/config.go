// Package config loads Mathison's process configuration from environment
// variables with explicit, hardcoded defaults — no reflection-based env
// binding, matching the donor's straight-line Load() style.
package config

import (
	"os"
	"strconv"
)

// StoreBackend selects the persistence backend for receipts, checkpoints,
// and beams (spec §6: MATHISON_STORE_BACKEND).
type StoreBackend string

const (
	StoreBackendFile StoreBackend = "FILE"
	StoreBackendSQL  StoreBackend = "SQL"
)

// Config holds process-wide configuration resolved at boot.
type Config struct {
	Env                string
	HTTPAddr           string
	LogLevel           string
	StoreBackend       StoreBackend
	StorePath          string
	GenomePath         string
	TreatyPath         string
	AdapterConfigPath  string
	VerifyManifest     bool
	TrustStoreJSON     string
	DatabaseURL        string
	RequestTimeoutMs   int
	StageTimeoutMs     int
	BeamPassphrase     string
	CheckpointPath     string

	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64
	OTelInsecure   bool
}

// Load reads configuration from the environment, applying the same
// precedence spec §4.2 requires for prerequisite paths: environment
// override > hardcoded default. Config itself carries no config-file
// layer; a config-file artifact, if present, is verified and merged by the
// Prerequisite Sequencer before Load's defaults are consulted.
func Load() *Config {
	return &Config{
		Env:              getEnv("MATHISON_ENV", "development"),
		HTTPAddr:         getEnv("MATHISON_HTTP_ADDR", ":8080"),
		LogLevel:         getEnv("MATHISON_LOG_LEVEL", "INFO"),
		StoreBackend:     StoreBackend(getEnv("MATHISON_STORE_BACKEND", string(StoreBackendFile))),
		StorePath:        getEnv("MATHISON_STORE_PATH", "./data"),
		GenomePath:        getEnv("MATHISON_GENOME_PATH", "./data/genome.json"),
		TreatyPath:        getEnv("MATHISON_TREATY_PATH", "./docs/tiriti.md"),
		AdapterConfigPath: getEnv("MATHISON_ADAPTER_PATH", "./data/adapter.json"),
		VerifyManifest:   getEnvBool("MATHISON_VERIFY_MANIFEST", true),
		TrustStoreJSON:   getEnv("MATHISON_TRUST_STORE", ""),
		DatabaseURL:      getEnv("MATHISON_DATABASE_URL", ""),
		RequestTimeoutMs: getEnvInt("MATHISON_REQUEST_TIMEOUT_MS", 30_000),
		StageTimeoutMs:   getEnvInt("MATHISON_STAGE_TIMEOUT_MS", 5*60_000),
		BeamPassphrase:   getEnv("MATHISON_BEAM_PASSPHRASE", ""),
		CheckpointPath:   getEnv("MATHISON_CHECKPOINT_PATH", "./data/checkpoints"),

		OTelEnabled:    getEnvBool("MATHISON_OTEL_ENABLED", false),
		OTelEndpoint:   getEnv("MATHISON_OTEL_ENDPOINT", "localhost:4317"),
		OTelSampleRate: getEnvFloat("MATHISON_OTEL_SAMPLE_RATE", 1.0),
		OTelInsecure:   getEnvBool("MATHISON_OTEL_INSECURE", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
