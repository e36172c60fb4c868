package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadConfigMergesEnvironmentOverlay(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${DB_PASSWORD}
server:
  port: "8080"
`)
	writeConfig(t, dir, "staging.yaml", `
db:
  host: db.internal
`)
	writeConfig(t, dir, "secrets.env", "DB_PASSWORD=hunter2\n")

	cfgMap, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	var out struct {
		DB     DBConfig     `yaml:"db"`
		Server ServerConfig `yaml:"server"`
	}
	require.NoError(t, Decode(cfgMap, &out))
	assert.Equal(t, "db.internal", out.DB.Host)
	assert.Equal(t, 5432, out.DB.Port, "keys absent from the overlay keep base values")
	assert.Equal(t, "hunter2", out.DB.Password)
	assert.Equal(t, "8080", out.Server.Port)
}

func TestLoadConfigMissingOverlayIsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "server:\n  port: \"9000\"\n")

	cfgMap, err := LoadConfig("nowhere", dir)
	require.NoError(t, err)

	var out struct {
		Server ServerConfig `yaml:"server"`
	}
	require.NoError(t, Decode(cfgMap, &out))
	assert.Equal(t, "9000", out.Server.Port)
}

func TestLoadConfigRequiresBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("MQ_URL", "amqp://mq")
	t.Setenv("REDIS_ADDR", "redis:6379")

	db := DBConfig{Driver: "sqlite", Port: 5432}
	OverrideDBFromEnv(&db)
	assert.Equal(t, "postgres", db.Driver)
	assert.Equal(t, 6543, db.Port)

	var mq MQConfig
	OverrideMQFromEnv(&mq)
	assert.True(t, mq.Enabled)
	assert.Equal(t, "amqp://mq", mq.URL)

	var rc RedisConfig
	OverrideRedisFromEnv(&rc)
	assert.True(t, rc.Enabled)
}
