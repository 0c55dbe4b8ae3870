package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("KINDRED_JWT_SECRET", "s3cret")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, "postgres", c.Database.Driver)
	assert.Equal(t, 10*time.Second, c.RateLimit.Window)
	assert.Equal(t, 5, c.RateLimit.UserLimit)
	assert.Equal(t, 10, c.RateLimit.ConversationLimit)
	assert.Equal(t, 60*time.Second, c.Socket.PongWait)
	assert.Equal(t, 54*time.Second, c.Socket.PingPeriod)
	assert.Equal(t, 256, c.Socket.SendBuffer)
	assert.Equal(t, "s3cret", c.JWT.Secret)
	assert.Equal(t, 2000, c.Messages.MaxLength)
	assert.Equal(t, 4096, c.Cache.Participants)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("KINDRED_JWT_SECRET", "s3cret")
	t.Setenv("KINDRED_DATABASE_DRIVER", "memory")
	t.Setenv("KINDRED_RATELIMIT_USERLIMIT", "7")
	t.Setenv("KINDRED_RATELIMIT_WINDOW", "30s")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Database.Driver)
	assert.Equal(t, 7, c.RateLimit.UserLimit)
	assert.Equal(t, 30*time.Second, c.RateLimit.Window)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kindred.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
jwt:
  secret: from-file
logger:
  development: true
  level: debug
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Server.Addr)
	assert.Equal(t, "from-file", c.JWT.Secret)
	assert.True(t, c.Logger.Development)
	assert.Equal(t, "debug", c.Logger.Level)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	_, err := Load("")
	assert.ErrorIs(t, err, ErrMissingSecret)

	t.Setenv("KINDRED_JWT_SECRET", "s3cret")
	t.Setenv("KINDRED_DATABASE_DRIVER", "mysql")
	_, err = Load("")
	assert.Error(t, err)

	t.Setenv("KINDRED_DATABASE_DRIVER", "memory")
	t.Setenv("KINDRED_SOCKET_PINGPERIOD", "2m")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidateRateLimit(t *testing.T) {
	t.Setenv("KINDRED_JWT_SECRET", "s3cret")
	t.Setenv("KINDRED_DATABASE_DRIVER", "memory")
	_, err := Load("")
	require.NoError(t, err)

	for key, value := range map[string]string{
		"KINDRED_RATELIMIT_USERLIMIT":         "0",
		"KINDRED_RATELIMIT_CONVERSATIONLIMIT": "-1",
		"KINDRED_RATELIMIT_WINDOW":            "0s",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			assert.ErrorContains(t, err, "rateLimit")
		})
	}
}
