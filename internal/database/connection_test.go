package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"DB_HOST", "DB_PORT", "DB_NAME", "DB_USERNAME", "DB_PASSWORD"} {
		t.Setenv(key, "")
	}

	config := ConfigFromEnv()
	assert.Equal(t, "localhost", config.Host)
	assert.Equal(t, 3306, config.Port)
	assert.Equal(t, "upstra", config.Database)
	assert.Equal(t, "upstra", config.Username)
	assert.Empty(t, config.Password)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "3307")
	t.Setenv("DB_NAME", "orchestrator")
	t.Setenv("DB_USERNAME", "svc")
	t.Setenv("DB_PASSWORD", "hunter2")

	config := ConfigFromEnv()
	assert.Equal(t, "db.internal", config.Host)
	assert.Equal(t, 3307, config.Port)
	assert.Equal(t, "orchestrator", config.Database)
	assert.Equal(t, "svc", config.Username)
	assert.Equal(t, "hunter2", config.Password)
}

func TestConfigFromEnvBadPortFallsBack(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")
	config := ConfigFromEnv()
	assert.Equal(t, 3306, config.Port)
}

func TestNewConnectionValidation(t *testing.T) {
	_, err := NewConnection(nil)
	assert.Error(t, err)

	_, err = NewConnection(&MariaDBConfig{Port: 3306, Database: "d", Username: "u"})
	assert.ErrorContains(t, err, "invalid MariaDB config")

	_, err = NewConnection(&MariaDBConfig{Host: "h", Port: 0, Database: "d", Username: "u"})
	assert.ErrorContains(t, err, "invalid MariaDB config")

	_, err = NewConnection(&MariaDBConfig{Host: "h", Port: 3306, Username: "u"})
	assert.ErrorContains(t, err, "invalid MariaDB config")
}
