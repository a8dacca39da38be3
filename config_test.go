package nodes

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "localhost", config.Database.Host)
	assert.Equal(t, 5432, config.Database.Port)
	assert.Equal(t, 10, config.Database.MaxConnections)
	assert.Equal(t, "nodes", config.Database.TableNames.Nodes)
	assert.Equal(t, "node_properties", config.Database.TableNames.Properties)
	assert.Equal(t, "memory", config.Storage.Driver)
	assert.Equal(t, "table", config.Binary.Driver)
	assert.Equal(t, "link", config.Mapping.Binary)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, 30*time.Second, config.Server.ReadTimeout)

	require.NoError(t, config.Validate())
}

func TestConfigValidationDetailed(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorField  string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:        "unknown storage driver",
			mutate:      func(c *Config) { c.Storage.Driver = "mongo" },
			expectError: true,
			errorField:  "storage.driver",
		},
		{
			name: "postgres without connections",
			mutate: func(c *Config) {
				c.Storage.Driver = "postgres"
				c.Database.MaxConnections = 0
			},
			expectError: true,
			errorField:  "database.maxConnections",
		},
		{
			name: "iam auth without region",
			mutate: func(c *Config) {
				c.Storage.Driver = "postgres"
				c.Database.UseIAMAuth = true
			},
			expectError: true,
			errorField:  "database.region",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Storage.Driver = "sqlite"
				c.Storage.SQLitePath = ""
			},
			expectError: true,
			errorField:  "storage.sqlitePath",
		},
		{
			name:        "s3 without bucket",
			mutate:      func(c *Config) { c.Binary.Driver = "s3" },
			expectError: true,
			errorField:  "binary.bucket",
		},
		{
			name:        "unknown scope",
			mutate:      func(c *Config) { c.Mapping.Scope = "full" },
			expectError: true,
			errorField:  "mapping.scope",
		},
		{
			name:        "unknown time zone",
			mutate:      func(c *Config) { c.Mapping.TimeZone = "Mars/Olympus" },
			expectError: true,
			errorField:  "mapping.timeZone",
		},
		{
			name:        "invalid port",
			mutate:      func(c *Config) { c.Server.Port = 0 },
			expectError: true,
			errorField:  "server.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if !tt.expectError {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			configErr, ok := err.(*ConfigError)
			require.True(t, ok, "expected *ConfigError, got %T", err)
			assert.Equal(t, tt.errorField, configErr.Field)
		})
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "test.field", Message: "test message"}
	assert.Equal(t, "config validation error for field 'test.field': test message", err.Error())
}

func TestMappingConfigRules(t *testing.T) {
	m := DefaultConfig().Mapping
	m.Scope = "definition"
	m.Binary = "base64"
	m.ChangeRule = "update"
	m.TimeZone = "Europe/Berlin"
	m.MaxDepth = 3
	m.SplitMultiValues = false

	rules, err := m.Rules()
	require.NoError(t, err)
	assert.Equal(t, ScopeDefinition, rules.Scope())
	assert.Equal(t, BinaryBase64, rules.Binary())
	assert.Equal(t, ChangeRuleUpdate, rules.ChangeRule())
	assert.Equal(t, 3, rules.MaxDepth())
	assert.Equal(t, MultiValueNoSplit, rules.MultiValue())
	assert.Equal(t, "Europe/Berlin", rules.DateFormat().Location().String())
	assert.Equal(t, []string{"/apps/", "/libs/"}, rules.SearchRoots())
}

func TestParseConfig(t *testing.T) {
	t.Run("overlays defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`{
			"storage": {"driver": "sqlite", "sqlitePath": "/tmp/x.db"},
			"mapping": {"scope": "object", "indent": 0}
		}`))
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Storage.Driver)
		assert.Equal(t, "/tmp/x.db", cfg.Storage.SQLitePath)
		assert.Equal(t, "object", cfg.Mapping.Scope)
		assert.Equal(t, 0, cfg.Mapping.Indent)
		assert.Equal(t, "link", cfg.Mapping.Binary)
		assert.Equal(t, 8080, cfg.Server.Port)
	})

	t.Run("rejects unknown members", func(t *testing.T) {
		_, err := ParseConfig([]byte(`{"storage": {"driver": "memory", "cache": true}}`))
		assert.Error(t, err)
	})

	t.Run("rejects values outside the enum", func(t *testing.T) {
		_, err := ParseConfig([]byte(`{"mapping": {"binary": "inline"}}`))
		assert.Error(t, err)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		_, err := ParseConfig([]byte(`{"storage":`))
		assert.Error(t, err)
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 9090}}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
