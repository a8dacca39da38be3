package nodes

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Config consolidates the settings of the server and the tools
type Config struct {
	Database DatabaseConfig `json:"database"`
	Storage  StorageConfig  `json:"storage"`
	Binary   BinaryConfig   `json:"binary"`
	Mapping  MappingConfig  `json:"mapping"`
	Logging  LoggingConfig  `json:"logging"`
	Server   ServerConfig   `json:"server"`
}

// DatabaseConfig contains PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"sslMode"`
	UseIAMAuth      bool          `json:"useIamAuth"`
	Region          string        `json:"region"`
	MaxConnections  int           `json:"maxConnections"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
	Timeout         time.Duration `json:"timeout"`
	TableNames      TableNames    `json:"tableNames"`
}

// TableNames names the tables of the SQL stores
type TableNames struct {
	Nodes      string `json:"nodes"`
	Properties string `json:"properties"`
	Binaries   string `json:"binaries"`
}

// StorageConfig selects the tree store
type StorageConfig struct {
	Driver     string `json:"driver"` // memory, postgres, sqlite
	SQLitePath string `json:"sqlitePath"`
}

// BinaryConfig selects where binary property content lives
type BinaryConfig struct {
	Driver          string `json:"driver"` // table, s3
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	UsePathStyle    bool   `json:"usePathStyle"`
}

// MappingConfig holds the default mapping rules of API calls
type MappingConfig struct {
	Scope              string   `json:"scope"`
	Binary             string   `json:"binary"`
	EmbedType          bool     `json:"embedType"`
	MaxDepth           int      `json:"maxDepth"`
	ChangeRule         string   `json:"changeRule"`
	TimeZone           string   `json:"timeZone"`
	SearchRoots        []string `json:"searchRoots"`
	LinkPrefix         string   `json:"linkPrefix"`
	Indent             int      `json:"indent"`
	SplitMultiValues   bool     `json:"splitMultiValues"`
	DefaultPrimaryType string   `json:"defaultPrimaryType"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "nodes",
			SSLMode:         "disable",
			MaxConnections:  10,
			ConnMaxLifetime: 5 * time.Minute,
			Timeout:         30 * time.Second,
			TableNames: TableNames{
				Nodes:      "nodes",
				Properties: "node_properties",
				Binaries:   "node_binaries",
			},
		},
		Storage: StorageConfig{
			Driver:     "memory",
			SQLitePath: "nodes.db",
		},
		Binary: BinaryConfig{
			Driver: "table",
			Prefix: "binaries/",
		},
		Mapping: MappingConfig{
			Scope:              "value",
			Binary:             "link",
			ChangeRule:         "overwrite",
			TimeZone:           "UTC",
			SearchRoots:        []string{"/apps/", "/libs/"},
			LinkPrefix:         "/bin/cpm/nodes",
			Indent:             2,
			SplitMultiValues:   true,
			DefaultPrimaryType: "nt:unstructured",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" {
			return &ConfigError{Field: "database.host", Message: "is required for the postgres driver"}
		}
		if c.Database.MaxConnections <= 0 {
			return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
		}
		if c.Database.UseIAMAuth && c.Database.Region == "" {
			return &ConfigError{Field: "database.region", Message: "is required for IAM authentication"}
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return &ConfigError{Field: "storage.sqlitePath", Message: "is required for the sqlite driver"}
		}
	default:
		return &ConfigError{Field: "storage.driver", Message: "must be one of memory, postgres, sqlite"}
	}

	if c.Database.TableNames.Nodes == "" || c.Database.TableNames.Properties == "" || c.Database.TableNames.Binaries == "" {
		return &ConfigError{Field: "database.tableNames", Message: "table names must not be empty"}
	}

	switch c.Binary.Driver {
	case "table":
	case "s3":
		if c.Binary.Bucket == "" {
			return &ConfigError{Field: "binary.bucket", Message: "is required for the s3 driver"}
		}
	default:
		return &ConfigError{Field: "binary.driver", Message: "must be one of table, s3"}
	}

	if _, err := c.Mapping.Rules(); err != nil {
		return err
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}

	return nil
}

// Rules builds the mapping rules described by the configuration.
func (m MappingConfig) Rules() (*MappingRules, error) {
	scope, ok := ParseScope(m.Scope)
	if !ok {
		return nil, &ConfigError{Field: "mapping.scope", Message: "must be one of value, object, definition"}
	}
	binary, ok := ParseBinaryPolicy(m.Binary)
	if !ok {
		return nil, &ConfigError{Field: "mapping.binary", Message: "must be one of skip, base64, link"}
	}
	changeRule, ok := ParseChangeRule(m.ChangeRule)
	if !ok {
		return nil, &ConfigError{Field: "mapping.changeRule", Message: "must be one of overwrite, update, extend"}
	}
	loc := time.UTC
	if m.TimeZone != "" {
		l, err := time.LoadLocation(m.TimeZone)
		if err != nil {
			return nil, &ConfigError{Field: "mapping.timeZone", Message: err.Error()}
		}
		loc = l
	}
	if m.MaxDepth < 0 {
		return nil, &ConfigError{Field: "mapping.maxDepth", Message: "must not be negative"}
	}

	opts := []MappingOption{
		WithScope(scope),
		WithBinary(binary),
		WithEmbedType(m.EmbedType),
		WithMaxDepth(m.MaxDepth),
		WithChangeRule(changeRule),
		WithTimeZone(loc),
		WithIndent(m.Indent),
		WithDefaultPrimaryType(m.DefaultPrimaryType),
	}
	if len(m.SearchRoots) > 0 {
		opts = append(opts, WithSearchRoots(m.SearchRoots...))
	}
	if m.LinkPrefix != "" {
		opts = append(opts, WithLinkPrefix(m.LinkPrefix))
	}
	if !m.SplitMultiValues {
		opts = append(opts, WithMultiValueEncoding(MultiValueNoSplit))
	}
	return NewMappingRules(opts...), nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}

//go:embed config.schema.json
var configSchemaJSON []byte

// LoadConfig reads a JSON configuration file, checks it against the config
// schema and overlays it on the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (*Config, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(configSchemaJSON, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config schema: %w", err)
	}
	if err := resolved.Validate(doc); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
