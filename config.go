package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MigrationConfig holds the full migration configuration.
type MigrationConfig struct {
	Source  ConnectionConfig `toml:"source" yaml:"source"`
	Target  ConnectionConfig `toml:"target" yaml:"target"`
	Options MigrationOptions `toml:"options" yaml:"options"`
	Hooks   HooksConfig      `toml:"hooks,omitempty" yaml:"hooks,omitempty"`

	// configDir is the directory containing the config file, used to resolve relative SQL paths.
	configDir string
}

// ConnectionConfig identifies one database endpoint.
type ConnectionConfig struct {
	Type     EngineKind `toml:"type" yaml:"type"` // postgres, mysql or sqlite
	Host     string     `toml:"host" yaml:"host"`
	Port     int        `toml:"port" yaml:"port"`
	Database string     `toml:"database" yaml:"database"` // file path for sqlite
	User     string     `toml:"user" yaml:"user"`
	Password string     `toml:"password" yaml:"password"`
	SSLMode  string     `toml:"sslmode,omitempty" yaml:"sslmode,omitempty"`
	DSN      string     `toml:"dsn,omitempty" yaml:"dsn,omitempty"` // overrides the discrete fields when set
}

// MigrationOptions controls which tables move and how.
type MigrationOptions struct {
	Tables               []string `toml:"tables" yaml:"tables"` // ["*"] means every table
	VerifyAfterMigration bool     `toml:"verify_after_migration" yaml:"verify_after_migration"`
	BatchSize            int      `toml:"batch_size" yaml:"batch_size"`
	Workers              int      `toml:"workers" yaml:"workers"`
	OnCycle              string   `toml:"on_cycle" yaml:"on_cycle"` // error
}

// HooksConfig lists SQL files run on the target around the data copy.
type HooksConfig struct {
	BeforeData []string `toml:"before_data,omitempty" yaml:"before_data,omitempty"`
	AfterData  []string `toml:"after_data,omitempty" yaml:"after_data,omitempty"`
}

const (
	allTables        = "*"
	defaultBatchSize = 1000
)

// AllTables reports whether the options select every source table.
func (o MigrationOptions) AllTables() bool {
	return len(o.Tables) == 0 || (len(o.Tables) == 1 && o.Tables[0] == allTables)
}

// Addr returns a printable endpoint without credentials.
func (c ConnectionConfig) Addr() string {
	if c.Type == EngineSQLite {
		return c.Database
	}
	if c.Host == "" {
		return c.Database
	}
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}

// loadConfig reads a TOML or YAML config file and returns a MigrationConfig
// with defaults applied.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	configDir := filepath.Dir(absPath)

	env, err := loadDotEnv(configDir)
	if err != nil {
		return nil, err
	}

	var cfg MigrationConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}
	cfg.configDir = configDir

	if err := cfg.Source.normalize("source", env); err != nil {
		return nil, err
	}
	if err := cfg.Target.normalize("target", env); err != nil {
		return nil, err
	}
	if err := cfg.Options.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv reads an optional .env file next to the config. Values found
// there take precedence over the process environment for ${VAR} expansion.
func loadDotEnv(dir string) (map[string]string, error) {
	env, err := godotenv.Read(filepath.Join(dir, ".env"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read .env: %w", err)
	}
	return env, nil
}

func expandVars(s string, env map[string]string) string {
	return os.Expand(s, func(key string) string {
		if v, ok := env[key]; ok {
			return v
		}
		return os.Getenv(key)
	})
}

func (c *ConnectionConfig) normalize(section string, env map[string]string) error {
	c.Host = expandVars(c.Host, env)
	c.Database = expandVars(c.Database, env)
	c.User = expandVars(c.User, env)
	c.Password = expandVars(c.Password, env)
	c.DSN = expandVars(c.DSN, env)

	if c.Type == "" {
		return fmt.Errorf("%s.type is required (must be one of: %s)", section, strings.Join(supportedEngineNames(), ", "))
	}
	kind, ok := parseEngineKind(string(c.Type))
	if !ok {
		return fmt.Errorf("%s: %w", section, &UnsupportedEngineError{Kind: string(c.Type)})
	}
	c.Type = kind

	if c.DSN != "" {
		return nil
	}
	if c.Database == "" {
		return fmt.Errorf("%s.database is required", section)
	}

	switch kind {
	case EnginePostgres:
		if c.Port == 0 {
			c.Port = 5432
		}
		if c.SSLMode == "" {
			c.SSLMode = "prefer"
		}
		switch c.SSLMode {
		case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("%s.sslmode must be one of: disable, allow, prefer, require, verify-ca, verify-full", section)
		}
	case EngineMySQL:
		if c.Port == 0 {
			c.Port = 3306
		}
		switch c.SSLMode {
		case "", "disable", "prefer", "require", "verify-full":
		default:
			return fmt.Errorf("%s.sslmode must be one of: disable, prefer, require, verify-full", section)
		}
	case EngineSQLite:
		if c.Host != "" || c.User != "" || c.Password != "" {
			return fmt.Errorf("%s: host, user and password are not used for sqlite", section)
		}
	}
	if kind != EngineSQLite && c.Host == "" {
		return fmt.Errorf("%s.host is required", section)
	}
	return nil
}

func (o *MigrationOptions) normalize() error {
	if len(o.Tables) == 0 {
		o.Tables = []string{allTables}
	}
	seen := make(map[string]bool, len(o.Tables))
	for _, t := range o.Tables {
		if seen[t] {
			return fmt.Errorf("options.tables: %q is listed more than once", t)
		}
		seen[t] = true
		if t == allTables && len(o.Tables) > 1 {
			return fmt.Errorf("options.tables: %q cannot be combined with explicit table names", allTables)
		}
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("options.tables: empty table name")
		}
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.OnCycle == "" {
		o.OnCycle = "error"
	}
	switch o.OnCycle {
	case "error":
	default:
		return fmt.Errorf("options.on_cycle must be one of: error")
	}
	return nil
}

// sampleConfig is the starting point written by the init command.
func sampleConfig() MigrationConfig {
	return MigrationConfig{
		Source: ConnectionConfig{
			Type: EnginePostgres, Host: "localhost", Port: 5432,
			Database: "source_db", User: "username", Password: "password",
		},
		Target: ConnectionConfig{
			Type: EngineMySQL, Host: "localhost", Port: 3306,
			Database: "target_db", User: "username", Password: "password",
		},
		Options: MigrationOptions{
			Tables:               []string{allTables},
			VerifyAfterMigration: true,
			BatchSize:            defaultBatchSize,
			Workers:              1,
			OnCycle:              "error",
		},
	}
}

// writeSampleConfig writes sampleConfig to path as YAML (.yml, .yaml) or
// TOML. An existing file is never overwritten; the error then wraps
// fs.ErrExist.
func writeSampleConfig(path string) error {
	cfg := sampleConfig()
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode sample config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode sample config: %w", err)
		}
	default:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode sample config: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}
