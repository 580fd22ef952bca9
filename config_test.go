package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfgFile := writeConfig(t, "migration.toml", `
[source]
type = "postgres"
host = "localhost"
port = 5433
database = "source_db"
user = "username"
password = "password"
sslmode = "disable"

[target]
type = "mysql"
host = "localhost"
database = "target_db"
user = "username"
password = "password"

[options]
tables = ["customers", "orders"]
verify_after_migration = true
batch_size = 250
workers = 4

[hooks]
before_data = ["pre.sql"]
after_data = ["post.sql"]
`)

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}

	if cfg.Source.Type != EnginePostgres {
		t.Errorf("Source.Type = %q, want %q", cfg.Source.Type, EnginePostgres)
	}
	if cfg.Source.Port != 5433 {
		t.Errorf("Source.Port = %d, want 5433", cfg.Source.Port)
	}
	if cfg.Source.SSLMode != "disable" {
		t.Errorf("Source.SSLMode = %q, want %q", cfg.Source.SSLMode, "disable")
	}
	if cfg.Target.Type != EngineMySQL {
		t.Errorf("Target.Type = %q, want %q", cfg.Target.Type, EngineMySQL)
	}
	if cfg.Target.Port != 3306 {
		t.Errorf("Target.Port = %d, want default 3306", cfg.Target.Port)
	}
	if cfg.Options.AllTables() {
		t.Error("AllTables() = true for an explicit table list")
	}
	if len(cfg.Options.Tables) != 2 || cfg.Options.Tables[1] != "orders" {
		t.Errorf("Options.Tables = %v", cfg.Options.Tables)
	}
	if !cfg.Options.VerifyAfterMigration {
		t.Error("Options.VerifyAfterMigration = false, want true")
	}
	if cfg.Options.BatchSize != 250 {
		t.Errorf("Options.BatchSize = %d, want 250", cfg.Options.BatchSize)
	}
	if cfg.Options.Workers != 4 {
		t.Errorf("Options.Workers = %d, want 4", cfg.Options.Workers)
	}
	if len(cfg.Hooks.BeforeData) != 1 || cfg.Hooks.BeforeData[0] != "pre.sql" {
		t.Errorf("Hooks.BeforeData = %v", cfg.Hooks.BeforeData)
	}
	if cfg.configDir != filepath.Dir(cfgFile) {
		t.Errorf("configDir = %q, want %q", cfg.configDir, filepath.Dir(cfgFile))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfgFile := writeConfig(t, "minimal.toml", `
[source]
type = "postgresql"
host = "db1"
database = "src"

[target]
type = "sqlite3"
database = "/tmp/target.db"
`)

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}

	if cfg.Source.Type != EnginePostgres {
		t.Errorf("alias postgresql resolved to %q", cfg.Source.Type)
	}
	if cfg.Source.Port != 5432 {
		t.Errorf("default Source.Port = %d, want 5432", cfg.Source.Port)
	}
	if cfg.Source.SSLMode != "prefer" {
		t.Errorf("default Source.SSLMode = %q, want %q", cfg.Source.SSLMode, "prefer")
	}
	if cfg.Target.Type != EngineSQLite {
		t.Errorf("alias sqlite3 resolved to %q", cfg.Target.Type)
	}
	if !cfg.Options.AllTables() {
		t.Errorf("default Options.Tables = %v, want all", cfg.Options.Tables)
	}
	if cfg.Options.BatchSize != defaultBatchSize {
		t.Errorf("default BatchSize = %d, want %d", cfg.Options.BatchSize, defaultBatchSize)
	}
	if cfg.Options.Workers != 1 {
		t.Errorf("default Workers = %d, want 1", cfg.Options.Workers)
	}
	if cfg.Options.OnCycle != "error" {
		t.Errorf("default OnCycle = %q, want %q", cfg.Options.OnCycle, "error")
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	cfgFile := writeConfig(t, "migration.yml", `
source:
  type: postgres
  host: localhost
  port: 5432
  database: source_db
  user: username
  password: password
target:
  type: mysql
  host: localhost
  port: 3306
  database: target_db
  user: username
  password: password
options:
  tables: ["*"]
  verify_after_migration: true
`)

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Source.Database != "source_db" {
		t.Errorf("Source.Database = %q", cfg.Source.Database)
	}
	if cfg.Target.Type != EngineMySQL {
		t.Errorf("Target.Type = %q", cfg.Target.Type)
	}
	if !cfg.Options.AllTables() {
		t.Errorf("Options.Tables = %v, want all", cfg.Options.Tables)
	}
	if !cfg.Options.VerifyAfterMigration {
		t.Error("VerifyAfterMigration = false, want true")
	}
}

func TestLoadConfig_YAMLUnknownKey(t *testing.T) {
	cfgFile := writeConfig(t, "migration.yaml", `
source:
  type: postgres
  host: localhost
  database: a
  colour: blue
target:
  type: sqlite
  database: b.db
`)
	if _, err := loadConfig(cfgFile); err == nil {
		t.Fatal("expected error for unknown yaml key")
	}
}

func TestLoadConfig_UnknownKeys(t *testing.T) {
	cfgFile := writeConfig(t, "unknown.toml", `
schema = "app"

[source]
type = "sqlite"
database = "a.db"

[target]
type = "sqlite"
database = "b.db"
`)
	if _, err := loadConfig(cfgFile); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadConfig_DotEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SRC_PASSWORD=s3cret\nSRC_HOST=db.internal\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(dir, "migration.toml")
	content := `
[source]
type = "postgres"
host = "${SRC_HOST}"
database = "app"
user = "migrator"
password = "${SRC_PASSWORD}"

[target]
type = "sqlite"
database = "out.db"
`
	if err := os.WriteFile(cfgFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Source.Password != "s3cret" {
		t.Errorf("Source.Password = %q, want expanded value", cfg.Source.Password)
	}
	if cfg.Source.Host != "db.internal" {
		t.Errorf("Source.Host = %q, want expanded value", cfg.Source.Host)
	}
}

func TestLoadConfig_UnsupportedEngine(t *testing.T) {
	cfgFile := writeConfig(t, "oracle.toml", `
[source]
type = "oracle"
host = "h"
database = "d"

[target]
type = "sqlite"
database = "b.db"
`)
	_, err := loadConfig(cfgFile)
	var ue *UnsupportedEngineError
	if !errors.As(err, &ue) {
		t.Fatalf("loadConfig() error = %v, want UnsupportedEngineError", err)
	}
	if ue.Kind != "oracle" {
		t.Errorf("UnsupportedEngineError.Kind = %q", ue.Kind)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing source type", `
[source]
host = "h"
database = "d"
[target]
type = "sqlite"
database = "b.db"
`},
		{"missing database", `
[source]
type = "mysql"
host = "h"
[target]
type = "sqlite"
database = "b.db"
`},
		{"missing host", `
[source]
type = "mysql"
database = "d"
[target]
type = "sqlite"
database = "b.db"
`},
		{"bad sslmode", `
[source]
type = "postgres"
host = "h"
database = "d"
sslmode = "sometimes"
[target]
type = "sqlite"
database = "b.db"
`},
		{"sqlite with credentials", `
[source]
type = "sqlite"
database = "a.db"
user = "root"
[target]
type = "sqlite"
database = "b.db"
`},
		{"wildcard mixed with names", `
[source]
type = "sqlite"
database = "a.db"
[target]
type = "sqlite"
database = "b.db"
[options]
tables = ["*", "users"]
`},
		{"table listed twice", `
[source]
type = "sqlite"
database = "a.db"
[target]
type = "sqlite"
database = "b.db"
[options]
tables = ["orders", "orders"]
`},
		{"unknown on_cycle", `
[source]
type = "sqlite"
database = "a.db"
[target]
type = "sqlite"
database = "b.db"
[options]
on_cycle = "defer"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgFile := writeConfig(t, "bad.toml", tt.content)
			if _, err := loadConfig(cfgFile); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadConfig_DSNOverride(t *testing.T) {
	cfgFile := writeConfig(t, "dsn.toml", `
[source]
type = "mysql"
dsn = "root:root@tcp(127.0.0.1:3306)/db"

[target]
type = "postgres"
dsn = "postgres://u:p@h:5432/db"
`)
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Source.DSN == "" || cfg.Target.DSN == "" {
		t.Fatal("DSN override lost")
	}
}

func TestResolvePath(t *testing.T) {
	cfg := &MigrationConfig{configDir: "/home/user/migrations"}

	got := cfg.resolvePath("cleanup.sql")
	want := "/home/user/migrations/cleanup.sql"
	if got != want {
		t.Errorf("resolvePath(relative) = %q, want %q", got, want)
	}

	got = cfg.resolvePath("/absolute/path.sql")
	want = "/absolute/path.sql"
	if got != want {
		t.Errorf("resolvePath(absolute) = %q, want %q", got, want)
	}
}

func TestWriteSampleConfig(t *testing.T) {
	for _, name := range []string{"dbferry.toml", "migration.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := writeSampleConfig(path); err != nil {
				t.Fatalf("writeSampleConfig() error: %v", err)
			}

			cfg, err := loadConfig(path)
			if err != nil {
				t.Fatalf("sample config does not load: %v", err)
			}
			if cfg.Source.Type != EnginePostgres || cfg.Target.Type != EngineMySQL {
				t.Errorf("engines = %s -> %s, want postgres -> mysql", cfg.Source.Type, cfg.Target.Type)
			}
			if cfg.Target.Port != 3306 || cfg.Source.Database != "source_db" {
				t.Errorf("unexpected sample values: %+v", cfg)
			}
			if !cfg.Options.AllTables() || !cfg.Options.VerifyAfterMigration {
				t.Errorf("Options = %+v, want all tables with verification", cfg.Options)
			}
		})
	}
}

func TestWriteSampleConfig_NoOverwrite(t *testing.T) {
	path := writeConfig(t, "migration.yml", "# mine\n")

	err := writeSampleConfig(path)
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("writeSampleConfig() error = %v, want fs.ErrExist", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# mine\n" {
		t.Errorf("existing file was modified: %q", data)
	}
}
