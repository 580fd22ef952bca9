package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// EngineKind identifies a supported database engine.
type EngineKind string

const (
	EnginePostgres EngineKind = "postgres"
	EngineMySQL    EngineKind = "mysql"
	EngineSQLite   EngineKind = "sqlite"
)

var engineAliases = map[string]EngineKind{
	"postgres":   EnginePostgres,
	"postgresql": EnginePostgres,
	"pg":         EnginePostgres,
	"mysql":      EngineMySQL,
	"mariadb":    EngineMySQL,
	"sqlite":     EngineSQLite,
	"sqlite3":    EngineSQLite,
}

// parseEngineKind normalizes a configured engine name, accepting aliases.
func parseEngineKind(s string) (EngineKind, bool) {
	k, ok := engineAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

func supportedEngineNames() []string {
	return []string{string(EnginePostgres), string(EngineMySQL), string(EngineSQLite)}
}

// Adapter abstracts a database engine so dbferry can read from and write to
// any supported engine through the same calls.
type Adapter interface {
	// Kind returns the engine this adapter talks to.
	Kind() EngineKind

	// Connect opens the connection. Failures are *ConnectionError.
	Connect(ctx context.Context) error

	// Close releases the connection. Safe to call when never connected
	// or already closed.
	Close() error

	// TestConnection runs a SELECT 1 round trip.
	TestConnection(ctx context.Context) error

	// ListTables returns user base tables (no views, no system catalogs).
	ListTables(ctx context.Context) ([]string, error)

	// ListEnumTypes returns named enumerated types. Engines without a
	// native enum concept return an empty slice.
	ListEnumTypes(ctx context.Context) ([]EnumType, error)

	// GetTableSchema introspects one table. Failures are *SchemaIntrospectionError.
	GetTableSchema(ctx context.Context, name string) (*Table, error)

	// CreateEnum creates a named enum type; *AlreadyExistsError if present.
	CreateEnum(ctx context.Context, e EnumType) error

	// CreateTable creates the table if absent, with nullability, defaults
	// and primary key. Foreign keys and unique constraints are not created.
	CreateTable(ctx context.Context, t Table) error

	// FetchRows reads up to limit rows starting at offset, in a stable order,
	// and reports whether more rows remain.
	FetchRows(ctx context.Context, t Table, offset int64, limit int) ([]Row, bool, error)

	// InsertRows writes one batch in a single transaction. Failures are *WriteError.
	InsertRows(ctx context.Context, t Table, rows []Row) error

	// Exec runs a single raw statement.
	Exec(ctx context.Context, stmt string) error

	// MaxWorkers returns the maximum number of concurrent table streams;
	// 0 means no engine-imposed limit.
	MaxWorkers() int
}

// newAdapter returns the Adapter implementation for cfg.Type.
func newAdapter(cfg ConnectionConfig) (Adapter, error) {
	kind, ok := parseEngineKind(string(cfg.Type))
	if !ok {
		return nil, &UnsupportedEngineError{Kind: string(cfg.Type)}
	}
	cfg.Type = kind
	switch kind {
	case EnginePostgres:
		return &postgresAdapter{cfg: cfg}, nil
	case EngineMySQL:
		return &mysqlAdapter{cfg: cfg}, nil
	case EngineSQLite:
		return &sqliteAdapter{cfg: cfg}, nil
	default:
		return nil, &UnsupportedEngineError{Kind: string(cfg.Type)}
	}
}

// pageOrder returns the columns rows are ordered by when paginating: the
// primary key, else the first unique key, else every column.
func pageOrder(t Table) []string {
	if len(t.PrimaryKey) > 0 {
		return t.PrimaryKey
	}
	if len(t.UniqueKeys) > 0 && len(t.UniqueKeys[0].Columns) > 0 {
		return t.UniqueKeys[0].Columns
	}
	return t.ColumnNames()
}

// selectPageQuery builds the paginated read for a table. One extra row is
// requested so the caller can tell whether more rows remain.
func selectPageQuery(kind EngineKind, t Table, offset int64, limit int) string {
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d OFFSET %d",
		quotedColumnList(kind, t.ColumnNames()),
		quoteIdent(kind, t.Name),
		quotedColumnList(kind, pageOrder(t)),
		limit+1, offset,
	)
}

// insertStatement builds a single-row INSERT with dialect placeholders.
func insertStatement(kind EngineKind, t Table) string {
	cols := t.ColumnNames()
	ph := make([]string, len(cols))
	for i := range cols {
		if kind == EnginePostgres {
			ph[i] = "$" + strconv.Itoa(i+1)
		} else {
			ph[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(kind, t.Name), quotedColumnList(kind, cols), strings.Join(ph, ", "))
}

// rowArgs returns the row's values in column order.
func rowArgs(t Table, r Row) []any {
	args := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		args[i] = r[c.Name]
	}
	return args
}

// trimPage drops the look-ahead row and reports whether it was present.
func trimPage(rows []Row, limit int) ([]Row, bool) {
	if len(rows) > limit {
		return rows[:limit], true
	}
	return rows, false
}
