package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

type mysqlAdapter struct {
	cfg    ConnectionConfig
	db     *sql.DB
	dbName string
}

func (a *mysqlAdapter) Kind() EngineKind { return EngineMySQL }
func (a *mysqlAdapter) MaxWorkers() int  { return 0 }

func (a *mysqlAdapter) Connect(ctx context.Context) error {
	connErr := func(err error) error {
		return &ConnectionError{Engine: EngineMySQL, Addr: a.cfg.Addr(), Err: err}
	}
	dsn, err := mysqlDSN(a.cfg)
	if err != nil {
		return connErr(err)
	}
	dbName, err := mysqlDatabaseName(dsn)
	if err != nil {
		return connErr(err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return connErr(fmt.Errorf("open mysql: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return connErr(err)
	}
	a.db = db
	a.dbName = dbName
	return nil
}

func (a *mysqlAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *mysqlAdapter) TestConnection(ctx context.Context) error {
	if a.db == nil {
		return errNotConnected
	}
	var one int
	return a.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (a *mysqlAdapter) ListTables(ctx context.Context) ([]string, error) {
	if a.db == nil {
		return nil, errNotConnected
	}
	var names []string
	err := collectStringRows(ctx, a.db,
		`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		 ORDER BY TABLE_NAME`,
		[]any{a.dbName}, &names)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// ListEnumTypes returns nothing: MySQL enums are declared inline per column
// and surface through Column.EnumLabels.
func (a *mysqlAdapter) ListEnumTypes(ctx context.Context) ([]EnumType, error) {
	if a.db == nil {
		return nil, errNotConnected
	}
	return []EnumType{}, nil
}

func (a *mysqlAdapter) GetTableSchema(ctx context.Context, name string) (*Table, error) {
	if a.db == nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: errNotConnected}
	}
	t := &Table{Name: name, Engine: EngineMySQL}

	cols, err := a.introspectColumns(ctx, name)
	if err != nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: fmt.Errorf("columns: %w", err)}
	}
	if len(cols) == 0 {
		return nil, &SchemaIntrospectionError{Table: name, Err: errors.New("table not found")}
	}
	t.Columns = cols

	if err := a.introspectKeys(ctx, t); err != nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: fmt.Errorf("keys: %w", err)}
	}

	fks, err := a.introspectForeignKeys(ctx, name)
	if err != nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: fmt.Errorf("foreign keys: %w", err)}
	}
	t.ForeignKeys = fks
	return t, nil
}

func (a *mysqlAdapter) introspectColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT
		 FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		 ORDER BY ORDINAL_POSITION`,
		a.dbName, table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var nullable string
		var dflt sql.NullString
		if err := rows.Scan(&c.Name, &c.Type, &nullable, &dflt); err != nil {
			return nil, err
		}
		c.Type = strings.ToLower(c.Type)
		c.Nullable = nullable == "YES"
		if dflt.Valid {
			c.Default = &dflt.String
		}
		if isMySQLEnumType(c.Type) {
			labels, err := parseMySQLEnumLabels(c.Type)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.Name, err)
			}
			c.EnumLabels = labels
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// introspectKeys fills the primary key and unique keys from unique indexes.
// Functional index parts (NULL COLUMN_NAME) disqualify the index.
func (a *mysqlAdapter) introspectKeys(ctx context.Context, t *Table) error {
	rows, err := a.db.QueryContext(ctx,
		`SELECT INDEX_NAME, COLUMN_NAME
		 FROM INFORMATION_SCHEMA.STATISTICS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND NON_UNIQUE = 0
		 ORDER BY INDEX_NAME, SEQ_IN_INDEX`,
		a.dbName, t.Name,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	var keys []UniqueKey
	skip := make(map[string]bool)
	for rows.Next() {
		var idxName string
		var colName sql.NullString
		if err := rows.Scan(&idxName, &colName); err != nil {
			return err
		}
		if !colName.Valid {
			skip[idxName] = true
			continue
		}
		if n := len(keys); n == 0 || keys[n-1].Name != idxName {
			keys = append(keys, UniqueKey{Name: idxName})
		}
		last := &keys[len(keys)-1]
		last.Columns = append(last.Columns, colName.String)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range keys {
		switch {
		case skip[k.Name]:
		case k.Name == "PRIMARY":
			t.PrimaryKey = k.Columns
		default:
			t.UniqueKeys = append(t.UniqueKeys, k)
		}
	}
	return nil
}

func (a *mysqlAdapter) introspectForeignKeys(ctx context.Context, table string) ([]ForeignKey, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		 FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		 ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION`,
		a.dbName, table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Name, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// CreateEnum is a no-op: enum labels are declared inline by CreateTable.
func (a *mysqlAdapter) CreateEnum(ctx context.Context, e EnumType) error {
	if a.db == nil {
		return errNotConnected
	}
	return nil
}

func (a *mysqlAdapter) CreateTable(ctx context.Context, t Table) error {
	if a.db == nil {
		return errNotConnected
	}
	ddl, err := generateCreateTable(t, EngineMySQL)
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (a *mysqlAdapter) FetchRows(ctx context.Context, t Table, offset int64, limit int) ([]Row, bool, error) {
	if a.db == nil {
		return nil, false, errNotConnected
	}
	rows, err := queryRows(ctx, a.db, t, selectPageQuery(EngineMySQL, t, offset, limit))
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	page, more := trimPage(rows, limit)
	return page, more, nil
}

func (a *mysqlAdapter) InsertRows(ctx context.Context, t Table, rows []Row) error {
	if a.db == nil {
		return &WriteError{Table: t.Name, Row: -1, Err: errNotConnected}
	}
	return insertRowsTx(ctx, a.db, EngineMySQL, t, rows)
}

func (a *mysqlAdapter) Exec(ctx context.Context, stmt string) error {
	if a.db == nil {
		return errNotConnected
	}
	_, err := a.db.ExecContext(ctx, stmt)
	return err
}
