package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

type sqliteAdapter struct {
	cfg ConnectionConfig
	db  *sql.DB
}

func (a *sqliteAdapter) Kind() EngineKind { return EngineSQLite }

// MaxWorkers is 1: SQLite allows a single writer and the handle is limited
// to one open connection.
func (a *sqliteAdapter) MaxWorkers() int { return 1 }

// sqliteURI turns a file path or file: URI into a driver URI with a busy
// timeout. In-memory databases are rejected since every sql.Open would see a
// separate empty database.
func sqliteURI(dsn string) (string, error) {
	if dsn == ":memory:" || dsn == "file::memory:" || strings.Contains(dsn, "mode=memory") {
		return "", fmt.Errorf("in-memory SQLite databases are not supported")
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse sqlite URI: %w", err)
	}
	q := u.Query()
	if !q.Has("_pragma") {
		q.Add("_pragma", "busy_timeout(5000)")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *sqliteAdapter) Connect(ctx context.Context) error {
	connErr := func(err error) error {
		return &ConnectionError{Engine: EngineSQLite, Addr: a.cfg.Addr(), Err: err}
	}
	path := a.cfg.DSN
	if path == "" {
		path = a.cfg.Database
	}
	uri, err := sqliteURI(path)
	if err != nil {
		return connErr(err)
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return connErr(fmt.Errorf("open sqlite: %w", err))
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return connErr(err)
	}
	a.db = db
	return nil
}

func (a *sqliteAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *sqliteAdapter) TestConnection(ctx context.Context) error {
	if a.db == nil {
		return errNotConnected
	}
	var one int
	return a.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (a *sqliteAdapter) ListTables(ctx context.Context) ([]string, error) {
	if a.db == nil {
		return nil, errNotConnected
	}
	var names []string
	err := collectStringRows(ctx, a.db,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name",
		nil, &names)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

func (a *sqliteAdapter) ListEnumTypes(ctx context.Context) ([]EnumType, error) {
	if a.db == nil {
		return nil, errNotConnected
	}
	return []EnumType{}, nil
}

func (a *sqliteAdapter) GetTableSchema(ctx context.Context, name string) (*Table, error) {
	if a.db == nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: errNotConnected}
	}
	t := &Table{Name: name, Engine: EngineSQLite}

	if err := a.introspectColumns(ctx, t); err != nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: fmt.Errorf("columns: %w", err)}
	}
	if len(t.Columns) == 0 {
		return nil, &SchemaIntrospectionError{Table: name, Err: errors.New("table not found")}
	}
	uks, err := a.introspectUniqueKeys(ctx, name)
	if err != nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: fmt.Errorf("unique keys: %w", err)}
	}
	t.UniqueKeys = uks

	fks, err := a.introspectForeignKeys(ctx, name)
	if err != nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: fmt.Errorf("foreign keys: %w", err)}
	}
	t.ForeignKeys = fks
	return t, nil
}

func (a *sqliteAdapter) introspectColumns(ctx context.Context, t *Table) error {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", sqliteIdent(t.Name)))
	if err != nil {
		return err
	}
	defer rows.Close()

	type pkPart struct {
		name string
		pos  int
	}
	var pk []pkPart
	for rows.Next() {
		var cid, notnull, pkPos int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pkPos); err != nil {
			return err
		}
		c := Column{Name: name, Type: colType, Nullable: notnull == 0 && pkPos == 0}
		if dflt.Valid {
			c.Default = &dflt.String
		}
		t.Columns = append(t.Columns, c)
		if pkPos > 0 {
			pk = append(pk, pkPart{name: name, pos: pkPos})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].pos < pk[j].pos })
	for _, p := range pk {
		t.PrimaryKey = append(t.PrimaryKey, p.name)
	}
	return nil
}

// introspectUniqueKeys reads unique indexes other than the primary key.
// The connection pool holds a single connection, so each result set is
// drained before the next PRAGMA runs.
func (a *sqliteAdapter) introspectUniqueKeys(ctx context.Context, table string) ([]UniqueKey, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", sqliteIdent(table)))
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, err
		}
		if unique == 1 && origin != "pk" && partial == 0 {
			names = append(names, name)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var uks []UniqueKey
	for _, idx := range names {
		cols, ok, err := a.indexColumns(ctx, idx)
		if err != nil {
			return nil, err
		}
		if ok {
			uks = append(uks, UniqueKey{Name: idx, Columns: cols})
		}
	}
	return uks, nil
}

// indexColumns returns the index's columns, or ok=false for expression indexes.
func (a *sqliteAdapter) indexColumns(ctx context.Context, index string) ([]string, bool, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", sqliteIdent(index)))
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var cols []string
	ok := true
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, false, err
		}
		if !name.Valid {
			ok = false
			continue
		}
		cols = append(cols, name.String)
	}
	return cols, ok, rows.Err()
}

func (a *sqliteAdapter) introspectForeignKeys(ctx context.Context, table string) ([]ForeignKey, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", sqliteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var id, seq int
		var refTable, from, onUpdate, onDelete, match string
		var to sql.NullString
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		fks = append(fks, ForeignKey{
			Name:      fmt.Sprintf("fk_%s_%d", table, id),
			Column:    from,
			RefTable:  refTable,
			RefColumn: to.String,
		})
	}
	return fks, rows.Err()
}

// CreateEnum is a no-op: SQLite has no enumerated types.
func (a *sqliteAdapter) CreateEnum(ctx context.Context, e EnumType) error {
	if a.db == nil {
		return errNotConnected
	}
	return nil
}

func (a *sqliteAdapter) CreateTable(ctx context.Context, t Table) error {
	if a.db == nil {
		return errNotConnected
	}
	ddl, err := generateCreateTable(t, EngineSQLite)
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (a *sqliteAdapter) FetchRows(ctx context.Context, t Table, offset int64, limit int) ([]Row, bool, error) {
	if a.db == nil {
		return nil, false, errNotConnected
	}
	rows, err := queryRows(ctx, a.db, t, selectPageQuery(EngineSQLite, t, offset, limit))
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	page, more := trimPage(rows, limit)
	return page, more, nil
}

func (a *sqliteAdapter) InsertRows(ctx context.Context, t Table, rows []Row) error {
	if a.db == nil {
		return &WriteError{Table: t.Name, Row: -1, Err: errNotConnected}
	}
	return insertRowsTx(ctx, a.db, EngineSQLite, t, rows)
}

func (a *sqliteAdapter) Exec(ctx context.Context, stmt string) error {
	if a.db == nil {
		return errNotConnected
	}
	_, err := a.db.ExecContext(ctx, stmt)
	return err
}
