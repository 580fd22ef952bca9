package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgDuplicateObject = "42710"

type postgresAdapter struct {
	cfg  ConnectionConfig
	pool *pgxpool.Pool
}

func (a *postgresAdapter) Kind() EngineKind { return EnginePostgres }
func (a *postgresAdapter) MaxWorkers() int  { return 0 }

// postgresDSN builds a connection URL from a config. An explicit DSN wins.
func postgresDSN(c ConnectionConfig) string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

func (a *postgresAdapter) Connect(ctx context.Context) error {
	connErr := func(err error) error {
		return &ConnectionError{Engine: EnginePostgres, Addr: a.cfg.Addr(), Err: err}
	}
	pcfg, err := pgxpool.ParseConfig(postgresDSN(a.cfg))
	if err != nil {
		return connErr(fmt.Errorf("parse dsn: %w", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return connErr(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return connErr(err)
	}
	a.pool = pool
	return nil
}

func (a *postgresAdapter) Close() error {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return nil
}

func (a *postgresAdapter) TestConnection(ctx context.Context) error {
	if a.pool == nil {
		return errNotConnected
	}
	var one int
	return a.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func (a *postgresAdapter) ListTables(ctx context.Context) ([]string, error) {
	if a.pool == nil {
		return nil, errNotConnected
	}
	rows, err := a.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		 ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

func (a *postgresAdapter) ListEnumTypes(ctx context.Context) ([]EnumType, error) {
	if a.pool == nil {
		return nil, errNotConnected
	}
	rows, err := a.pool.Query(ctx,
		`SELECT t.typname, e.enumlabel
		 FROM pg_type t
		 JOIN pg_enum e ON e.enumtypid = t.oid
		 JOIN pg_namespace n ON n.oid = t.typnamespace
		 WHERE n.nspname = current_schema()
		 ORDER BY t.typname, e.enumsortorder`)
	if err != nil {
		return nil, fmt.Errorf("list enum types: %w", err)
	}
	defer rows.Close()

	enums := []EnumType{}
	for rows.Next() {
		var name, label string
		if err := rows.Scan(&name, &label); err != nil {
			return nil, fmt.Errorf("list enum types: %w", err)
		}
		if n := len(enums); n == 0 || enums[n-1].Name != name {
			enums = append(enums, EnumType{Name: name})
		}
		last := &enums[len(enums)-1]
		last.Labels = append(last.Labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list enum types: %w", err)
	}
	return enums, nil
}

func (a *postgresAdapter) GetTableSchema(ctx context.Context, name string) (*Table, error) {
	if a.pool == nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: errNotConnected}
	}
	t := &Table{Name: name, Engine: EnginePostgres}

	cols, err := a.introspectColumns(ctx, name)
	if err != nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: fmt.Errorf("columns: %w", err)}
	}
	if len(cols) == 0 {
		return nil, &SchemaIntrospectionError{Table: name, Err: errors.New("table not found")}
	}
	t.Columns = cols

	pk, err := a.collectStrings(ctx,
		`SELECT a.attname
		 FROM pg_index i
		 JOIN pg_class c ON c.oid = i.indrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		 JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		 WHERE n.nspname = current_schema() AND c.relname = $1 AND i.indisprimary
		 ORDER BY k.ord`, name)
	if err != nil {
		return nil, &SchemaIntrospectionError{Table: name, Err: fmt.Errorf("primary key: %w", err)}
	}
	t.PrimaryKey = pk

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

func (a *postgresAdapter) introspectColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT a.attname,
		        format_type(a.atttypid, a.atttypmod),
		        NOT a.attnotnull,
		        pg_get_expr(d.adbin, d.adrelid),
		        ARRAY(SELECT e.enumlabel FROM pg_enum e
		              WHERE e.enumtypid = a.atttypid ORDER BY e.enumsortorder)
		 FROM pg_attribute a
		 JOIN pg_class c ON c.oid = a.attrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		 WHERE n.nspname = current_schema() AND c.relname = $1
		   AND c.relkind IN ('r', 'p') AND a.attnum > 0 AND NOT a.attisdropped
		 ORDER BY a.attnum`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var labels []string
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable, &c.Default, &labels); err != nil {
			return nil, err
		}
		if len(labels) > 0 {
			c.EnumLabels = labels
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (a *postgresAdapter) introspectUniqueKeys(ctx context.Context, table string) ([]UniqueKey, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT con.conname, a.attname
		 FROM pg_constraint con
		 JOIN pg_class c ON c.oid = con.conrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 JOIN LATERAL unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
		 JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		 WHERE n.nspname = current_schema() AND c.relname = $1 AND con.contype = 'u'
		 ORDER BY con.conname, k.ord`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uks []UniqueKey
	for rows.Next() {
		var name, col string
		if err := rows.Scan(&name, &col); err != nil {
			return nil, err
		}
		if n := len(uks); n == 0 || uks[n-1].Name != name {
			uks = append(uks, UniqueKey{Name: name})
		}
		last := &uks[len(uks)-1]
		last.Columns = append(last.Columns, col)
	}
	return uks, rows.Err()
}

func (a *postgresAdapter) introspectForeignKeys(ctx context.Context, table string) ([]ForeignKey, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT con.conname, a.attname, rc.relname, ra.attname
		 FROM pg_constraint con
		 JOIN pg_class c ON c.oid = con.conrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 JOIN pg_class rc ON rc.oid = con.confrelid
		 JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refnum, ord) ON true
		 JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		 JOIN pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = k.refnum
		 WHERE n.nspname = current_schema() AND c.relname = $1 AND con.contype = 'f'
		 ORDER BY con.conname, k.ord`, table)
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

func (a *postgresAdapter) collectStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (a *postgresAdapter) CreateEnum(ctx context.Context, e EnumType) error {
	if a.pool == nil {
		return errNotConnected
	}
	var exists bool
	err := a.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM pg_type t
		   JOIN pg_namespace n ON n.oid = t.typnamespace
		   WHERE n.nspname = current_schema() AND t.typname = $1)`, e.Name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check type %s: %w", e.Name, err)
	}
	if exists {
		return &AlreadyExistsError{Kind: "type", Name: e.Name}
	}
	if _, err := a.pool.Exec(ctx, generateCreateEnum(e)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject {
			return &AlreadyExistsError{Kind: "type", Name: e.Name}
		}
		return fmt.Errorf("create type %s: %w", e.Name, err)
	}
	return nil
}

func (a *postgresAdapter) CreateTable(ctx context.Context, t Table) error {
	if a.pool == nil {
		return errNotConnected
	}
	ddl, err := generateCreateTable(t, EnginePostgres)
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	if _, err := a.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (a *postgresAdapter) FetchRows(ctx context.Context, t Table, offset int64, limit int) ([]Row, bool, error) {
	if a.pool == nil {
		return nil, false, errNotConnected
	}
	rows, err := a.pool.Query(ctx, selectPageQuery(EnginePostgres, t, offset, limit))
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	defer rows.Close()

	cols := t.ColumnNames()
	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, false, fmt.Errorf("fetch %s: %w", t.Name, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", t.Name, err)
	}
	page, more := trimPage(out, limit)
	return page, more, nil
}

// InsertRows queues one INSERT per row in a pgx.Batch inside a transaction
// so the failing row can be identified.
func (a *postgresAdapter) InsertRows(ctx context.Context, t Table, rows []Row) error {
	if a.pool == nil {
		return &WriteError{Table: t.Name, Row: -1, Err: errNotConnected}
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return &WriteError{Table: t.Name, Row: -1, Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := insertStatement(EnginePostgres, t)
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(query, rowArgs(t, r)...)
	}
	br := tx.SendBatch(ctx, batch)
	for i := range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return &WriteError{Table: t.Name, Row: i, Err: err}
		}
	}
	if err := br.Close(); err != nil {
		return &WriteError{Table: t.Name, Row: -1, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &WriteError{Table: t.Name, Row: -1, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func (a *postgresAdapter) Exec(ctx context.Context, stmt string) error {
	if a.pool == nil {
		return errNotConnected
	}
	_, err := a.pool.Exec(ctx, stmt)
	return err
}
