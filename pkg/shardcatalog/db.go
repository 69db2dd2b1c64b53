package shardcatalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lixrouter/lixrouter/pkg/rewriter"
)

// OpenPgx opens a *sql.DB backed by pgx/v5's stdlib driver. Callers that
// already manage their own *sql.DB (e.g. a host embedding lixrouterd into
// a larger service) can skip this and hand DBContextSource a *sql.DB
// directly instead.
func OpenPgx(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx connection: %w", err)
	}
	return db, nil
}

// DBContextSource discovers a RewriteContext by introspecting a live
// database: which internal_state_cache_<schema_key> shards currently
// exist in Schema, and which views are catalogued in ViewRegistryTable
// (a two-column name/definition table the host maintains) plus any
// ordinary SQL views pg_catalog already knows about. It issues SELECT
// statements only. It never creates, drops, or writes to anything.
type DBContextSource struct {
	db     *sql.DB
	schema string

	// ViewRegistryTable, if set, is an additional "name text, definition
	// text" table queried for view bodies beyond what pg_catalog reports
	// (the shape catalog.go's NewCatalogFromDB and richcatalog.go's
	// introspect both assume a single information_schema/pg_catalog pass
	// is enough; lixrouter's host layer may catalogue views that aren't
	// real database objects, such as ones defined only in application
	// config, so this is the hook for that).
	ViewRegistryTable string
}

// NewDBContextSource returns a DBContextSource restricted to the given
// schema (the schema internal_state_cache_* shards and the state reader
// itself live in).
func NewDBContextSource(db *sql.DB, schema string) *DBContextSource {
	return &DBContextSource{db: db, schema: schema}
}

const cacheTablePrefix = "internal_state_cache_"

func (s *DBContextSource) Load(ctx context.Context) (*rewriter.RewriteContext, error) {
	tableCache, err := s.loadCacheTables(ctx)
	if err != nil {
		return nil, err
	}
	views, err := s.loadViews(ctx)
	if err != nil {
		return nil, err
	}
	return rewriter.NewContext(tableCache, views, nil), nil
}

func (s *DBContextSource) loadCacheTables(ctx context.Context) ([]string, error) {
	const query = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		  AND table_name LIKE $2
		ORDER BY table_name`

	rows, err := s.db.QueryContext(ctx, query, s.schema, cacheTablePrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("query cache shards: %w", err)
	}
	defer rows.Close()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache shard name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration (cache shards): %w", err)
	}
	return tables, nil
}

func (s *DBContextSource) loadViews(ctx context.Context) (map[string]string, error) {
	views := make(map[string]string)

	const pgViewsQuery = `
		SELECT viewname, definition
		FROM pg_catalog.pg_views
		WHERE schemaname = $1`

	rows, err := s.db.QueryContext(ctx, pgViewsQuery, s.schema)
	if err != nil {
		return nil, fmt.Errorf("query pg_views: %w", err)
	}
	for rows.Next() {
		var name, definition string
		if err := rows.Scan(&name, &definition); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pg_views row: %w", err)
		}
		definition = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(definition), ";"))
		if definition != "" {
			views[name] = definition
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("row iteration (pg_views): %w", err)
	}
	rows.Close()

	if s.ViewRegistryTable == "" {
		return views, nil
	}

	registryQuery := fmt.Sprintf(`SELECT name, definition FROM %s`, quoteIdentifier(s.ViewRegistryTable))
	regRows, err := s.db.QueryContext(ctx, registryQuery)
	if err != nil {
		return nil, fmt.Errorf("query view registry table: %w", err)
	}
	defer regRows.Close()
	for regRows.Next() {
		var name, definition string
		if err := regRows.Scan(&name, &definition); err != nil {
			return nil, fmt.Errorf("scan view registry row: %w", err)
		}
		definition = strings.TrimSpace(definition)
		if definition != "" {
			views[name] = definition
		}
	}
	if err := regRows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration (view registry): %w", err)
	}
	return views, nil
}

// quoteIdentifier double-quotes an identifier the host supplied for
// ViewRegistryTable, since it's interpolated directly into a query string
// rather than bound as a parameter (table/column names can't be bound
// placeholders in PostgreSQL).
func quoteIdentifier(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
