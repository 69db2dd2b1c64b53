package rewriter

import (
	"sort"
	"testing"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

func whereOf(t *testing.T, sql string) *pg_query.Node {
	t.Helper()
	tree, err := pg_query.Parse(sql)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sel := tree.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel == nil || sel.GetWhereClause() == nil {
		t.Fatalf("expected a WHERE clause in %q", sql)
	}
	return sel.GetWhereClause()
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func TestCollectSchemaFiltersEquality(t *testing.T) {
	expr := whereOf(t, "SELECT 1 FROM t WHERE schema_key = 'mock_schema'")
	got := collectSchemaFilters(expr, "t", newPlaceholderResolver(nil))
	if len(got) != 1 || got[0] != "mock_schema" {
		t.Fatalf("got %v", got)
	}
}

func TestCollectSchemaFiltersQualified(t *testing.T) {
	expr := whereOf(t, "SELECT 1 FROM t AS isr WHERE isr.schema_key = 'mock_schema' AND other.schema_key = 'ignored'")
	got := collectSchemaFilters(expr, "isr", newPlaceholderResolver(nil))
	if len(got) != 1 || got[0] != "mock_schema" {
		t.Fatalf("got %v", got)
	}
}

func TestCollectSchemaFiltersOrTreatedAsAnd(t *testing.T) {
	expr := whereOf(t, "SELECT 1 FROM t WHERE schema_key = 'a' OR schema_key = 'b'")
	got := sortedCopy(collectSchemaFilters(expr, "t", newPlaceholderResolver(nil)))
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

func TestCollectSchemaFiltersInList(t *testing.T) {
	expr := whereOf(t, "SELECT 1 FROM t WHERE schema_key IN ('a', 'b', 'c')")
	got := sortedCopy(collectSchemaFilters(expr, "t", newPlaceholderResolver(nil)))
	if len(got) != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestCollectSchemaFiltersBetweenDoesNotExtract(t *testing.T) {
	expr := whereOf(t, "SELECT 1 FROM t WHERE entity_id BETWEEN 'a' AND 'z'")
	got := collectSchemaFilters(expr, "t", newPlaceholderResolver(nil))
	if len(got) != 0 {
		t.Fatalf("expected no schema filters from a BETWEEN over a different column, got %v", got)
	}
}

func TestCollectSchemaFiltersPlaceholder(t *testing.T) {
	expr := whereOf(t, "SELECT 1 FROM t WHERE schema_key = $1")
	resolver := newPlaceholderResolver([]any{"mock_schema"})
	got := collectSchemaFilters(expr, "t", resolver)
	if len(got) != 1 || got[0] != "mock_schema" {
		t.Fatalf("got %v", got)
	}
}

func TestCollectSchemaFiltersUnrelatedConsumesPlaceholder(t *testing.T) {
	expr := whereOf(t, "SELECT 1 FROM t WHERE other_col = $1 AND schema_key = $2")
	resolver := newPlaceholderResolver([]any{"unrelated", "mock_schema"})
	got := collectSchemaFilters(expr, "t", resolver)
	if len(got) != 1 || got[0] != "mock_schema" {
		t.Fatalf("got %v", got)
	}
}
