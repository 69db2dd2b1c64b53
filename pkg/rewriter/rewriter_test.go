package rewriter

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func mustRewrite(t *testing.T, sql string, contextJSON []byte) *RewriteOutput {
	t.Helper()
	out, err := NewRewriter().Rewrite(context.Background(), sql, contextJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return out
}

func TestUnrelatedQueryPassthrough(t *testing.T) {
	out := mustRewrite(t, "SELECT 1", nil)
	if out.SQL != "SELECT 1" {
		t.Fatalf("sql mismatch: %q", out.SQL)
	}
	if out.ExpandedSQL != nil {
		t.Fatalf("expected no expandedSql, got %q", *out.ExpandedSQL)
	}
	if out.CacheHints != nil {
		t.Fatalf("expected no cacheHints, got %+v", out.CacheHints)
	}
}

func TestSchemaScopedRewriteHitsCache(t *testing.T) {
	ctx := []byte(`{"tableCache": ["internal_state_cache_mock_schema"]}`)
	out := mustRewrite(t, "SELECT * FROM internal_state_reader WHERE schema_key = 'mock_schema'", ctx)

	if !strings.Contains(out.SQL, "internal_state_cache_mock_schema") {
		t.Fatalf("expected cache table reference, got:\n%s", out.SQL)
	}
	if !strings.Contains(out.SQL, "UNION ALL") {
		t.Fatalf("expected UNION ALL, got:\n%s", out.SQL)
	}
	if out.CacheHints == nil || out.CacheHints.InternalStateReader == nil {
		t.Fatalf("expected cache hints, got none")
	}
	if got := out.CacheHints.InternalStateReader.SchemaKeys; len(got) != 1 || got[0] != "mock_schema" {
		t.Fatalf("schemaKeys mismatch: %v", got)
	}
}

func TestSchemaScopedRewriteMissesCache(t *testing.T) {
	ctx := []byte(`{"tableCache": []}`)
	out := mustRewrite(t, "SELECT * FROM internal_state_reader WHERE schema_key = 'missing_schema'", ctx)

	if out.SQL == "SELECT * FROM internal_state_reader WHERE schema_key = 'missing_schema'" {
		t.Fatalf("expected sql to change")
	}
	if !strings.Contains(out.SQL, "internal_state_all_untracked") {
		t.Fatalf("expected untracked branch, got:\n%s", out.SQL)
	}
	if strings.Contains(out.SQL, "internal_state_cache_missing_schema") {
		t.Fatalf("did not expect a cache reference, got:\n%s", out.SQL)
	}
	if got := out.CacheHints.InternalStateReader.SchemaKeys; len(got) != 1 || got[0] != "missing_schema" {
		t.Fatalf("schemaKeys mismatch: %v", got)
	}
}

func TestViewInliningWithoutStateReader(t *testing.T) {
	ctx := []byte(`{"views": {"example_view": "SELECT 42 AS value"}}`)
	out := mustRewrite(t, "SELECT * FROM example_view", ctx)

	if out.ExpandedSQL == nil || !strings.Contains(*out.ExpandedSQL, "42 AS value") {
		t.Fatalf("expected expandedSql to contain inlined view body, got: %v", out.ExpandedSQL)
	}
	if out.SQL != "SELECT * FROM example_view" {
		t.Fatalf("expected unrouted view reference kept verbatim, got: %q", out.SQL)
	}
	if out.CacheHints != nil {
		t.Fatalf("expected no cacheHints, got %+v", out.CacheHints)
	}
}

func TestPlaceholderResolution(t *testing.T) {
	ctx := []byte(`{"tableCache": ["internal_state_cache_mock_schema"], "parameters": ["mock_schema"]}`)
	out := mustRewrite(t, "SELECT * FROM internal_state_reader WHERE schema_key = $1", ctx)

	if !strings.Contains(out.SQL, "internal_state_cache_mock_schema") {
		t.Fatalf("expected cache table reference, got:\n%s", out.SQL)
	}
	if got := out.CacheHints.InternalStateReader.SchemaKeys; len(got) != 1 || got[0] != "mock_schema" {
		t.Fatalf("schemaKeys mismatch: %v", got)
	}
}

func TestViewTargetsStateReader(t *testing.T) {
	ctx := []byte(`{"views": {"state_reader_view": "SELECT entity_id FROM internal_state_reader WHERE schema_key = 'mock_schema'"}}`)
	out := mustRewrite(t, "SELECT entity_id FROM state_reader_view", ctx)

	if out.ExpandedSQL == nil {
		t.Fatalf("expected expandedSql to be present")
	}
	if !strings.Contains(*out.ExpandedSQL, "internal_state_reader") {
		t.Fatalf("expected expansion view to still show the alias named after the state reader, got:\n%s", *out.ExpandedSQL)
	}
	if !strings.Contains(out.SQL, "UNION ALL") {
		t.Fatalf("expected the final sql to inline the view since it reaches the state reader, got:\n%s", out.SQL)
	}
}

func TestIdempotence(t *testing.T) {
	ctx := []byte(`{"tableCache": ["internal_state_cache_mock_schema"]}`)
	first := mustRewrite(t, "SELECT * FROM internal_state_reader WHERE schema_key = 'mock_schema'", ctx)
	second := mustRewrite(t, first.SQL, ctx)

	if second.SQL != first.SQL {
		t.Fatalf("rewrite is not idempotent:\nfirst:\n%s\nsecond:\n%s", first.SQL, second.SQL)
	}
}

func TestDeterministicOutput(t *testing.T) {
	ctx := []byte(`{"tableCache": ["internal_state_cache_mock_schema"]}`)
	a := mustRewrite(t, "SELECT * FROM internal_state_reader WHERE schema_key = 'mock_schema'", ctx)
	b := mustRewrite(t, "SELECT * FROM internal_state_reader WHERE schema_key = 'mock_schema'", ctx)

	if a.SQL != b.SQL {
		t.Fatalf("expected byte-identical output across calls")
	}
}

func TestOuterWhereIsPreservedVerbatim(t *testing.T) {
	ctx := []byte(`{"tableCache": ["internal_state_cache_mock_schema"]}`)
	out := mustRewrite(t, "SELECT * FROM internal_state_reader isr WHERE isr.schema_key = 'mock_schema' AND isr.entity_id = 'e1'", ctx)

	if !strings.Contains(out.SQL, "entity_id = 'e1'") {
		t.Fatalf("expected outer predicate kept verbatim, got:\n%s", out.SQL)
	}
}

func TestDeclinesMultiValueEquality(t *testing.T) {
	ctx := []byte(`{"tableCache": ["internal_state_cache_a", "internal_state_cache_b"]}`)
	out := mustRewrite(t, "SELECT * FROM internal_state_reader WHERE schema_key IN ('a', 'b')", ctx)

	if out.SQL != "SELECT * FROM internal_state_reader WHERE schema_key IN ('a', 'b')" {
		t.Fatalf("expected the declined reference to be left untouched, got:\n%s", out.SQL)
	}
	if out.CacheHints != nil {
		t.Fatalf("expected no cacheHints for a declined reference, got %+v", out.CacheHints)
	}
}

func TestSchemaKeysSortedAndDeduplicated(t *testing.T) {
	ctx := []byte(`{"tableCache": ["internal_state_cache_b_schema"]}`)
	out := mustRewrite(t, "SELECT * FROM internal_state_reader a JOIN internal_state_reader b ON a.entity_id = b.entity_id WHERE a.schema_key = 'b_schema' AND b.schema_key = 'b_schema'", ctx)

	keys := out.CacheHints.InternalStateReader.SchemaKeys
	if len(keys) != 1 || keys[0] != "b_schema" {
		t.Fatalf("expected deduplicated sorted schema keys, got %v", keys)
	}
}

func TestContextRejectsNonStringViewBody(t *testing.T) {
	_, err := ContextFromJSON([]byte(`{"views": {"v": 42}}`))
	if err == nil {
		t.Fatalf("expected a ContextParse error for a non-string view body")
	}
	var rerr *RewriteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a *RewriteError, got %T", err)
	}
	if rerr.Kind != KindContextParse {
		t.Fatalf("expected KindContextParse, got %v", rerr.Kind)
	}
}
