package shardcatalog

import (
	"context"
	"testing"
)

func TestStaticContextSourceLoad(t *testing.T) {
	source := NewStaticContextSource([]byte(`{"tableCache": ["internal_state_cache_mock_schema"]}`))
	rctx, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tables := rctx.CacheTables()
	if len(tables) != 1 || tables[0] != "internal_state_cache_mock_schema" {
		t.Fatalf("cache tables mismatch: %v", tables)
	}
}

func TestStaticContextSourceLoadEmptyPayload(t *testing.T) {
	source := NewStaticContextSource(nil)
	rctx, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rctx.CacheKnown() {
		t.Fatalf("expected an unknown cache for an empty payload")
	}
}

func TestStaticContextSourceLoadMalformedPayload(t *testing.T) {
	source := NewStaticContextSource([]byte(`{"views": {"v": 42}}`))
	if _, err := source.Load(context.Background()); err == nil {
		t.Fatalf("expected an error for a non-string view body")
	}
}
