package shardcatalog

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/lixrouter/lixrouter/pkg/fixgres"
)

//go:embed testmigrations/*.sql
var testMigs embed.FS

func TestMain(m *testing.M) {
	sub, _ := fs.Sub(testMigs, "testmigrations")
	fixgres.BootOnce(&testing.T{},
		fixgres.WithDBName("lixrouter_shardcatalog_test"),
		fixgres.WithGooseUp(sub),
	)

	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

func TestDBContextSourceDiscoversCacheShards(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	// The goose migrations run once at boot, into the public schema; the
	// per-test sandbox schema starts empty.
	source := NewDBContextSource(sbx.DB, "public")
	rctx, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := append([]string(nil), rctx.CacheTables()...)
	sort.Strings(got)
	want := []string{"internal_state_cache_mock_schema", "internal_state_cache_other_schema"}
	if len(got) != len(want) {
		t.Fatalf("cache shards mismatch: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cache shards mismatch: got %v want %v", got, want)
		}
	}
}

func TestDBContextSourceDiscoversViews(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	source := NewDBContextSource(sbx.DB, "public")
	rctx, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	views := rctx.Views()
	sql, ok := views["mock_schema_rows"]
	if !ok {
		t.Fatalf("expected mock_schema_rows view to be discovered, views: %v", rctx.Views())
	}
	if !strings.Contains(strings.ToLower(sql), "internal_state_cache_mock_schema") {
		t.Fatalf("expected view definition to reference the cache shard, got: %s", sql)
	}
}

func TestDBContextSourceNeverWrites(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	source := NewDBContextSource(sbx.DB, sbx.Schema)
	if _, err := source.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var count int
	row := sbx.DB.QueryRowContext(context.Background(), `SELECT count(*) FROM internal_state_cache_mock_schema`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("table should be untouched and queryable: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected Load to leave the shard empty, got %d rows", count)
	}
}
