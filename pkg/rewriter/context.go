package rewriter

import (
	"encoding/json"
	"sort"
	"strings"
)

// stringSet is a set of strings with a nil/empty distinction that a plain
// map cannot carry on its own: a nil *stringSet means "unknown, assume
// every shard exists"; a non-nil, empty one means "known, and empty".
type stringSet map[string]struct{}

func newStringSet(values []string) *stringSet {
	s := make(stringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return &s
}

func (s *stringSet) contains(v string) bool {
	if s == nil {
		return false
	}
	_, ok := (*s)[v]
	return ok
}

func (s *stringSet) sorted() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(*s))
	for v := range *s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// RewriteContext is the resolved, immutable-once-built input a rewrite
// needs beyond the SQL text itself: which physical cache shards exist,
// named view definitions to inline, and the positional parameter values
// backing any placeholders in the statement being rewritten.
type RewriteContext struct {
	tableCache *stringSet
	views      map[string]string
	parameters []any
}

// contextPayload mirrors the wire JSON shape. TableCache is a pointer so
// we can tell "key absent" (nil, unknown cache) from "key present but []"
// (non-nil, known-empty cache).
type contextPayload struct {
	TableCache *[]string         `json:"tableCache"`
	Views      map[string]string `json:"views"`
	Parameters []any             `json:"parameters"`
}

// ContextFromJSON parses the context JSON schema described by the host
// interface. A nil/empty payload yields the zero context: unknown cache,
// no views, no parameters.
func ContextFromJSON(raw []byte) (*RewriteContext, error) {
	if len(raw) == 0 {
		return &RewriteContext{}, nil
	}

	var payload contextPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, contextParseError(err)
	}

	ctx := &RewriteContext{}
	if payload.TableCache != nil {
		ctx.tableCache = newStringSet(*payload.TableCache)
	}

	if len(payload.Views) > 0 {
		ctx.views = make(map[string]string, len(payload.Views))
		for name, sql := range payload.Views {
			sql = strings.TrimSpace(sql)
			if sql == "" {
				continue
			}
			ctx.views[strings.ToLower(name)] = sql
		}
	}

	ctx.parameters = payload.Parameters
	return ctx, nil
}

// NewContext builds a RewriteContext directly from already-resolved
// values, bypassing JSON. This is the path a live ContextSource (one that
// queries a database rather than parsing a host-supplied payload) uses.
// A nil tableCache means unknown (assume every shard exists); pass a
// non-nil, possibly empty, slice to mean "this is the known, complete
// set of shards".
func NewContext(tableCache []string, views map[string]string, parameters []any) *RewriteContext {
	ctx := &RewriteContext{parameters: parameters}
	if tableCache != nil {
		ctx.tableCache = newStringSet(tableCache)
	}
	if len(views) > 0 {
		ctx.views = make(map[string]string, len(views))
		for name, sql := range views {
			sql = strings.TrimSpace(sql)
			if sql == "" {
				continue
			}
			ctx.views[strings.ToLower(name)] = sql
		}
	}
	return ctx
}

// ToJSON serializes this context back into the wire schema ContextFromJSON
// parses, e.g. so a live ContextSource's result can seed SetSharedContext
// on a Rewriter that only accepts JSON at its public boundary.
func (c *RewriteContext) ToJSON() []byte {
	payload := contextPayload{Parameters: c.parametersOrEmpty()}
	if c.CacheKnown() {
		tables := c.cacheTables()
		payload.TableCache = &tables
	}
	if views := c.Views(); len(views) > 0 {
		payload.Views = make(map[string]string, len(views))
		for name, sql := range views {
			payload.Views[name] = sql
		}
	}
	b, _ := json.Marshal(payload)
	return b
}

// CacheTables returns the known cache shard table names, sorted. A nil
// result means the cache is unknown (every shard is assumed to exist);
// distinguish that from "known and empty" with CacheKnown.
func (c *RewriteContext) CacheTables() []string {
	return c.cacheTables()
}

// CacheKnown reports whether this context carries a known, closed-world
// set of cache shards (as opposed to "unknown, assume every shard
// exists").
func (c *RewriteContext) CacheKnown() bool {
	return c != nil && c.tableCache != nil
}

// Views returns the catalogued view name -> SQL body map.
func (c *RewriteContext) Views() map[string]string {
	if c == nil {
		return nil
	}
	return c.views
}

func (c *RewriteContext) shouldIncludeCache(schemaKey string) bool {
	if c == nil || c.tableCache == nil {
		return true
	}
	return c.tableCache.contains(schemaKeyToCacheTableName(schemaKey))
}

func (c *RewriteContext) shouldIncludeInheritance() bool {
	if c == nil || c.tableCache == nil {
		return true
	}
	return c.tableCache.contains(schemaKeyToCacheTableName("lix_version_descriptor"))
}

func (c *RewriteContext) cacheTables() []string {
	if c == nil {
		return nil
	}
	return c.tableCache.sorted()
}

func (c *RewriteContext) viewSQL(tableName string) (string, bool) {
	if c == nil || c.views == nil {
		return "", false
	}
	sql, ok := c.views[strings.ToLower(tableName)]
	return sql, ok
}

func (c *RewriteContext) parametersOrEmpty() []any {
	if c == nil {
		return nil
	}
	return c.parameters
}
