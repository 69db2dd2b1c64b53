// Package shardcatalog discovers the inputs a rewriter.RewriteContext
// needs, namely which physical internal_state_cache_* shards exist and
// what views are catalogued, either from a static payload or by
// introspecting a live database. It never populates or invalidates
// shards; that remains the caller's responsibility.
package shardcatalog

import (
	"context"

	"github.com/lixrouter/lixrouter/pkg/rewriter"
)

// ContextSource resolves a rewriter.RewriteContext. Implementations may
// do I/O (a live database query) or may simply return a value built once
// from a static payload.
type ContextSource interface {
	Load(ctx context.Context) (*rewriter.RewriteContext, error)
}

// StaticContextSource serves a RewriteContext from a JSON payload a host
// already has in hand, parsed with rewriter.ContextFromJSON, the same
// parser SetSharedContext and the per-call contextJSON argument use. The
// Rewriter itself calls ContextFromJSON directly, not this source.
type StaticContextSource struct {
	contextJSON []byte
}

// NewStaticContextSource stores contextJSON for later parsing. Parsing is
// deferred to Load so a malformed payload surfaces through the same
// ContextSource error path a live source would use, rather than panicking
// at construction time.
func NewStaticContextSource(contextJSON []byte) *StaticContextSource {
	return &StaticContextSource{contextJSON: contextJSON}
}

func (s *StaticContextSource) Load(context.Context) (*rewriter.RewriteContext, error) {
	return rewriter.ContextFromJSON(s.contextJSON)
}
