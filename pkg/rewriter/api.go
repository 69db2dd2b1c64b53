package rewriter

import (
	"context"
	"sync"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"go.uber.org/zap"
)

// Rewriter owns one cached RewriteContext for SetSharedContext/Rewrite
// calls that don't pass their own context JSON. Go has no faithful
// rendition of the original thread-local cache (goroutines carry no
// stable thread identity), so the cache is an explicit, mutex-guarded
// instance field instead: a host wanting per-worker isolation constructs
// one *Rewriter per worker goroutine; a host happy sharing one cache
// across everything uses DefaultRewriter.
type Rewriter struct {
	mu     sync.RWMutex
	cached *RewriteContext
	Logger *zap.Logger
}

// NewRewriter returns a Rewriter with an empty (unknown-cache) shared
// context and no logger.
func NewRewriter() *Rewriter {
	return &Rewriter{cached: &RewriteContext{}}
}

// DefaultRewriter is a process-wide convenience instance for callers that
// only ever want a single shared cache, e.g. a single-threaded CLI.
var DefaultRewriter = NewRewriter()

// SetSharedContext parses contextJSON and stores it as this Rewriter's
// cached context for future Rewrite calls made without their own
// context JSON. A nil/empty contextJSON resets the cache to unknown.
func (r *Rewriter) SetSharedContext(contextJSON []byte) error {
	parsed, err := ContextFromJSON(contextJSON)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cached = parsed
	r.mu.Unlock()
	return nil
}

func (r *Rewriter) sharedContext() *RewriteContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cached
}

// Rewrite parses sql, substitutes internal_state_reader references (and
// any catalogued views that transitively reach one) with generated
// UNION ALL derived tables, and deparses the result. ctx exists only for
// logging/trace correlation; Rewrite does no I/O and never blocks on it.
func (r *Rewriter) Rewrite(ctx context.Context, sql string, contextJSON []byte) (*RewriteOutput, error) {
	var rctx *RewriteContext
	if contextJSON != nil {
		parsed, err := ContextFromJSON(contextJSON)
		if err != nil {
			return nil, err
		}
		rctx = parsed
	} else {
		rctx = r.sharedContext()
	}

	expandTree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, sqlParseError(err)
	}
	fullTree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, sqlParseError(err)
	}

	expandStats := &rewriteStats{log: r.Logger}
	expandAcc := &rewriteAccumulator{}
	expandResolver := newPlaceholderResolver(rctx.parametersOrEmpty())
	expandChanged, err := rewriteStatements(expandTree, rctx, phaseExpandOnly, expandAcc, expandResolver, expandStats)
	if err != nil {
		return nil, err
	}

	var expandedSQL *string
	if expandChanged && expandStats.expanded {
		s, err := pg_query.Deparse(expandTree)
		if err != nil {
			return nil, subqueryParseError(err.Error(), err)
		}
		expandedSQL = &s
	}

	fullStats := &rewriteStats{log: r.Logger}
	fullAcc := &rewriteAccumulator{}
	fullResolver := newPlaceholderResolver(rctx.parametersOrEmpty())
	finalChanged, err := rewriteStatements(fullTree, rctx, phaseFull, fullAcc, fullResolver, fullStats)
	if err != nil {
		return nil, err
	}

	outputSQL := sql
	if finalChanged {
		s, err := pg_query.Deparse(fullTree)
		if err != nil {
			return nil, subqueryParseError(err.Error(), err)
		}
		outputSQL = s
	}

	return &RewriteOutput{
		SQL:         outputSQL,
		ExpandedSQL: expandedSQL,
		CacheHints:  fullAcc.intoCacheHints(),
	}, nil
}

// Rewrite runs DefaultRewriter.Rewrite.
func Rewrite(ctx context.Context, sql string, contextJSON []byte) (*RewriteOutput, error) {
	return DefaultRewriter.Rewrite(ctx, sql, contextJSON)
}

// SetSharedContext runs DefaultRewriter.SetSharedContext.
func SetSharedContext(contextJSON []byte) error {
	return DefaultRewriter.SetSharedContext(contextJSON)
}
