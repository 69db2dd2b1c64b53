package rewriter

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"go.uber.org/zap"

	"github.com/lixrouter/lixrouter/internal/logutil"
)

const targetView = "internal_state_reader"

type rewritePhase int

const (
	phaseExpandOnly rewritePhase = iota
	phaseFull
)

// rewriteStats carries the one piece of cross-call state the two-phase
// driver in api.go needs: whether any internal_state_reader/view
// substitution actually happened, independent of whether the resulting
// tree differs textually from the input (a no-op rewrite of an
// already-rewritten statement still "changes" the tree structurally
// without this flag ever flipping again).
type rewriteStats struct {
	expanded bool
	log      *zap.Logger
}

func (s *rewriteStats) debug(msg string, fields ...zap.Field) {
	if s == nil || s.log == nil {
		return
	}
	s.log.Debug(msg, logutil.Values(fields...))
}

func (s *rewriteStats) warn(msg string, fields ...zap.Field) {
	if s == nil || s.log == nil {
		return
	}
	s.log.Warn(msg, logutil.Values(fields...))
}

type tableTarget struct {
	alias     string
	tableName string
}

func analyzeRangeVar(rv *pg_query.RangeVar) tableTarget {
	tableName := rv.GetRelname()
	alias := tableName
	if a := rv.GetAlias(); a != nil && a.GetAliasname() != "" {
		alias = a.GetAliasname()
	}
	return tableTarget{alias: alias, tableName: tableName}
}

func rewriteStatements(tree *pg_query.ParseResult, rctx *RewriteContext, phase rewritePhase, acc *rewriteAccumulator, resolver *placeholderResolver, stats *rewriteStats) (bool, error) {
	changed := false
	for _, raw := range tree.GetStmts() {
		sel := raw.GetStmt().GetSelectStmt()
		if sel == nil {
			// DML and DDL statements are not traversed; only SELECT
			// statements can reference internal_state_reader.
			continue
		}
		c, err := rewriteSelectStmt(sel, rctx, phase, acc, resolver, stats)
		if err != nil {
			return changed, err
		}
		if c {
			changed = true
		}
	}
	return changed, nil
}

func rewriteSelectStmt(sel *pg_query.SelectStmt, rctx *RewriteContext, phase rewritePhase, acc *rewriteAccumulator, resolver *placeholderResolver, stats *rewriteStats) (bool, error) {
	if sel == nil {
		return false, nil
	}
	changed := false

	if with := sel.GetWithClause(); with != nil {
		for _, cteNode := range with.GetCtes() {
			cte := cteNode.GetCommonTableExpr()
			if cte == nil {
				continue
			}
			sub := cte.GetCtequery()
			if sub == nil {
				continue
			}
			c, err := rewriteSelectStmt(sub.GetSelectStmt(), rctx, phase, acc, resolver, stats)
			if err != nil {
				return changed, err
			}
			if c {
				changed = true
			}
		}
	}

	if l := sel.GetLarg(); l != nil {
		c, err := rewriteSelectStmt(l, rctx, phase, acc, resolver, stats)
		if err != nil {
			return changed, err
		}
		if c {
			changed = true
		}
	}
	if r := sel.GetRarg(); r != nil {
		c, err := rewriteSelectStmt(r, rctx, phase, acc, resolver, stats)
		if err != nil {
			return changed, err
		}
		if c {
			changed = true
		}
	}

	for i, item := range sel.GetFromClause() {
		replacement, c, err := rewriteFromItem(item, sel.GetWhereClause(), rctx, phase, acc, resolver, stats)
		if err != nil {
			return changed, err
		}
		if replacement != nil {
			sel.FromClause[i] = replacement
			changed = true
		}
		if c {
			changed = true
		}
	}

	return changed, nil
}

// rewriteFromItem inspects one FROM-clause entry. It returns a non-nil
// replacement Node when the caller must splice it in directly (a base
// table substituted for a derived subquery); joins and range-subselects
// are mutated in place instead, since the caller only has a slice index
// for a top-level FROM item, not for their nested Larg/Rarg/Subquery
// fields.
func rewriteFromItem(item *pg_query.Node, whereClause *pg_query.Node, rctx *RewriteContext, phase rewritePhase, acc *rewriteAccumulator, resolver *placeholderResolver, stats *rewriteStats) (*pg_query.Node, bool, error) {
	if je := item.GetJoinExpr(); je != nil {
		changed := false
		if la := je.GetLarg(); la != nil {
			repl, c, err := rewriteFromItem(la, whereClause, rctx, phase, acc, resolver, stats)
			if err != nil {
				return nil, false, err
			}
			if repl != nil {
				je.Larg = repl
				changed = true
			}
			if c {
				changed = true
			}
		}
		if ra := je.GetRarg(); ra != nil {
			repl, c, err := rewriteFromItem(ra, whereClause, rctx, phase, acc, resolver, stats)
			if err != nil {
				return nil, false, err
			}
			if repl != nil {
				je.Rarg = repl
				changed = true
			}
			if c {
				changed = true
			}
		}
		return nil, changed, nil
	}

	if rs := item.GetRangeSubselect(); rs != nil {
		sub := rs.GetSubquery()
		if sub == nil {
			return nil, false, nil
		}
		c, err := rewriteSelectStmt(sub.GetSelectStmt(), rctx, phase, acc, resolver, stats)
		return nil, c, err
	}

	rv := item.GetRangeVar()
	if rv == nil {
		// Function calls, VALUES, JSON_TABLE, etc. can't reference
		// internal_state_reader directly and carry no sub-SELECT of
		// their own.
		return nil, false, nil
	}

	target := analyzeRangeVar(rv)

	if strings.EqualFold(target.tableName, targetView) {
		return rewriteStateReaderReference(target, whereClause, phase, rctx, acc, resolver, stats)
	}

	if viewSQL, ok := rctx.viewSQL(target.tableName); ok {
		derived, referencesReader, err := expandViewTableFactor(target, viewSQL, rctx, phase, acc, resolver, stats)
		if err != nil {
			return nil, false, err
		}
		if phase == phaseExpandOnly {
			stats.expanded = true
			return derived, true, nil
		}
		if referencesReader {
			stats.expanded = true
			return derived, true, nil
		}
		return nil, false, nil
	}

	return nil, false, nil
}

func rewriteStateReaderReference(target tableTarget, whereClause *pg_query.Node, phase rewritePhase, rctx *RewriteContext, acc *rewriteAccumulator, resolver *placeholderResolver, stats *rewriteStats) (*pg_query.Node, bool, error) {
	var schemaFilters []string
	if whereClause != nil {
		schemaFilters = collectSchemaFilters(whereClause, target.alias, resolver)
	}

	stats.debug("schema filters extracted", zap.Strings("schemaKeys", schemaFilters), zap.String("alias", target.alias))

	includeInheritance := rctx.shouldIncludeInheritance()
	schemaKey, cacheTables, ok := resolveCacheSelection(rctx, schemaFilters)
	if !ok {
		// Two or more distinct schema_key literals were found in the
		// filter: which single shard to route to is ambiguous, so the
		// reference is left untouched rather than guessed at.
		stats.warn("declined ambiguous multi-schema predicate", zap.Strings("schemaKeys", schemaFilters))
		return nil, false, nil
	}

	subquerySQL := buildInternalStateReaderSubquery(schemaKey, cacheTables, includeInheritance)
	subSelect, err := parseSelectQuery(subquerySQL)
	if err != nil {
		return nil, false, err
	}
	clearLimitOffset(subSelect)

	stats.expanded = true
	if phase == phaseFull {
		if schemaKey != nil {
			acc.touchInternalStateReader(*schemaKey, includeInheritance)
		} else {
			acc.touchInternalStateReaderAny(includeInheritance)
		}
	}

	return wrapAsDerived(subSelect, target.alias), true, nil
}

// resolveCacheSelection turns the distinct schema_key literals found in a
// predicate into the single-shard or any-shard cache selection the
// branch builder needs. ok is false only for the declined 2+ distinct
// keys case.
func resolveCacheSelection(rctx *RewriteContext, schemaFilters []string) (*string, []string, bool) {
	switch len(schemaFilters) {
	case 0:
		descriptor := schemaKeyToCacheTableName(descriptorSchemaKey)
		var tables []string
		for _, t := range rctx.cacheTables() {
			if t != descriptor {
				tables = append(tables, t)
			}
		}
		return nil, tables, true
	case 1:
		key := schemaFilters[0]
		if rctx.shouldIncludeCache(key) {
			return &key, []string{schemaKeyToCacheTableName(key)}, true
		}
		return &key, nil, true
	default:
		return nil, nil, false
	}
}

func expandViewTableFactor(target tableTarget, viewSQL string, rctx *RewriteContext, phase rewritePhase, acc *rewriteAccumulator, resolver *placeholderResolver, stats *rewriteStats) (*pg_query.Node, bool, error) {
	subSelect, err := parseSelectQuery(viewSQL)
	if err != nil {
		return nil, false, err
	}
	// Check for the state reader before rewriting: once the body has been
	// rewritten, its reader references are derived tables and no longer
	// show up as base tables. A nested catalogued view that reaches the
	// reader shows up as a change reported by rewriteSelectStmt.
	referencesReader := selectStmtContainsInternalStateReader(subSelect)
	changed, err := rewriteSelectStmt(subSelect, rctx, phase, acc, resolver, stats)
	if err != nil {
		return nil, false, err
	}
	referencesReader = referencesReader || changed
	clearLimitOffset(subSelect)
	return wrapAsDerived(subSelect, target.alias), referencesReader, nil
}

func selectStmtContainsInternalStateReader(sel *pg_query.SelectStmt) bool {
	if sel == nil {
		return false
	}
	if with := sel.GetWithClause(); with != nil {
		for _, cteNode := range with.GetCtes() {
			if cte := cteNode.GetCommonTableExpr(); cte != nil {
				if selectStmtContainsInternalStateReader(cte.GetCtequery().GetSelectStmt()) {
					return true
				}
			}
		}
	}
	if selectStmtContainsInternalStateReader(sel.GetLarg()) || selectStmtContainsInternalStateReader(sel.GetRarg()) {
		return true
	}
	for _, item := range sel.GetFromClause() {
		if fromItemContainsInternalStateReader(item) {
			return true
		}
	}
	return false
}

func fromItemContainsInternalStateReader(item *pg_query.Node) bool {
	if je := item.GetJoinExpr(); je != nil {
		return fromItemContainsInternalStateReader(je.GetLarg()) || fromItemContainsInternalStateReader(je.GetRarg())
	}
	if rs := item.GetRangeSubselect(); rs != nil {
		return selectStmtContainsInternalStateReader(rs.GetSubquery().GetSelectStmt())
	}
	if rv := item.GetRangeVar(); rv != nil {
		return strings.EqualFold(rv.GetRelname(), targetView)
	}
	return false
}

func clearLimitOffset(sel *pg_query.SelectStmt) {
	sel.LimitCount = nil
	sel.LimitOffset = nil
}

func wrapAsDerived(sel *pg_query.SelectStmt, aliasName string) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_RangeSubselect{
			RangeSubselect: &pg_query.RangeSubselect{
				Subquery: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}},
				Alias:    &pg_query.Alias{Aliasname: aliasName},
			},
		},
	}
}

func parseSelectQuery(sql string) (*pg_query.SelectStmt, error) {
	cleaned := strings.TrimSpace(sql)
	cleaned = strings.TrimSpace(strings.TrimRight(cleaned, ";"))
	if cleaned == "" {
		return nil, fmtSubqueryError("View definition produced an empty query")
	}

	tree, err := pg_query.Parse(cleaned)
	if err != nil {
		return nil, subqueryParseError(err.Error(), err)
	}

	stmts := tree.GetStmts()
	if len(stmts) == 0 {
		return nil, fmtSubqueryError("View definition did not contain a query")
	}

	sel := stmts[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return nil, fmtSubqueryError("View definition is not a SELECT query")
	}
	return sel, nil
}
