package rewriter

import (
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

const schemaKeyColumn = "schema_key"

// collectSchemaFilters walks a WHERE/ON expression looking for
// schema_key equality (or IN-list) comparisons against the given table
// alias, consuming positional placeholders along the way so a later pass
// over the same statement sees a resolver left in the right position.
//
// AND and OR are recursed into identically: every schema_key literal
// under either counts. When every arm of an OR compares schema_key, two
// distinct keys result and the reference is declined. An OR that pairs a
// single schema_key comparison with a predicate on another column still
// yields that one key, and the generated branches then filter on it, so
// rows matched only by the other arm are not returned.
func collectSchemaFilters(expr *pg_query.Node, alias string, resolver *placeholderResolver) []string {
	values := map[string]struct{}{}
	collectSchemaFiltersRecursive(expr, alias, resolver, values)

	out := make([]string, 0, len(values))
	for v := range values {
		out = append(out, v)
	}
	return out
}

func collectSchemaFiltersRecursive(expr *pg_query.Node, alias string, resolver *placeholderResolver, output map[string]struct{}) {
	if expr == nil {
		return
	}

	if ae := expr.GetAExpr(); ae != nil {
		switch ae.GetKind() {
		case pg_query.A_Expr_Kind_AEXPR_BETWEEN,
			pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN,
			pg_query.A_Expr_Kind_AEXPR_BETWEEN_SYM,
			pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN_SYM:
			collectSchemaFiltersRecursive(ae.GetLexpr(), alias, resolver, output)
			for _, item := range listItems(ae.GetRexpr()) {
				collectSchemaFiltersRecursive(item, alias, resolver, output)
			}
			return
		case pg_query.A_Expr_Kind_AEXPR_IN:
			if matchesSchemaColumn(ae.GetLexpr(), alias) {
				for _, item := range listItems(ae.GetRexpr()) {
					addLiteralValues(output, extractLiteralValues(item, resolver))
				}
			} else {
				consumePlaceholders(ae.GetLexpr(), resolver)
				for _, item := range listItems(ae.GetRexpr()) {
					consumePlaceholders(item, resolver)
				}
			}
			return
		default:
			if matchesSchemaColumn(ae.GetLexpr(), alias) && isEqOperator(ae) {
				addLiteralValues(output, extractLiteralValues(ae.GetRexpr(), resolver))
			} else if matchesSchemaColumn(ae.GetRexpr(), alias) && isEqOperator(ae) {
				addLiteralValues(output, extractLiteralValues(ae.GetLexpr(), resolver))
			} else {
				consumePlaceholders(ae.GetLexpr(), resolver)
				consumePlaceholders(ae.GetRexpr(), resolver)
			}
			return
		}
	}

	if be := expr.GetBoolExpr(); be != nil {
		for _, arg := range be.GetArgs() {
			collectSchemaFiltersRecursive(arg, alias, resolver, output)
		}
		return
	}

	// Parenthesised sub-expressions leave no trace in this grammar (their
	// precedence is already baked into the tree by the parser), so there
	// is no separate "nested" case to recurse through.
	consumePlaceholders(expr, resolver)
}

func addLiteralValues(output map[string]struct{}, values []string) {
	for _, v := range values {
		if v != "" {
			output[v] = struct{}{}
		}
	}
}

func isEqOperator(ae *pg_query.A_Expr) bool {
	if ae.GetKind() != pg_query.A_Expr_Kind_AEXPR_OP {
		return false
	}
	name := ae.GetName()
	if len(name) != 1 {
		return false
	}
	s := name[0].GetString_()
	return s != nil && s.GetSval() == "="
}

func matchesSchemaColumn(expr *pg_query.Node, alias string) bool {
	if expr == nil {
		return false
	}
	cr := expr.GetColumnRef()
	if cr == nil {
		return false
	}
	fields := cr.GetFields()
	switch len(fields) {
	case 1:
		s := fields[0].GetString_()
		return s != nil && strings.EqualFold(s.GetSval(), schemaKeyColumn)
	case 2:
		table := fields[0].GetString_()
		column := fields[1].GetString_()
		return table != nil && column != nil &&
			strings.EqualFold(column.GetSval(), schemaKeyColumn) &&
			strings.EqualFold(table.GetSval(), alias)
	default:
		return false
	}
}

func extractLiteralValues(expr *pg_query.Node, resolver *placeholderResolver) []string {
	if expr == nil {
		return nil
	}

	if c := expr.GetAConst(); c != nil {
		if c.GetIsnull() {
			return nil
		}
		if s := c.GetSval(); s != nil {
			return []string{s.GetSval()}
		}
		if i := c.GetIval(); i != nil {
			return []string{strconv.Itoa(int(i.GetIval()))}
		}
		if f := c.GetFval(); f != nil {
			return []string{f.GetFval()}
		}
		if b := c.GetBoolval(); b != nil {
			return []string{strconv.FormatBool(b.GetBoolval())}
		}
		return nil
	}

	if pr := expr.GetParamRef(); pr != nil {
		if v, ok := resolver.resolveNextString(); ok {
			return []string{v}
		}
		return nil
	}

	if lst := expr.GetList(); lst != nil {
		var out []string
		for _, item := range lst.GetItems() {
			out = append(out, extractLiteralValues(item, resolver)...)
		}
		return out
	}

	return nil
}

func consumePlaceholders(expr *pg_query.Node, resolver *placeholderResolver) {
	if expr == nil {
		return
	}
	if expr.GetParamRef() != nil {
		resolver.resolveNextString()
		return
	}
	if ae := expr.GetAExpr(); ae != nil {
		consumePlaceholders(ae.GetLexpr(), resolver)
		consumePlaceholders(ae.GetRexpr(), resolver)
		return
	}
	if be := expr.GetBoolExpr(); be != nil {
		for _, arg := range be.GetArgs() {
			consumePlaceholders(arg, resolver)
		}
		return
	}
	if lst := expr.GetList(); lst != nil {
		for _, item := range lst.GetItems() {
			consumePlaceholders(item, resolver)
		}
	}
}

func listItems(expr *pg_query.Node) []*pg_query.Node {
	if expr == nil {
		return nil
	}
	if lst := expr.GetList(); lst != nil {
		return lst.GetItems()
	}
	return nil
}
