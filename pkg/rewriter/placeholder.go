package rewriter

import "strconv"

// placeholderResolver walks context parameters left to right as
// placeholders are encountered during predicate analysis. It ignores the
// numbered index a $N parameter reference carries: only traversal order
// determines which parameter is consumed next, as if every placeholder
// were a bare positional "?".
type placeholderResolver struct {
	parameters []any
	position   int
}

func newPlaceholderResolver(parameters []any) *placeholderResolver {
	return &placeholderResolver{parameters: parameters}
}

// resolveNextString advances the cursor and renders the next parameter as
// a string, or returns false once parameters are exhausted or the value
// isn't string/number/bool shaped.
func (r *placeholderResolver) resolveNextString() (string, bool) {
	if r.position >= len(r.parameters) {
		return "", false
	}
	value := r.parameters[r.position]
	r.position++

	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
