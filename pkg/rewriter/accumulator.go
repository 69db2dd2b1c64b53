package rewriter

import "sort"

// rewriteAccumulator collects cache hints during the full rewrite pass
// only; the expand-only pass runs against a throwaway accumulator since
// its substitutions are unconditional and don't represent a decision a
// caller needs telemetry about.
type rewriteAccumulator struct {
	internalStateReader *internalStateReaderHint
}

type internalStateReaderHint struct {
	schemaKeys        map[string]struct{}
	includeInheritance bool
}

func (a *rewriteAccumulator) touchInternalStateReader(schemaKey string, includeInheritance bool) {
	hint := a.hint()
	hint.schemaKeys[schemaKey] = struct{}{}
	if includeInheritance {
		hint.includeInheritance = true
	}
}

func (a *rewriteAccumulator) touchInternalStateReaderAny(includeInheritance bool) {
	hint := a.hint()
	if includeInheritance {
		hint.includeInheritance = true
	}
}

func (a *rewriteAccumulator) hint() *internalStateReaderHint {
	if a.internalStateReader == nil {
		a.internalStateReader = &internalStateReaderHint{schemaKeys: map[string]struct{}{}}
	}
	return a.internalStateReader
}

// intoCacheHints renders the accumulated touches into the wire shape, or
// nil when no internal_state_reader reference was routed during the full
// pass, including when every reference was declined (the cacheHints
// field is then omitted entirely, not emitted empty).
func (a *rewriteAccumulator) intoCacheHints() *CacheHints {
	if a.internalStateReader == nil {
		return nil
	}
	keys := make([]string, 0, len(a.internalStateReader.schemaKeys))
	for k := range a.internalStateReader.schemaKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &CacheHints{
		InternalStateReader: &InternalStateReaderHintPayload{
			SchemaKeys:         keys,
			IncludeInheritance: a.internalStateReader.includeInheritance,
		},
	}
}

// RewriteOutput is the JSON shape returned to a host: the rewritten SQL,
// an optional always-expanded variant, and optional cache hints.
type RewriteOutput struct {
	SQL         string      `json:"sql"`
	ExpandedSQL *string     `json:"expandedSql,omitempty"`
	CacheHints  *CacheHints `json:"cacheHints,omitempty"`
}

type CacheHints struct {
	InternalStateReader *InternalStateReaderHintPayload `json:"internalStateReader,omitempty"`
}

type InternalStateReaderHintPayload struct {
	SchemaKeys         []string `json:"schemaKeys"`
	IncludeInheritance bool     `json:"includeInheritance"`
}
