package rewriter

import (
	"fmt"
	"strings"
)

const descriptorSchemaKey = "lix_version_descriptor"

// schemaKeyToCacheTableName maps a schema key to the physical shard table
// name that holds its cached rows: internal_state_cache_<sanitized key>,
// with every non-alphanumeric rune folded to an underscore.
func schemaKeyToCacheTableName(schemaKey string) string {
	var b strings.Builder
	b.Grow(len(schemaKey) + len("internal_state_cache_"))
	b.WriteString("internal_state_cache_")
	for _, r := range schemaKey {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func escapeSingleQuotes(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

func isSimpleIdentifier(value string) bool {
	for _, r := range value {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '$') {
			return false
		}
	}
	return value != ""
}

func formatIdentifier(value string) string {
	if isSimpleIdentifier(value) {
		return value
	}
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

// buildInternalStateReaderSubquery assembles the full UNION ALL derived
// table (and, when inheritance is in play, its surrounding recursive CTE)
// that an internal_state_reader reference is replaced with.
//
// schemaKey nil means no schema_key literal was found (2+ distinct
// literals are declined before this is called): every shard in
// cacheTables is unioned in via a cache_union CTE instead of a single
// shard reference.
func buildInternalStateReaderSubquery(schemaKey *string, cacheTables []string, includeInheritance bool) string {
	includeCache := len(cacheTables) > 0

	segments := []string{
		buildTransactionBranch(schemaKey),
		buildUntrackedBranch(schemaKey),
	}

	var cacheAlias string
	var cacheUnionCTE string
	var cacheTableForCTE string

	if includeCache {
		if schemaKey != nil {
			tableName := cacheTables[0]
			cacheIdentifier := formatIdentifier(tableName)
			segments = append(segments, buildCacheBranch(schemaKey, cacheIdentifier))
			if includeInheritance {
				segments = append(segments, buildCacheInheritanceBranch(schemaKey, cacheIdentifier))
			}
			cacheAlias = cacheIdentifier
			cacheTableForCTE = tableName
		} else {
			cacheIdentifier := "cache_union"
			unionBody := make([]string, 0, len(cacheTables))
			for _, name := range cacheTables {
				unionBody = append(unionBody, buildCacheUnion(name))
			}
			segments = append(segments, buildCacheBranch(nil, cacheIdentifier))
			if includeInheritance {
				segments = append(segments, buildCacheInheritanceBranch(nil, cacheIdentifier))
			}
			cacheUnionCTE = fmt.Sprintf("cache_union AS (%s)", strings.Join(unionBody, "\nUNION ALL\n"))
			cacheAlias = cacheIdentifier
		}
	}

	if includeInheritance {
		segments = append(segments, buildInheritedUntrackedBranch(schemaKey, includeCache, cacheAlias))
		segments = append(segments, buildInheritedTxnBranch(schemaKey, includeCache, cacheAlias))
	}

	union := joinWithUnion(segments)
	descriptor := formatIdentifier(schemaKeyToCacheTableName(descriptorSchemaKey))

	switch {
	case includeInheritance:
		return buildInheritanceCTE(includeCache, cacheTableForCTE, cacheUnionCTE, descriptor, union)
	case includeCache:
		if cacheUnionCTE != "" {
			return fmt.Sprintf("WITH %s SELECT DISTINCT * FROM (%s)", cacheUnionCTE, union)
		}
		if cacheTableForCTE != "" {
			return fmt.Sprintf("WITH cache_union AS (%s) SELECT DISTINCT * FROM (%s)", buildCacheUnion(cacheTableForCTE), union)
		}
		return fmt.Sprintf("SELECT DISTINCT * FROM (%s)", union)
	default:
		return fmt.Sprintf("SELECT DISTINCT * FROM (%s)", union)
	}
}

func buildInheritanceCTE(includeCache bool, cacheTable string, cacheUnionCTE string, descriptorTable string, unionSQL string) string {
	var segments []string
	if includeCache {
		switch {
		case cacheUnionCTE != "":
			segments = append(segments, cacheUnionCTE)
		case cacheTable != "":
			segments = append(segments, fmt.Sprintf("cache_union AS (%s)", buildCacheUnion(cacheTable)))
		}
	}

	segments = append(segments, fmt.Sprintf(
		"version_descriptor_base AS (\n\tSELECT\n\t\tjson_extract(isc_v.snapshot_content, '$.id') AS version_id,\n\t\tjson_extract(isc_v.snapshot_content, '$.inherits_from_version_id') AS inherits_from_version_id\n\tFROM %s AS isc_v\n\tWHERE isc_v.inheritance_delete_marker = 0\n)",
		descriptorTable,
	))
	segments = append(segments,
		"version_inheritance(version_id, ancestor_version_id) AS (\n\tSELECT\n\t\tvdb.version_id,\n\t\tvdb.inherits_from_version_id\n\tFROM version_descriptor_base vdb\n\tWHERE vdb.inherits_from_version_id IS NOT NULL\n\n\tUNION\n\n\tSELECT\n\t\tvir.version_id,\n\t\tvdb.inherits_from_version_id\n\tFROM version_inheritance vir\n\tJOIN version_descriptor_base vdb ON vdb.version_id = vir.ancestor_version_id\n\tWHERE vdb.inherits_from_version_id IS NOT NULL\n)",
	)
	segments = append(segments,
		"version_parent AS (\n\tSELECT\n\t\tvdb.version_id,\n\t\tvdb.inherits_from_version_id AS parent_version_id\n\tFROM version_descriptor_base vdb\n\tWHERE vdb.inherits_from_version_id IS NOT NULL\n)",
	)

	withClause := "WITH RECURSIVE " + strings.Join(segments, ",\n\n")
	return fmt.Sprintf("%s\nSELECT DISTINCT * FROM (%s)", withClause, unionSQL)
}

func buildCacheUnion(cacheTableName string) string {
	return fmt.Sprintf("SELECT * FROM %s", formatIdentifier(cacheTableName))
}

func joinWithUnion(segments []string) string {
	trimmed := make([]string, len(segments))
	for i, s := range segments {
		trimmed[i] = strings.TrimRight(s, " \t\n")
	}
	return strings.Join(trimmed, "\n\nUNION ALL\n\n")
}

func buildTransactionBranch(schemaKey *string) string {
	filter := ""
	if schemaKey != nil {
		filter = fmt.Sprintf("WHERE txn.schema_key = '%s'", escapeSingleQuotes(*schemaKey))
	}
	return fmt.Sprintf(
		"SELECT\n\t'T' || '~' || lix_encode_pk_part(txn.file_id) || '~' || lix_encode_pk_part(txn.entity_id) || '~' || lix_encode_pk_part(txn.version_id) AS _pk,\n\ttxn.entity_id,\n\ttxn.schema_key,\n\ttxn.file_id,\n\ttxn.plugin_key,\n\tjson(txn.snapshot_content) AS snapshot_content,\n\ttxn.schema_version,\n\ttxn.version_id,\n\ttxn.created_at,\n\ttxn.created_at AS updated_at,\n\tNULL AS inherited_from_version_id,\n\ttxn.id AS change_id,\n\ttxn.untracked,\n\t'pending' AS commit_id,\n\tjson(txn.metadata) AS metadata,\n\tws_txn.writer_key\nFROM internal_transaction_state txn\nLEFT JOIN internal_state_writer ws_txn ON\n\tws_txn.file_id = txn.file_id AND\n\tws_txn.entity_id = txn.entity_id AND\n\tws_txn.schema_key = txn.schema_key AND\n\tws_txn.version_id = txn.version_id\n%s",
		filter,
	)
}

func buildUntrackedBranch(schemaKey *string) string {
	filter := ""
	if schemaKey != nil {
		filter = fmt.Sprintf("AND u.schema_key = '%s'", escapeSingleQuotes(*schemaKey))
	}
	return fmt.Sprintf(
		"SELECT\n\t'U' || '~' || lix_encode_pk_part(u.file_id) || '~' || lix_encode_pk_part(u.entity_id) || '~' || lix_encode_pk_part(u.version_id) AS _pk,\n\tu.entity_id,\n\tu.schema_key,\n\tu.file_id,\n\tu.plugin_key,\n\tjson(u.snapshot_content) AS snapshot_content,\n\tu.schema_version,\n\tu.version_id,\n\tu.created_at,\n\tu.updated_at,\n\tNULL AS inherited_from_version_id,\n\t'untracked' AS change_id,\n\t1 AS untracked,\n\t'untracked' AS commit_id,\n\tNULL AS metadata,\n\tws_untracked.writer_key\nFROM internal_state_all_untracked u\nLEFT JOIN internal_state_writer ws_untracked ON\n\tws_untracked.file_id = u.file_id AND\n\tws_untracked.entity_id = u.entity_id AND\n\tws_untracked.schema_key = u.schema_key AND\n\tws_untracked.version_id = u.version_id\nWHERE u.inheritance_delete_marker = 0\n\tAND u.snapshot_content IS NOT NULL\n\t%s\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_transaction_state t\n\tWHERE t.version_id = u.version_id\n\t\tAND t.file_id = u.file_id\n\t\tAND t.schema_key = u.schema_key\n\t\tAND t.entity_id = u.entity_id\n)\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_state_all_untracked child_unt\n\tWHERE child_unt.version_id = u.version_id\n\t\tAND child_unt.file_id = u.file_id\n\t\tAND child_unt.schema_key = u.schema_key\n\t\tAND child_unt.entity_id = u.entity_id\n\t\tAND child_unt.rowid != u.rowid\n)",
		filter,
	)
}

func buildCacheBranch(schemaKey *string, cacheTable string) string {
	filter := ""
	if schemaKey != nil {
		filter = fmt.Sprintf("AND c.schema_key = '%s'", escapeSingleQuotes(*schemaKey))
	}
	return fmt.Sprintf(
		"SELECT\n\t'C' || '~' || lix_encode_pk_part(c.file_id) || '~' || lix_encode_pk_part(c.entity_id) || '~' || lix_encode_pk_part(c.version_id) AS _pk,\n\tc.entity_id,\n\tc.schema_key,\n\tc.file_id,\n\tc.plugin_key,\n\tjson(c.snapshot_content) AS snapshot_content,\n\tc.schema_version,\n\tc.version_id,\n\tc.created_at,\n\tc.updated_at,\n\tc.inherited_from_version_id,\n\tc.change_id,\n\t0 AS untracked,\n\tc.commit_id,\n\tch.metadata AS metadata,\n\tws_cache.writer_key\nFROM %s AS c\nLEFT JOIN change ch ON ch.id = c.change_id\nLEFT JOIN internal_state_writer ws_cache ON\n\tws_cache.file_id = c.file_id AND\n\tws_cache.entity_id = c.entity_id AND\n\tws_cache.schema_key = c.schema_key AND\n\tws_cache.version_id = c.version_id\nWHERE (\n\t(c.inheritance_delete_marker = 0 AND c.snapshot_content IS NOT NULL) OR\n\t(c.inheritance_delete_marker = 1 AND c.snapshot_content IS NULL)\n)\n\t%s\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_transaction_state t\n\tWHERE t.version_id = c.version_id\n\t\tAND t.file_id = c.file_id\n\t\tAND t.schema_key = c.schema_key\n\t\tAND t.entity_id = c.entity_id\n)\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_state_all_untracked u\n\tWHERE u.version_id = c.version_id\n\t\tAND u.file_id = c.file_id\n\t\tAND u.schema_key = c.schema_key\n\t\tAND u.entity_id = c.entity_id\n)",
		cacheTable, filter,
	)
}

func buildCacheInheritanceBranch(schemaKey *string, cacheTable string) string {
	filter := ""
	if schemaKey != nil {
		filter = fmt.Sprintf("AND isc.schema_key = '%s'", escapeSingleQuotes(*schemaKey))
	}
	return fmt.Sprintf(
		"SELECT\n\t'CI' || '~' || lix_encode_pk_part(isc.file_id) || '~' || lix_encode_pk_part(isc.entity_id) || '~' || lix_encode_pk_part(vi.version_id) AS _pk,\n\tisc.entity_id,\n\tisc.schema_key,\n\tisc.file_id,\n\tisc.plugin_key,\n\tjson(isc.snapshot_content) AS snapshot_content,\n\tisc.schema_version,\n\tvi.version_id,\n\tisc.created_at,\n\tisc.updated_at,\n\tisc.version_id AS inherited_from_version_id,\n\tisc.change_id,\n\t0 AS untracked,\n\tisc.commit_id,\n\tch.metadata AS metadata,\n\tCOALESCE(ws_child.writer_key, ws_parent.writer_key) AS writer_key\nFROM version_inheritance vi\nJOIN %s AS isc ON isc.version_id = vi.ancestor_version_id\nLEFT JOIN change ch ON ch.id = isc.change_id\nLEFT JOIN internal_state_writer ws_child ON\n\tws_child.file_id = isc.file_id AND\n\tws_child.entity_id = isc.entity_id AND\n\tws_child.schema_key = isc.schema_key AND\n\tws_child.version_id = vi.version_id\nLEFT JOIN internal_state_writer ws_parent ON\n\tws_parent.file_id = isc.file_id AND\n\tws_parent.entity_id = isc.entity_id AND\n\tws_parent.schema_key = isc.schema_key AND\n\tws_parent.version_id = isc.version_id\nWHERE isc.inheritance_delete_marker = 0\n\tAND isc.snapshot_content IS NOT NULL\n\t%s\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_transaction_state t\n\tWHERE t.version_id = vi.version_id\n\t\tAND t.file_id = isc.file_id\n\t\tAND t.schema_key = isc.schema_key\n\t\tAND t.entity_id = isc.entity_id\n)\nAND NOT EXISTS (\n\tSELECT 1 FROM %s child_isc\n\tWHERE child_isc.version_id = vi.version_id\n\t\tAND child_isc.file_id = isc.file_id\n\t\tAND child_isc.schema_key = isc.schema_key\n\t\tAND child_isc.entity_id = isc.entity_id\n)\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_state_all_untracked child_unt\n\tWHERE child_unt.version_id = vi.version_id\n\t\tAND child_unt.file_id = isc.file_id\n\t\tAND child_unt.schema_key = isc.schema_key\n\t\tAND child_unt.entity_id = isc.entity_id\n)",
		cacheTable, filter, cacheTable,
	)
}

func buildInheritedUntrackedBranch(schemaKey *string, includeCache bool, cacheTable string) string {
	filter := ""
	if schemaKey != nil {
		filter = fmt.Sprintf("AND unt.schema_key = '%s'", escapeSingleQuotes(*schemaKey))
	}
	cacheClause := ""
	if includeCache && cacheTable != "" {
		cacheClause = fmt.Sprintf(
			"AND NOT EXISTS (\n\tSELECT 1 FROM %s child_isc\n\tWHERE child_isc.version_id = vi.version_id\n\t\tAND child_isc.file_id = unt.file_id\n\t\tAND child_isc.schema_key = unt.schema_key\n\t\tAND child_isc.entity_id = unt.entity_id\n)",
			cacheTable,
		)
	}
	return fmt.Sprintf(
		"SELECT\n\t'UI' || '~' || lix_encode_pk_part(unt.file_id) || '~' || lix_encode_pk_part(unt.entity_id) || '~' || lix_encode_pk_part(vi.version_id) AS _pk,\n\tunt.entity_id,\n\tunt.schema_key,\n\tunt.file_id,\n\tunt.plugin_key,\n\tjson(unt.snapshot_content) AS snapshot_content,\n\tunt.schema_version,\n\tvi.version_id,\n\tunt.created_at,\n\tunt.updated_at,\n\tunt.version_id AS inherited_from_version_id,\n\t'untracked' AS change_id,\n\t1 AS untracked,\n\t'untracked' AS commit_id,\n\tNULL AS metadata,\n\tCOALESCE(ws_child.writer_key, ws_parent.writer_key) AS writer_key\nFROM version_inheritance vi\nJOIN internal_state_all_untracked unt ON unt.version_id = vi.ancestor_version_id\nLEFT JOIN internal_state_writer ws_child ON\n\tws_child.file_id = unt.file_id AND\n\tws_child.entity_id = unt.entity_id AND\n\tws_child.schema_key = unt.schema_key AND\n\tws_child.version_id = vi.version_id\nLEFT JOIN internal_state_writer ws_parent ON\n\tws_parent.file_id = unt.file_id AND\n\tws_parent.entity_id = unt.entity_id AND\n\tws_parent.schema_key = unt.schema_key AND\n\tws_parent.version_id = unt.version_id\nWHERE unt.inheritance_delete_marker = 0\n\tAND unt.snapshot_content IS NOT NULL\n\t%s\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_transaction_state t\n\tWHERE t.version_id = vi.version_id\n\t\tAND t.file_id = unt.file_id\n\t\tAND t.schema_key = unt.schema_key\n\t\tAND t.entity_id = unt.entity_id\n)\n%s\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_state_all_untracked child_unt\n\tWHERE child_unt.version_id = vi.version_id\n\t\tAND child_unt.file_id = unt.file_id\n\t\tAND child_unt.schema_key = unt.schema_key\n\t\tAND child_unt.entity_id = unt.entity_id\n\t\tAND child_unt.rowid != unt.rowid\n)",
		filter, cacheClause,
	)
}

func buildInheritedTxnBranch(schemaKey *string, includeCache bool, cacheTable string) string {
	filter := ""
	if schemaKey != nil {
		filter = fmt.Sprintf("AND txn.schema_key = '%s'", escapeSingleQuotes(*schemaKey))
	}
	cacheClause := ""
	if includeCache && cacheTable != "" {
		cacheClause = fmt.Sprintf(
			"AND NOT EXISTS (\n\tSELECT 1 FROM %s child_isc\n\tWHERE child_isc.version_id = vi.version_id\n\t\tAND child_isc.file_id = txn.file_id\n\t\tAND child_isc.schema_key = txn.schema_key\n\t\tAND child_isc.entity_id = txn.entity_id\n)",
			cacheTable,
		)
	}
	return fmt.Sprintf(
		"SELECT\n\t'TI' || '~' || lix_encode_pk_part(txn.file_id) || '~' || lix_encode_pk_part(txn.entity_id) || '~' || lix_encode_pk_part(vi.version_id) AS _pk,\n\ttxn.entity_id,\n\ttxn.schema_key,\n\ttxn.file_id,\n\ttxn.plugin_key,\n\tjson(txn.snapshot_content) AS snapshot_content,\n\ttxn.schema_version,\n\tvi.version_id,\n\ttxn.created_at,\n\ttxn.created_at AS updated_at,\n\tvi.parent_version_id AS inherited_from_version_id,\n\ttxn.id AS change_id,\n\ttxn.untracked,\n\t'pending' AS commit_id,\n\tjson(txn.metadata) AS metadata,\n\tCOALESCE(ws_child.writer_key, ws_parent.writer_key) AS writer_key\nFROM version_parent vi\nJOIN internal_transaction_state txn ON txn.version_id = vi.parent_version_id\nLEFT JOIN internal_state_writer ws_child ON\n\tws_child.file_id = txn.file_id AND\n\tws_child.entity_id = txn.entity_id AND\n\tws_child.schema_key = txn.schema_key AND\n\tws_child.version_id = vi.version_id\nLEFT JOIN internal_state_writer ws_parent ON\n\tws_parent.file_id = txn.file_id AND\n\tws_parent.entity_id = txn.entity_id AND\n\tws_parent.schema_key = txn.schema_key AND\n\tws_parent.version_id = vi.parent_version_id\nWHERE vi.parent_version_id IS NOT NULL\n\tAND txn.snapshot_content IS NOT NULL\n\t%s\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_transaction_state child_txn\n\tWHERE child_txn.version_id = vi.version_id\n\t\tAND child_txn.file_id = txn.file_id\n\t\tAND child_txn.schema_key = txn.schema_key\n\t\tAND child_txn.entity_id = txn.entity_id\n)\n%s\nAND NOT EXISTS (\n\tSELECT 1 FROM internal_state_all_untracked child_unt\n\tWHERE child_unt.version_id = vi.version_id\n\t\tAND child_unt.file_id = txn.file_id\n\t\tAND child_unt.schema_key = txn.schema_key\n\t\tAND child_unt.entity_id = txn.entity_id\n)",
		filter, cacheClause,
	)
}
