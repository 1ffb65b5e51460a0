// ABOUTME: Resolution of configured additional table names to existing Postgres tables.
package reader

import (
	"context"
	"fmt"
	"strings"
)

// resolveAdditionalTables maps configured additional table names to existing
// tables. A name is resolved, in order:
//
//   - "pgschema:java.style.Name" → pgschema.java_style_Name, taken as given;
//   - the name itself, when such a table exists;
//   - defaultSchema + "." + the name with dots replaced by underscores.
//
// Type names of annotation stores are commonly dotted paths, which is why
// dots are not taken as schema qualification in the fallback.
func resolveAdditionalTables(ctx context.Context, b Backend, defaultSchema string, names []string) ([]string, error) {
	tables := make([]string, 0, len(names))
	for _, raw := range names {
		raw = strings.TrimSpace(raw)

		if schema, path, ok := strings.Cut(raw, ":"); ok {
			if schema == "" || path == "" {
				return nil, configError("invalid additional table name %q", raw)
			}
			tables = append(tables, schema+"."+strings.ReplaceAll(path, ".", "_"))
			continue
		}

		exists, err := b.TableExists(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("resolve additional table %s: %w", raw, err)
		}
		if exists {
			tables = append(tables, raw)
			continue
		}

		candidate := defaultSchema + "." + strings.ReplaceAll(raw, ".", "_")
		exists, err = b.TableExists(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("resolve additional table %s: %w", raw, err)
		}
		if !exists {
			return nil, schemaError("additional table %s does not exist", raw)
		}
		tables = append(tables, candidate)
	}
	return tables, nil
}
