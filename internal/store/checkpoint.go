// ABOUTME: Checkpoint writes: marks claimed rows finished or failed in one batched UPDATE.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// MarkFinished records that keys of queueTable were processed successfully by
// component. Finished rows are never claimed again until the table is reset.
func (s *Store) MarkFinished(ctx context.Context, queueTable string, keyCols []string, component string, keys []Key) (int, error) {
	return s.checkpoint(ctx, queueTable, keyCols, component, keys, false)
}

// MarkFailed records that processing keys failed. Failed rows are also
// finished: they stay out of the eligible set so a poison document cannot be
// claimed in a loop. A reset makes them eligible again.
func (s *Store) MarkFailed(ctx context.Context, queueTable string, keyCols []string, component string, keys []Key) (int, error) {
	return s.checkpoint(ctx, queueTable, keyCols, component, keys, true)
}

func (s *Store) checkpoint(ctx context.Context, queueTable string, keyCols []string, component string, keys []Key, failed bool) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	casts, err := s.keyCasts(ctx, queueTable, keyCols)
	if err != nil {
		return 0, err
	}

	aliases := make([]string, len(keyCols))
	conds := make([]string, len(keyCols))
	placeholders := make([]string, len(keyCols))
	for i, c := range keyCols {
		aliases[i] = "k" + strconv.Itoa(i)
		conds[i] = "q." + pq.QuoteIdentifier(c) + " = keys." + aliases[i] + casts[i]
		placeholders[i] = "?::text[]"
	}

	query := "UPDATE " + quoteTable(queueTable) + " q SET finished = true, failed = ?, last_component = ? " +
		"FROM unnest(" + strings.Join(placeholders, ", ") + ") AS keys(" + strings.Join(aliases, ", ") + ") " +
		"WHERE " + strings.Join(conds, " AND ")
	query, err = sq.Dollar.ReplacePlaceholders(query)
	if err != nil {
		return 0, fmt.Errorf("build checkpoint %s: %w", queueTable, err)
	}
	args := append([]any{failed, nullable(component)}, keyArrays(keys, len(keyCols))...)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, wrap("checkpoint", queueTable, err)
	}
	return int(tag.RowsAffected()), nil
}
