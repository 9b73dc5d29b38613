package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackzampolin/narrate/internal/llmcall"
)

var (
	_ llmcall.Writer = (*Store)(nil)
	_ llmcall.Reader = (*Store)(nil)
)

// InsertCalls writes a batch of recorded calls. Calls already stored are
// ignored.
func (s *Store) InsertCalls(ctx context.Context, calls []*llmcall.Call) error {
	if len(calls) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO llm_calls (
				id, timestamp, latency_ms, book_id, chapter_id, run_id,
				prompt_key, prompt_hash, provider, model, temperature,
				input_tokens, output_tokens, cost_usd, response, finish_reason,
				success, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range calls {
			if c == nil {
				continue
			}
			var temp sql.NullFloat64
			if c.Temperature != nil {
				temp = sql.NullFloat64{Float64: *c.Temperature, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				c.ID, unixMillis(c.Timestamp), c.LatencyMs,
				nullInt(c.BookID), nullInt(c.ChapterID), nullString(c.RunID),
				c.PromptKey, nullString(c.PromptHash), c.Provider, c.Model, temp,
				c.InputTokens, c.OutputTokens, c.CostUSD,
				nullString(c.Response), nullString(c.FinishReason),
				c.Success, nullString(c.Error),
			); err != nil {
				return fmt.Errorf("insert call %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// ListCalls returns recorded calls matching filter, newest first.
func (s *Store) ListCalls(ctx context.Context, filter llmcall.QueryFilter) ([]*llmcall.Call, error) {
	var (
		where []string
		args  []any
	)
	if filter.BookID != 0 {
		where = append(where, "book_id = ?")
		args = append(args, filter.BookID)
	}
	if filter.ChapterID != 0 {
		where = append(where, "chapter_id = ?")
		args = append(args, filter.ChapterID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.PromptKey != "" {
		where = append(where, "prompt_key = ?")
		args = append(args, filter.PromptKey)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.After != nil {
		where = append(where, "timestamp > ?")
		args = append(args, unixMillis(*filter.After))
	}
	if filter.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *filter.Success)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = llmcall.DefaultLimit
	}

	query := `
		SELECT id, timestamp, latency_ms, book_id, chapter_id, run_id,
			prompt_key, prompt_hash, provider, model, temperature,
			input_tokens, output_tokens, cost_usd, response, finish_reason,
			success, error
		FROM llm_calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []*llmcall.Call
	for rows.Next() {
		var (
			c                                     llmcall.Call
			ts                                    int64
			bookID, chapterID                     sql.NullInt64
			runID, hash, response, finish, errMsg sql.NullString
			temp                                  sql.NullFloat64
		)
		if err := rows.Scan(
			&c.ID, &ts, &c.LatencyMs, &bookID, &chapterID, &runID,
			&c.PromptKey, &hash, &c.Provider, &c.Model, &temp,
			&c.InputTokens, &c.OutputTokens, &c.CostUSD, &response, &finish,
			&c.Success, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.Timestamp = fromUnixMillis(ts)
		c.BookID = bookID.Int64
		c.ChapterID = chapterID.Int64
		c.RunID = runID.String
		c.PromptHash = hash.String
		c.Response = response.String
		c.FinishReason = finish.String
		c.Error = errMsg.String
		if temp.Valid {
			t := temp.Float64
			c.Temperature = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
