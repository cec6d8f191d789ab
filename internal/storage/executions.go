package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/crucible/internal/metrics"
)

// recordTimeout bounds one execution insert made through Recorder.
const recordTimeout = 5 * time.Second

// SaveExecution inserts the record of a finished run. Saving the same run
// id twice keeps the first record.
func (s *Store) SaveExecution(ctx context.Context, e Execution) error {
	stages, err := json.Marshal(e.Stages)
	if err != nil {
		return fmt.Errorf("encoding stages of %s: %w", e.ID, err)
	}
	started := e.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, pipeline_id, conversation_id, intent, started_at, duration_ms, ttft_ms, tool_ms, tokens, tokens_per_sec, success, stages_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.PipelineID, e.ConversationID, e.Intent, formatTime(started),
		e.Duration.Milliseconds(), e.TTFT.Milliseconds(), e.ToolTime.Milliseconds(),
		e.Tokens, e.TokensPerSec, e.Success, string(stages),
	)
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", e.ID, err)
	}
	return nil
}

// RecentExecutions returns up to limit executions, newest first. An empty
// pipelineID matches every pipeline.
func (s *Store) RecentExecutions(ctx context.Context, pipelineID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, conversation_id, intent, started_at, duration_ms, ttft_ms, tool_ms, tokens, tokens_per_sec, success, stages_json
		FROM executions
		WHERE ? = '' OR pipeline_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, pipelineID, pipelineID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e                     Execution
			started, stages       string
			durMs, ttftMs, toolMs int64
		)
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.ConversationID, &e.Intent, &started,
			&durMs, &ttftMs, &toolMs, &e.Tokens, &e.TokensPerSec, &e.Success, &stages); err != nil {
			return nil, err
		}
		if e.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parsing started_at of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(stages), &e.Stages); err != nil {
			return nil, fmt.Errorf("decoding stages of %s: %w", e.ID, err)
		}
		e.Duration = time.Duration(durMs) * time.Millisecond
		e.TTFT = time.Duration(ttftMs) * time.Millisecond
		e.ToolTime = time.Duration(toolMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneExecutions deletes executions that started before cutoff and
// returns how many were removed.
func (s *Store) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	return res.RowsAffected()
}

// Recorder adapts the store to metrics.Recorder. Executions are saved
// synchronously; failures are logged and dropped.
func (s *Store) Recorder(logger *slog.Logger) metrics.Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return metrics.RecorderFunc(func(snap metrics.Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.SaveExecution(ctx, executionFrom(snap)); err != nil {
			logger.Warn("recording execution", "run", snap.RunID, "error", err)
		}
	})
}
