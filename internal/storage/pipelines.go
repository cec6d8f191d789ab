package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/crucible/internal/pipeline"
)

var _ pipeline.AdminStore = (*Store)(nil)

const pipelineColumns = `id, name, version, description, status, is_primary, steps_json, config_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// ListPipelines returns every definition in the order it was first saved.
func (s *Store) ListPipelines(ctx context.Context) ([]pipeline.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pipelines: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Definition
	for rows.Next() {
		d, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetPipeline returns the definition with id. A missing row wraps both
// ErrNotFound and pipeline.ErrNotFound.
func (s *Store) GetPipeline(ctx context.Context, id string) (pipeline.Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	d, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Definition{}, notFound(id)
	}
	return d, err
}

// SavePipeline inserts or replaces d, keeping its original position and
// creation time. A primary flag on a non-Active definition is dropped;
// saving an Active primary clears the flag everywhere else.
func (s *Store) SavePipeline(ctx context.Context, d pipeline.Definition) error {
	if d.ID == "" {
		return errors.New("saving pipeline: empty id")
	}
	steps, err := json.Marshal(d.Steps)
	if err != nil {
		return fmt.Errorf("encoding steps of %s: %w", d.ID, err)
	}
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("encoding config of %s: %w", d.ID, err)
	}
	if !d.Active() {
		d.Primary = false
	}
	now := time.Now().UTC()
	created := d.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if d.Primary {
		if _, err := tx.ExecContext(ctx, `UPDATE pipelines SET is_primary = 0 WHERE id != ?`, d.ID); err != nil {
			return fmt.Errorf("clearing primary: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, version, description, status, is_primary, steps_json, config_json, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM pipelines), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			description = excluded.description,
			status = excluded.status,
			is_primary = excluded.is_primary,
			steps_json = excluded.steps_json,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at`,
		d.ID, d.Name, d.Version, d.Description, string(d.Status), d.Primary,
		string(steps), string(cfg), formatTime(created), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("saving pipeline %s: %w", d.ID, err)
	}
	return tx.Commit()
}

// SetStatus changes the status of id. Leaving Active clears primary.
func (s *Store) SetStatus(ctx context.Context, id string, st pipeline.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipelines
		SET status = ?, is_primary = CASE WHEN ? = 'active' THEN is_primary ELSE 0 END, updated_at = ?
		WHERE id = ?`,
		string(st), string(st), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("setting status of %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetPrimary makes id the only primary pipeline. id must be Active.
func (s *Store) SetPrimary(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning primary transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM pipelines WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return err
	}
	if pipeline.Status(status) != pipeline.StatusActive {
		return fmt.Errorf("%w: %s", pipeline.ErrNotActive, id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pipelines SET is_primary = (id = ?), updated_at = CASE WHEN id = ? THEN ? ELSE updated_at END`,
		id, id, formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("setting primary %s: %w", id, err)
	}
	return tx.Commit()
}

// DeletePipeline removes id.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting pipeline %s: %w", id, err)
	}
	return requireRow(res, id)
}

func scanPipeline(row rowScanner) (pipeline.Definition, error) {
	var (
		d                pipeline.Definition
		status           string
		steps, cfg       string
		created, updated string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Version, &d.Description, &status, &d.Primary, &steps, &cfg, &created, &updated); err != nil {
		return pipeline.Definition{}, err
	}
	d.Status = pipeline.Status(status)
	if err := json.Unmarshal([]byte(steps), &d.Steps); err != nil {
		return pipeline.Definition{}, fmt.Errorf("decoding steps of %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(cfg), &d.Config); err != nil {
		return pipeline.Definition{}, fmt.Errorf("decoding config of %s: %w", d.ID, err)
	}
	var err error
	if d.CreatedAt, err = parseTime(created); err != nil {
		return pipeline.Definition{}, fmt.Errorf("parsing created_at of %s: %w", d.ID, err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return pipeline.Definition{}, fmt.Errorf("parsing updated_at of %s: %w", d.ID, err)
	}
	return d, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// notFoundError matches both the storage and the pipeline sentinel.
type notFoundError struct{ id string }

func (e notFoundError) Error() string { return "not found: " + e.id }

func (e notFoundError) Is(target error) bool {
	return target == ErrNotFound || target == pipeline.ErrNotFound
}

func notFound(id string) error { return notFoundError{id: id} }

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }
