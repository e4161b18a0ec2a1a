package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storyloom/relay/pkg/graph"
)

// Postgres implements Store on a pgxpool.Pool. All writes for one commit
// run in a single transaction; serialization and deadlock failures come
// back wrapped as RetryableError for the commit pipeline to retry.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres store on an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:   pool,
		logger: slog.With("component", "store"),
	}
}

func (s *Postgres) ProjectSnapshot(ctx context.Context, projectID string) (*graph.Snapshot, int64, error) {
	var (
		data    []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT p.data, COALESCE(v.version, 0)
		FROM project p
		LEFT JOIN project_version v ON v.project_id = p.id
		WHERE p.id = $1`, projectID).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.NewSnapshot(projectID), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading project %s: %w", projectID, err)
	}
	if len(data) == 0 {
		return graph.NewSnapshot(projectID), version, nil
	}
	snap, err := graph.DecodeSnapshot(data)
	if err != nil {
		return nil, 0, fmt.Errorf("project %s: %w", projectID, err)
	}
	if snap.ProjectID == "" {
		snap.ProjectID = projectID
	}
	return snap, version, nil
}

func (s *Postgres) ProjectVersion(ctx context.Context, projectID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM project_version WHERE project_id = $1`, projectID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading version for project %s: %w", projectID, err)
	}
	return version, nil
}

func (s *Postgres) OperationsAfter(ctx context.Context, projectID string, sinceVersion int64) ([]*graph.Operation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, timeline_id, layer_id, payload, ts, user_id, device_id, version
		FROM operation
		WHERE project_id = $1 AND version > $2
		ORDER BY version, seq`, projectID, sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("loading operations for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []*graph.Operation
	for rows.Next() {
		var (
			op      graph.Operation
			payload []byte
		)
		if err := rows.Scan(&op.ID, &op.Type, &op.TimelineID, &op.LayerID, &payload,
			&op.Timestamp, &op.UserID, &op.DeviceID, &op.Version); err != nil {
			return nil, fmt.Errorf("scanning operation row: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &op.Payload); err != nil {
				s.logger.Warn("Dropping operation with unreadable payload",
					"project_id", projectID, "operation_id", op.ID, "error", err)
				continue
			}
		}
		out = append(out, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading operation rows: %w", err)
	}
	return out, nil
}

func (s *Postgres) SaveCommit(ctx context.Context, c Commit) error {
	data, err := c.Snapshot.Encode()
	if err != nil {
		return fmt.Errorf("commit for project %s: %w", c.ProjectID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return retryable(fmt.Errorf("beginning commit transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO project (id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		c.ProjectID, data)
	if err != nil {
		return retryable(fmt.Errorf("writing project document: %w", err))
	}

	if len(c.Operations) > 0 {
		batch := &pgx.Batch{}
		for _, op := range c.Operations {
			payload, err := json.Marshal(op.Payload)
			if err != nil {
				return fmt.Errorf("encoding payload of operation %s: %w", op.ID, err)
			}
			batch.Queue(`
				INSERT INTO operation
					(project_id, id, type, timeline_id, layer_id, payload, ts, user_id, device_id, version)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				c.ProjectID, op.ID, op.Type, op.TimelineID, op.LayerID, payload,
				op.Timestamp, op.UserID, op.DeviceID, op.Version)
		}
		br := tx.SendBatch(ctx, batch)
		for range c.Operations {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return retryable(fmt.Errorf("appending operations: %w", err))
			}
		}
		if err := br.Close(); err != nil {
			return retryable(fmt.Errorf("appending operations: %w", err))
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO project_version (project_id, version, last_sync)
		VALUES ($1, $2, now())
		ON CONFLICT (project_id) DO UPDATE SET version = EXCLUDED.version, last_sync = now()`,
		c.ProjectID, c.Version)
	if err != nil {
		return retryable(fmt.Errorf("bumping project version: %w", err))
	}

	if err := s.refreshTimelines(ctx, tx, c); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return retryable(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// refreshTimelines upserts the per-timeline materialized rows for the
// commit's touched timelines and removes rows for timelines the commit
// deleted. An empty touched set refreshes everything.
func (s *Postgres) refreshTimelines(ctx context.Context, tx pgx.Tx, c Commit) error {
	touched := c.TouchedTimelines
	if len(touched) == 0 {
		touched = make([]string, 0, len(c.Snapshot.Timelines))
		for id := range c.Snapshot.Timelines {
			touched = append(touched, id)
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM graph_snapshot
			WHERE project_id = $1 AND timeline_id <> ALL($2)`, c.ProjectID, touched)
		if err != nil {
			return retryable(fmt.Errorf("pruning timeline snapshots: %w", err))
		}
	}

	for _, id := range touched {
		tl, ok := c.Snapshot.Timelines[id]
		if !ok {
			_, err := tx.Exec(ctx, `
				DELETE FROM graph_snapshot
				WHERE project_id = $1 AND timeline_id = $2`, c.ProjectID, id)
			if err != nil {
				return retryable(fmt.Errorf("removing timeline snapshot %s: %w", id, err))
			}
			continue
		}

		layers, err := json.Marshal(tl.Layers)
		if err != nil {
			return fmt.Errorf("encoding layers of timeline %s: %w", id, err)
		}
		metadata, err := json.Marshal(tl.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata of timeline %s: %w", id, err)
		}
		variables, err := json.Marshal(tl.Variables)
		if err != nil {
			return fmt.Errorf("encoding variables of timeline %s: %w", id, err)
		}

		name, ord, isActive := id, 0, false
		for _, meta := range c.Snapshot.TimelinesMetadata {
			if meta.ID == id {
				name, ord, isActive = meta.Name, meta.Order, meta.IsActive
				break
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO graph_snapshot
				(project_id, timeline_id, name, layers, metadata, variables, ord, is_active, version, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (project_id, timeline_id) DO UPDATE SET
				name = EXCLUDED.name,
				layers = EXCLUDED.layers,
				metadata = EXCLUDED.metadata,
				variables = EXCLUDED.variables,
				ord = EXCLUDED.ord,
				is_active = EXCLUDED.is_active,
				version = EXCLUDED.version,
				ts = now()`,
			c.ProjectID, id, name, layers, metadata, variables, ord, isActive, c.Version)
		if err != nil {
			return retryable(fmt.Errorf("refreshing timeline snapshot %s: %w", id, err))
		}
	}
	return nil
}

func (s *Postgres) User(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(picture, '') FROM app_user WHERE id = $1`, userID).
		Scan(&u.ID, &u.Name, &u.Picture)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", userID, err)
	}
	return &u, nil
}

func (s *Postgres) ProjectCreator(ctx context.Context, projectID string) (string, error) {
	var creator string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(creator_id, '') FROM project WHERE id = $1`, projectID).Scan(&creator)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("loading creator of project %s: %w", projectID, err)
	}
	return creator, nil
}

func (s *Postgres) ProjectMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM project_member WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading membership for project %s: %w", projectID, err)
	}
	return role, nil
}

func (s *Postgres) TeamRoleForProject(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT tm.role
		FROM team_member tm
		JOIN team_project tp ON tp.team_id = tm.team_id
		WHERE tp.project_id = $1 AND tm.user_id = $2
		ORDER BY CASE tm.role
			WHEN 'ADMINISTRATOR' THEN 0
			WHEN 'MANAGER' THEN 1
			WHEN 'MEMBER' THEN 2
			ELSE 3
		END
		LIMIT 1`, projectID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading team role for project %s: %w", projectID, err)
	}
	return role, nil
}

// retryable wraps serialization and deadlock failures so the commit
// pipeline retries them; everything else passes through unchanged.
func retryable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return &RetryableError{Err: err}
		}
	}
	return err
}
