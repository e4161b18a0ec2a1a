package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storyloom/relay/pkg/events"
)

// PostgresStream journals committed operation broadcasts in
// project_stream. The BIGSERIAL seq is the cross-instance total order.
type PostgresStream struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStream creates a shared operation stream on an existing pool.
func NewPostgresStream(pool *pgxpool.Pool) *PostgresStream {
	return &PostgresStream{
		pool:   pool,
		logger: slog.With("component", "bus"),
	}
}

func (s *PostgresStream) Append(ctx context.Context, projectID string, env events.Envelope) (int64, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal stream envelope: %w", err)
	}

	var seq int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO project_stream (project_id, payload, appended_at)
		VALUES ($1, $2, now())
		RETURNING seq`, projectID, payload).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append to stream of project %s: %w", projectID, err)
	}
	return seq, nil
}

func (s *PostgresStream) After(ctx context.Context, projectID string, seq int64) ([]StreamEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, payload FROM project_stream
		WHERE project_id = $1 AND seq > $2
		ORDER BY seq`, projectID, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream of project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []StreamEntry
	for rows.Next() {
		var (
			entry   StreamEntry
			payload []byte
		)
		if err := rows.Scan(&entry.Seq, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan stream row: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Envelope); err != nil {
			s.logger.Warn("Dropping undecodable stream entry",
				"project_id", projectID, "seq", entry.Seq, "error", err)
			continue
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStream) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM project_stream WHERE appended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stream: %w", err)
	}
	return tag.RowsAffected(), nil
}
