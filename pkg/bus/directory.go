package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory is the shared session directory: live_session and
// socket_session rows with expires_at, visible to every instance. Reads
// filter expired rows; Sweep deletes them.
type PostgresDirectory struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgresDirectory creates a directory whose entries live for ttl
// unless refreshed.
func NewPostgresDirectory(pool *pgxpool.Pool, ttl time.Duration) *PostgresDirectory {
	return &PostgresDirectory{pool: pool, ttl: ttl}
}

func (d *PostgresDirectory) SaveSession(ctx context.Context, rec SessionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", rec.SessionID, err)
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO live_session (session_id, payload, expires_at)
		VALUES ($1, $2, now() + $3)
		ON CONFLICT (session_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at`,
		rec.SessionID, payload, d.ttl)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (d *PostgresDirectory) Session(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var payload []byte
	err := d.pool.QueryRow(ctx, `
		SELECT payload FROM live_session
		WHERE session_id = $1 AND expires_at > now()`, sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (d *PostgresDirectory) RemoveSession(ctx context.Context, sessionID string) error {
	if _, err := d.pool.Exec(ctx,
		`DELETE FROM live_session WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", sessionID, err)
	}
	return nil
}

func (d *PostgresDirectory) ProjectSessionIDs(ctx context.Context, projectID string) ([]string, error) {
	return d.sessionIDsWhere(ctx, "payload->>'projectId' = $1", projectID)
}

func (d *PostgresDirectory) UserSessionIDs(ctx context.Context, userID string) ([]string, error) {
	return d.sessionIDsWhere(ctx, "payload->>'userId' = $1", userID)
}

// sessionIDsWhere returns live session ids matching the filter, ordered
// by join time so rosters come out stable across instances.
func (d *PostgresDirectory) sessionIDsWhere(ctx context.Context, filter string, arg string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT session_id FROM live_session
		WHERE `+filter+` AND expires_at > now()
		ORDER BY (payload->>'joinedAt')::bigint, session_id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session ids: %w", err)
	}
	return ids, nil
}

func (d *PostgresDirectory) MapSocket(ctx context.Context, socketID, sessionID string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO socket_session (socket_id, session_id, expires_at)
		VALUES ($1, $2, now() + $3)
		ON CONFLICT (socket_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			expires_at = EXCLUDED.expires_at`,
		socketID, sessionID, d.ttl)
	if err != nil {
		return fmt.Errorf("failed to map socket %s: %w", socketID, err)
	}
	return nil
}

func (d *PostgresDirectory) SessionIDForSocket(ctx context.Context, socketID string) (string, error) {
	var sessionID string
	err := d.pool.QueryRow(ctx, `
		SELECT session_id FROM socket_session
		WHERE socket_id = $1 AND expires_at > now()`, socketID).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve socket %s: %w", socketID, err)
	}
	return sessionID, nil
}

func (d *PostgresDirectory) UnmapSocket(ctx context.Context, socketID string) error {
	if _, err := d.pool.Exec(ctx,
		`DELETE FROM socket_session WHERE socket_id = $1`, socketID); err != nil {
		return fmt.Errorf("failed to unmap socket %s: %w", socketID, err)
	}
	return nil
}

func (d *PostgresDirectory) Sweep(ctx context.Context) (int, error) {
	sessions, err := d.pool.Exec(ctx,
		`DELETE FROM live_session WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	sockets, err := d.pool.Exec(ctx,
		`DELETE FROM socket_session WHERE expires_at <= now()`)
	if err != nil {
		return int(sessions.RowsAffected()), fmt.Errorf("failed to sweep sockets: %w", err)
	}
	return int(sessions.RowsAffected() + sockets.RowsAffected()), nil
}
