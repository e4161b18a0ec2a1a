package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/relay/pkg/database"
)

// Lives here rather than in pkg/database because the harness packages
// import pkg/database themselves.
func TestClientMigratesSchemaAndReportsHealthy(t *testing.T) {
	client := NewTestClient(t)
	ctx := context.Background()

	health, err := database.Health(ctx, client.Pool())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Positive(t, health.MaxConns)
	assert.Positive(t, health.ResponseTime)

	// NewClient ran the embedded migrations through the schema-scoped
	// connection string, so both the tables and the migrate bookkeeping
	// resolve inside the test schema.
	var version int64
	var dirty bool
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty))
	assert.Positive(t, version)
	assert.False(t, dirty)

	for _, table := range []string{"project", "operation", "graph_snapshot", "live_session", "project_stream"} {
		var regclass *string
		require.NoError(t, client.Pool().QueryRow(ctx,
			`SELECT to_regclass($1)::text`, table).Scan(&regclass))
		assert.NotNil(t, regclass, "table %s missing", table)
	}
}

func TestSharedTestDBClientsSeeOneSchema(t *testing.T) {
	shared := NewSharedTestDB(t)
	a := shared.NewClient(t)
	b := shared.NewClient(t)
	ctx := context.Background()

	_, err := a.Pool().Exec(ctx,
		`INSERT INTO project (id, name, data) VALUES ($1, $2, '{}'::jsonb)`,
		"proj-shared", "Shared")
	require.NoError(t, err)

	var name string
	require.NoError(t, b.Pool().QueryRow(ctx,
		`SELECT name FROM project WHERE id = $1`, "proj-shared").Scan(&name))
	assert.Equal(t, "Shared", name)

	assert.NotEmpty(t, shared.ConnString())
}
