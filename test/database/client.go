// Package database provides test constructors for the PostgreSQL-backed
// parts of relay.
package database

import (
	"testing"

	"github.com/storyloom/relay/pkg/database"
	"github.com/storyloom/relay/test/util"
)

// NewTestClient creates a migrated test database client on an isolated
// schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a testcontainer.
// Cleanup (schema drop and pool close) is handled by SetupTestDatabase.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	client, _ := util.SetupTestDatabase(t)
	return client
}

// NewTestClientWithConnString additionally returns the schema-scoped
// connection string for components that open dedicated connections,
// e.g. the LISTEN side of the pub/sub.
func NewTestClientWithConnString(t *testing.T) (*database.Client, string) {
	t.Helper()
	return util.SetupTestDatabase(t)
}
