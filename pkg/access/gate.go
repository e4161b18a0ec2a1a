// Package access decides who may join and who may edit a project, from
// the creator, membership and team rows the store exposes. Storage
// failures deny: the gate never falls open.
package access

import (
	"context"
	"errors"
	"log/slog"

	"github.com/storyloom/relay/pkg/store"
)

// Project membership roles.
const (
	RoleViewer = "VIEWER"
	RoleEditor = "EDITOR"
	RoleOwner  = "OWNER"
)

// Team roles. Everything except OBSERVER grants edit on team projects.
const (
	TeamRoleAdministrator = "ADMINISTRATOR"
	TeamRoleManager       = "MANAGER"
	TeamRoleMember        = "MEMBER"
	TeamRoleObserver      = "OBSERVER"
)

// Gate answers join/edit questions for the socket handshake and the
// operation path.
type Gate struct {
	reader store.AccessReader
	logger *slog.Logger
}

// NewGate creates a gate over the given access rows.
func NewGate(reader store.AccessReader) *Gate {
	return &Gate{
		reader: reader,
		logger: slog.With("component", "access"),
	}
}

// CanEdit reports whether the user may submit operations: the creator,
// any non-viewer project member, or a non-observer team role on a team
// the project belongs to.
func (g *Gate) CanEdit(ctx context.Context, userID, projectID string) bool {
	return g.allowed(ctx, userID, projectID, false)
}

// CanJoin reports whether the user may enter the project room. Everyone
// CanEdit accepts, plus VIEWER members and OBSERVER team roles.
func (g *Gate) CanJoin(ctx context.Context, userID, projectID string) bool {
	return g.allowed(ctx, userID, projectID, true)
}

func (g *Gate) allowed(ctx context.Context, userID, projectID string, viewerOK bool) bool {
	if userID == "" || projectID == "" {
		return false
	}

	creator, err := g.reader.ProjectCreator(ctx, projectID)
	projectMissing := false
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.deny(userID, projectID, err)
			return false
		}
		projectMissing = true
	}
	if creator != "" && creator == userID {
		return true
	}

	memberRole, err := g.reader.ProjectMemberRole(ctx, projectID, userID)
	if err != nil {
		g.deny(userID, projectID, err)
		return false
	}
	if memberRole != "" {
		if memberRole != RoleViewer || viewerOK {
			return true
		}
	}

	teamRole, err := g.reader.TeamRoleForProject(ctx, projectID, userID)
	if err != nil {
		g.deny(userID, projectID, err)
		return false
	}
	switch teamRole {
	case TeamRoleAdministrator, TeamRoleManager, TeamRoleMember:
		return true
	case TeamRoleObserver:
		if viewerOK {
			return true
		}
	}

	// A project nobody has persisted yet is open to its first writer;
	// the creator row appears with the project itself.
	if projectMissing && memberRole == "" && teamRole == "" {
		return true
	}
	return false
}

func (g *Gate) deny(userID, projectID string, err error) {
	g.logger.Error("Access check failed, denying",
		"user_id", userID,
		"project_id", projectID,
		"error", err)
}
