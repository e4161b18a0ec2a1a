// Package session tracks live collaboration sessions and per-layer
// cursor presence for the socket hub.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/relay/pkg/bus"
	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/metrics"
	"github.com/storyloom/relay/pkg/store"
)

// Broadcaster fans an envelope out to a project room, skipping one socket.
// The hub implements it; tests substitute a recorder.
type Broadcaster interface {
	EmitToProject(projectID string, env events.Envelope, excludeSocketID string)
}

// Session is one user's live connection to a project. A user holds at
// most one session per project; joining again from another socket
// supersedes the old session.
type Session struct {
	ID           string
	UserID       string
	UserName     string
	UserPicture  string
	ProjectID    string
	SocketID     string
	Awareness    map[string]any
	JoinedAt     time.Time
	LastActivity time.Time
}

func (s *Session) clone() *Session {
	out := *s
	out.Awareness = make(map[string]any, len(s.Awareness))
	for k, v := range s.Awareness {
		out.Awareness[k] = v
	}
	return &out
}

// presenceEntry converts the session to its roster form.
func (s *Session) presenceEntry() events.PresenceEntry {
	entry := events.PresenceEntry{
		SessionID:   s.ID,
		UserID:      s.UserID,
		UserName:    s.UserName,
		UserPicture: s.UserPicture,
		LastSeen:    s.LastActivity.UnixMilli(),
	}
	if cursor, ok := s.Awareness["cursor"].(map[string]any); ok {
		entry.Cursor = cursor
	}
	if selection, ok := s.Awareness["selection"]; ok {
		entry.Selection = selection
	}
	return entry
}

type userProjectKey struct {
	userID    string
	projectID string
}

// Registry holds the live sessions of this instance, indexed for O(1)
// lookup by id, socket, (user, project) and project. Every mutation is
// mirrored to the cross-instance session directory so remote instances
// can build full rosters.
type Registry struct {
	instanceID  string
	idleTimeout time.Duration
	directory   bus.SessionDirectory
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu         sync.RWMutex
	byID       map[string]*Session
	bySocket   map[string]string
	byUserProj map[userProjectKey]string
	byProject  map[string]map[string]bool

	now   func() time.Time
	newID func() string
}

// NewRegistry creates a session registry. Sessions idle for longer than
// idleTimeout are ended by CleanupIdle.
func NewRegistry(instanceID string, idleTimeout time.Duration, dir bus.SessionDirectory, bc Broadcaster, m *metrics.Metrics) *Registry {
	return &Registry{
		instanceID:  instanceID,
		idleTimeout: idleTimeout,
		directory:   dir,
		broadcaster: bc,
		metrics:     m,
		logger:      slog.With("component", "session"),
		byID:        make(map[string]*Session),
		bySocket:    make(map[string]string),
		byUserProj:  make(map[userProjectKey]string),
		byProject:   make(map[string]map[string]bool),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Create registers a session for the socket. It is idempotent per socket:
// an existing session for the same socket and project is returned
// unchanged. An existing session for the same (user, project) on a
// different socket is superseded: ended with a USER_LEAVE broadcast that
// excludes the NEW socket, before the new session is created and
// USER_JOIN is broadcast.
func (r *Registry) Create(ctx context.Context, projectID, socketID string, user store.User) (*Session, error) {
	r.mu.Lock()
	if id, ok := r.bySocket[socketID]; ok {
		if existing := r.byID[id]; existing != nil && existing.ProjectID == projectID {
			out := existing.clone()
			r.mu.Unlock()
			return out, nil
		}
	}

	var superseded *Session
	key := userProjectKey{userID: user.ID, projectID: projectID}
	if oldID, ok := r.byUserProj[key]; ok {
		if old := r.byID[oldID]; old != nil && old.SocketID != socketID {
			superseded = old.clone()
			r.removeLocked(old)
		}
	}

	now := r.now()
	s := &Session{
		ID:           r.newID(),
		UserID:       user.ID,
		UserName:     user.Name,
		UserPicture:  user.Picture,
		ProjectID:    projectID,
		SocketID:     socketID,
		Awareness:    map[string]any{"lastSeen": now.UnixMilli()},
		JoinedAt:     now,
		LastActivity: now,
	}
	r.byID[s.ID] = s
	r.bySocket[socketID] = s.ID
	r.byUserProj[key] = s.ID
	if r.byProject[projectID] == nil {
		r.byProject[projectID] = make(map[string]bool)
	}
	r.byProject[projectID][s.ID] = true
	r.metrics.ActiveSessions.Set(float64(len(r.byID)))
	out := s.clone()
	r.mu.Unlock()

	if superseded != nil {
		r.broadcaster.EmitToProject(projectID,
			events.NewEnvelope(events.EventUserLeave, projectID, superseded.UserID, leavePayload(superseded)),
			socketID)
		r.unmirror(ctx, superseded)
		r.logger.Debug("Superseded session",
			"session_id", superseded.ID, "user_id", superseded.UserID, "project_id", projectID)
	}

	r.mirror(ctx, out)
	r.broadcaster.EmitToProject(projectID,
		events.NewEnvelope(events.EventUserJoin, projectID, out.UserID, joinPayload(out)),
		socketID)

	return out, nil
}

// End removes the session, broadcasting USER_LEAVE to the project
// (excluding the session's own socket) before removal.
func (r *Registry) End(ctx context.Context, sessionID string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	out := s.clone()
	r.removeLocked(s)
	r.metrics.ActiveSessions.Set(float64(len(r.byID)))
	r.mu.Unlock()

	r.broadcaster.EmitToProject(out.ProjectID,
		events.NewEnvelope(events.EventUserLeave, out.ProjectID, out.UserID, leavePayload(out)),
		out.SocketID)
	r.unmirror(ctx, out)
}

// EndBySocket ends the session mapped to the socket, if any.
func (r *Registry) EndBySocket(ctx context.Context, socketID string) {
	r.mu.RLock()
	id := r.bySocket[socketID]
	r.mu.RUnlock()
	if id != "" {
		r.End(ctx, id)
	}
}

// UpdateAwareness shallow-merges the patch into the session's awareness
// state, bumps activity, refreshes the directory TTL and broadcasts
// AWARENESS_UPDATE excluding the session's own socket. A nil value in
// the patch clears its key.
func (r *Registry) UpdateAwareness(ctx context.Context, sessionID string, patch map[string]any) *Session {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	for k, v := range patch {
		if v == nil {
			delete(s.Awareness, k)
			continue
		}
		s.Awareness[k] = v
	}
	now := r.now()
	s.Awareness["lastSeen"] = now.UnixMilli()
	s.LastActivity = now
	out := s.clone()
	r.mu.Unlock()

	r.mirror(ctx, out)
	r.broadcaster.EmitToProject(out.ProjectID,
		events.NewEnvelope(events.EventAwarenessUpdate, out.ProjectID, out.UserID, map[string]any{
			"sessionId": out.ID,
			"awareness": out.Awareness,
		}),
		out.SocketID)
	return out
}

// Touch bumps the session's activity clock and refreshes its directory
// TTL. Called on any client activity.
func (r *Registry) Touch(ctx context.Context, sessionID string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.LastActivity = r.now()
	out := s.clone()
	r.mu.Unlock()

	r.mirror(ctx, out)
}

// BySocket returns the session owning the socket, or nil.
func (r *Registry) BySocket(socketID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.bySocket[socketID]; ok {
		if s := r.byID[id]; s != nil {
			return s.clone()
		}
	}
	return nil
}

// ByUser returns all of the user's sessions on this instance.
func (r *Registry) ByUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byID {
		if s.UserID == userID {
			out = append(out, s.clone())
		}
	}
	sortSessions(out)
	return out
}

// ProjectSessions returns this instance's sessions in the project,
// ordered by join time.
func (r *Registry) ProjectSessions(projectID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for id := range r.byProject[projectID] {
		if s := r.byID[id]; s != nil {
			out = append(out, s.clone())
		}
	}
	sortSessions(out)
	return out
}

// Roster builds the project_users roster across instances: this
// instance's sessions merged with the directory's view of everyone
// else's, ordered by join time.
func (r *Registry) Roster(ctx context.Context, projectID string) []events.PresenceEntry {
	type rosterRow struct {
		entry    events.PresenceEntry
		joinedAt int64
	}

	local := r.ProjectSessions(projectID)
	rows := make([]rosterRow, 0, len(local))
	seen := make(map[string]bool, len(local))
	for _, s := range local {
		rows = append(rows, rosterRow{entry: s.presenceEntry(), joinedAt: s.JoinedAt.UnixMilli()})
		seen[s.ID] = true
	}

	ids, err := r.directory.ProjectSessionIDs(ctx, projectID)
	if err != nil {
		r.logger.Warn("Directory roster lookup failed", "project_id", projectID, "error", err)
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		rec, err := r.directory.Session(ctx, id)
		if err != nil {
			r.logger.Warn("Directory session lookup failed", "session_id", id, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		rows = append(rows, rosterRow{
			entry: events.PresenceEntry{
				SessionID:   rec.SessionID,
				UserID:      rec.UserID,
				UserName:    rec.UserName,
				UserPicture: rec.UserPicture,
				Cursor:      rec.Cursor,
				Selection:   rec.Selection,
				LastSeen:    rec.LastActivity,
			},
			joinedAt: rec.JoinedAt,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].joinedAt != rows[j].joinedAt {
			return rows[i].joinedAt < rows[j].joinedAt
		}
		return rows[i].entry.SessionID < rows[j].entry.SessionID
	})

	entries := make([]events.PresenceEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.entry
	}
	return entries
}

// CleanupIdle ends sessions idle for at least the registry's idle
// timeout, with the usual USER_LEAVE broadcast. Returns how many were
// ended. A janitor runs it periodically.
func (r *Registry) CleanupIdle(ctx context.Context) int {
	cutoff := r.now().Add(-r.idleTimeout)
	r.mu.RLock()
	var stale []string
	for id, s := range r.byID {
		if !s.LastActivity.After(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.End(ctx, id)
	}
	if len(stale) > 0 {
		r.logger.Info("Ended idle sessions", "count", len(stale))
	}
	return len(stale)
}

// Count returns the number of live sessions on this instance.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// removeLocked drops the session from every index. Caller holds the lock.
func (r *Registry) removeLocked(s *Session) {
	delete(r.byID, s.ID)
	if r.bySocket[s.SocketID] == s.ID {
		delete(r.bySocket, s.SocketID)
	}
	key := userProjectKey{userID: s.UserID, projectID: s.ProjectID}
	if r.byUserProj[key] == s.ID {
		delete(r.byUserProj, key)
	}
	if sessions := r.byProject[s.ProjectID]; sessions != nil {
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(r.byProject, s.ProjectID)
		}
	}
}

// mirror pushes the session to the cross-instance directory. Failures
// are logged, not returned: local state is authoritative for this
// instance and the TTL bounds the staleness remote instances can see.
func (r *Registry) mirror(ctx context.Context, s *Session) {
	rec := bus.SessionRecord{
		SessionID:    s.ID,
		UserID:       s.UserID,
		ProjectID:    s.ProjectID,
		SocketID:     s.SocketID,
		InstanceID:   r.instanceID,
		UserName:     s.UserName,
		UserPicture:  s.UserPicture,
		JoinedAt:     s.JoinedAt.UnixMilli(),
		LastActivity: s.LastActivity.UnixMilli(),
	}
	if cursor, ok := s.Awareness["cursor"].(map[string]any); ok {
		rec.Cursor = cursor
	}
	if selection, ok := s.Awareness["selection"]; ok {
		rec.Selection = selection
	}
	if err := r.directory.SaveSession(ctx, rec); err != nil {
		r.logger.Warn("Failed to mirror session", "session_id", s.ID, "error", err)
	}
	if err := r.directory.MapSocket(ctx, s.SocketID, s.ID); err != nil {
		r.logger.Warn("Failed to mirror socket mapping", "socket_id", s.SocketID, "error", err)
	}
}

func (r *Registry) unmirror(ctx context.Context, s *Session) {
	if err := r.directory.RemoveSession(ctx, s.ID); err != nil {
		r.logger.Warn("Failed to remove mirrored session", "session_id", s.ID, "error", err)
	}
	if err := r.directory.UnmapSocket(ctx, s.SocketID); err != nil {
		r.logger.Warn("Failed to remove mirrored socket mapping", "socket_id", s.SocketID, "error", err)
	}
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

func joinPayload(s *Session) map[string]any {
	return map[string]any{
		"sessionId":   s.ID,
		"userName":    s.UserName,
		"userPicture": s.UserPicture,
	}
}

func leavePayload(s *Session) map[string]any {
	return map[string]any{
		"sessionId": s.ID,
		"userName":  s.UserName,
	}
}
