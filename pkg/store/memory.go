package store

import (
	"context"
	"sync"

	"github.com/storyloom/relay/pkg/graph"
)

// Memory is the in-process Store used by unit tests and single-process
// development. Writes can be made to fail on demand to exercise the
// commit pipeline's retry path.
type Memory struct {
	mu          sync.RWMutex
	projects    map[string]*memProject
	users       map[string]User
	creators    map[string]string
	memberRoles map[string]map[string]string
	teamRoles   map[string]map[string]string
	saveErrs    []error
}

type memProject struct {
	snapshot *graph.Snapshot
	version  int64
	ops      []*graph.Operation
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:    map[string]*memProject{},
		users:       map[string]User{},
		creators:    map[string]string{},
		memberRoles: map[string]map[string]string{},
		teamRoles:   map[string]map[string]string{},
	}
}

func (m *Memory) ProjectSnapshot(_ context.Context, projectID string) (*graph.Snapshot, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok || p.snapshot == nil {
		return graph.NewSnapshot(projectID), 0, nil
	}
	return p.snapshot.Clone(), p.version, nil
}

func (m *Memory) ProjectVersion(_ context.Context, projectID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.projects[projectID]; ok {
		return p.version, nil
	}
	return 0, nil
}

func (m *Memory) OperationsAfter(_ context.Context, projectID string, sinceVersion int64) ([]*graph.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, nil
	}
	var out []*graph.Operation
	for _, op := range p.ops {
		if op.Version > sinceVersion {
			out = append(out, op.Clone())
		}
	}
	return out, nil
}

func (m *Memory) SaveCommit(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saveErrs) > 0 {
		err := m.saveErrs[0]
		m.saveErrs = m.saveErrs[1:]
		return err
	}
	p, ok := m.projects[c.ProjectID]
	if !ok {
		p = &memProject{}
		m.projects[c.ProjectID] = p
	}
	p.snapshot = c.Snapshot.Clone()
	p.version = c.Version
	for _, op := range c.Operations {
		p.ops = append(p.ops, op.Clone())
	}
	return nil
}

func (m *Memory) User(_ context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[userID]; ok {
		return &u, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) ProjectCreator(_ context.Context, projectID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if creator, ok := m.creators[projectID]; ok {
		return creator, nil
	}
	return "", ErrNotFound
}

func (m *Memory) ProjectMemberRole(_ context.Context, projectID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memberRoles[projectID][userID], nil
}

func (m *Memory) TeamRoleForProject(_ context.Context, projectID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.teamRoles[projectID][userID], nil
}

// PutUser registers an identity record.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// SetCreator records the project's creator.
func (m *Memory) SetCreator(projectID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creators[projectID] = userID
}

// SetMemberRole records a direct project membership.
func (m *Memory) SetMemberRole(projectID, userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberRoles[projectID] == nil {
		m.memberRoles[projectID] = map[string]string{}
	}
	m.memberRoles[projectID][userID] = role
}

// SetTeamRole records the user's team role for a project.
func (m *Memory) SetTeamRole(projectID, userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teamRoles[projectID] == nil {
		m.teamRoles[projectID] = map[string]string{}
	}
	m.teamRoles[projectID][userID] = role
}

// FailNextSave queues an error for the next SaveCommit call. Queued
// errors are consumed in order before any write takes effect.
func (m *Memory) FailNextSave(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErrs = append(m.saveErrs, err)
}
