package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/storyloom/relay/pkg/events"
)

// LocalPubSub delivers envelopes to every subscriber in this process.
// It exists so single-instance deployments and tests coordinate without
// Postgres; loop prevention still happens at the hub, which drops
// envelopes from its own instance.
type LocalPubSub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewLocalPubSub creates an in-process pub/sub.
func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{subs: make(map[string]map[int]Handler)}
}

func (p *LocalPubSub) Publish(_ context.Context, projectID string, env events.Envelope) error {
	p.mu.RLock()
	handlers := make([]Handler, 0, len(p.subs[projectID]))
	for _, h := range p.subs[projectID] {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	// Deliver outside the lock so a handler may subscribe or cancel.
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (p *LocalPubSub) Subscribe(_ context.Context, projectID string, handler Handler) (func(), error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	if p.subs[projectID] == nil {
		p.subs[projectID] = make(map[int]Handler)
	}
	p.subs[projectID][id] = handler
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs[projectID], id)
			if len(p.subs[projectID]) == 0 {
				delete(p.subs, projectID)
			}
			p.mu.Unlock()
		})
	}
	return cancel, nil
}

type localSession struct {
	rec       SessionRecord
	expiresAt time.Time
}

type localSocket struct {
	sessionID string
	expiresAt time.Time
}

// LocalDirectory is the in-process session directory: maps guarded by a
// mutex, entries expiring after the configured TTL. Reads skip expired
// entries; Sweep reclaims them.
type LocalDirectory struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]localSession
	sockets  map[string]localSocket
}

// NewLocalDirectory creates a directory whose entries live for ttl unless
// refreshed.
func NewLocalDirectory(ttl time.Duration) *LocalDirectory {
	return &LocalDirectory{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]localSession),
		sockets:  make(map[string]localSocket),
	}
}

func (d *LocalDirectory) SaveSession(_ context.Context, rec SessionRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[rec.SessionID] = localSession{rec: rec, expiresAt: d.now().Add(d.ttl)}
	return nil
}

func (d *LocalDirectory) Session(_ context.Context, sessionID string) (*SessionRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.sessions[sessionID]
	if !ok || !entry.expiresAt.After(d.now()) {
		return nil, nil
	}
	rec := entry.rec
	return &rec, nil
}

func (d *LocalDirectory) RemoveSession(_ context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
	return nil
}

func (d *LocalDirectory) ProjectSessionIDs(_ context.Context, projectID string) ([]string, error) {
	return d.collect(func(rec SessionRecord) bool { return rec.ProjectID == projectID }), nil
}

func (d *LocalDirectory) UserSessionIDs(_ context.Context, userID string) ([]string, error) {
	return d.collect(func(rec SessionRecord) bool { return rec.UserID == userID }), nil
}

// collect returns live session ids matching the filter, ordered by join
// time so rosters come out stable.
func (d *LocalDirectory) collect(match func(SessionRecord) bool) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.now()
	recs := make([]SessionRecord, 0, len(d.sessions))
	for _, entry := range d.sessions {
		if entry.expiresAt.After(now) && match(entry.rec) {
			recs = append(recs, entry.rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].JoinedAt != recs[j].JoinedAt {
			return recs[i].JoinedAt < recs[j].JoinedAt
		}
		return recs[i].SessionID < recs[j].SessionID
	})

	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.SessionID
	}
	return ids
}

func (d *LocalDirectory) MapSocket(_ context.Context, socketID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sockets[socketID] = localSocket{sessionID: sessionID, expiresAt: d.now().Add(d.ttl)}
	return nil
}

func (d *LocalDirectory) SessionIDForSocket(_ context.Context, socketID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.sockets[socketID]
	if !ok || !entry.expiresAt.After(d.now()) {
		return "", nil
	}
	return entry.sessionID, nil
}

func (d *LocalDirectory) UnmapSocket(_ context.Context, socketID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sockets, socketID)
	return nil
}

func (d *LocalDirectory) Sweep(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for id, entry := range d.sessions {
		if !entry.expiresAt.After(now) {
			delete(d.sessions, id)
			removed++
		}
	}
	for id, entry := range d.sockets {
		if !entry.expiresAt.After(now) {
			delete(d.sockets, id)
			removed++
		}
	}
	return removed, nil
}

type localStreamRow struct {
	seq        int64
	env        events.Envelope
	appendedAt time.Time
}

// LocalStream keeps the committed-operation journal in memory, one slice
// per project with a process-wide sequence.
type LocalStream struct {
	now func() time.Time

	mu      sync.Mutex
	nextSeq int64
	entries map[string][]localStreamRow
}

// NewLocalStream creates an in-memory operation stream.
func NewLocalStream() *LocalStream {
	return &LocalStream{
		now:     time.Now,
		entries: make(map[string][]localStreamRow),
	}
}

func (s *LocalStream) Append(_ context.Context, projectID string, env events.Envelope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.entries[projectID] = append(s.entries[projectID], localStreamRow{
		seq:        s.nextSeq,
		env:        env,
		appendedAt: s.now(),
	})
	return s.nextSeq, nil
}

func (s *LocalStream) After(_ context.Context, projectID string, seq int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StreamEntry
	for _, row := range s.entries[projectID] {
		if row.seq > seq {
			out = append(out, StreamEntry{Seq: row.seq, Envelope: row.env})
		}
	}
	return out, nil
}

func (s *LocalStream) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for projectID, rows := range s.entries {
		kept := rows[:0]
		for _, row := range rows {
			if row.appendedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == 0 {
			delete(s.entries, projectID)
			continue
		}
		s.entries[projectID] = kept
	}
	return removed, nil
}
