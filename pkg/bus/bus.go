// Package bus provides the cross-instance coordination layer: project
// event fan-out, the live session directory, and the committed-operation
// stream. Each facade ships a local (in-process) and a shared (Postgres)
// implementation, selected independently at startup.
package bus

import (
	"context"
	"time"

	"github.com/storyloom/relay/pkg/events"
)

// Handler receives envelopes delivered for a subscribed project.
type Handler func(env events.Envelope)

// PubSub fans project envelopes out across relay instances. Published
// envelopes carry the sender's instance id; the receiving hub drops
// envelopes stamped with its own id, so handlers may safely re-deliver
// everything they get.
type PubSub interface {
	// Publish sends an envelope to every subscriber of the project's
	// channel, on this instance and any other.
	Publish(ctx context.Context, projectID string, env events.Envelope) error

	// Subscribe registers a handler for the project's channel and returns
	// a cancel function that unregisters it. The last cancel for a project
	// releases the underlying channel.
	Subscribe(ctx context.Context, projectID string, handler Handler) (func(), error)
}

// SessionRecord is the cross-instance view of one live collaboration
// session. It carries everything a remote instance needs to build a
// project roster without asking the owning instance.
type SessionRecord struct {
	SessionID    string         `json:"sessionId"`
	UserID       string         `json:"userId"`
	ProjectID    string         `json:"projectId"`
	SocketID     string         `json:"socketId"`
	InstanceID   string         `json:"instanceId"`
	UserName     string         `json:"userName,omitempty"`
	UserPicture  string         `json:"userPicture,omitempty"`
	Cursor       map[string]any `json:"cursor,omitempty"`
	Selection    any            `json:"selection,omitempty"`
	JoinedAt     int64          `json:"joinedAt"`     // epoch millis
	LastActivity int64          `json:"lastActivity"` // epoch millis
}

// SessionDirectory tracks live sessions and the socket → session mapping.
// Entries expire after the directory's TTL unless refreshed by SaveSession;
// lookups never return expired entries. Absence is not an error: lookups
// return nil or "" for unknown ids.
type SessionDirectory interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	Session(ctx context.Context, sessionID string) (*SessionRecord, error)
	RemoveSession(ctx context.Context, sessionID string) error
	ProjectSessionIDs(ctx context.Context, projectID string) ([]string, error)
	UserSessionIDs(ctx context.Context, userID string) ([]string, error)

	MapSocket(ctx context.Context, socketID, sessionID string) error
	SessionIDForSocket(ctx context.Context, socketID string) (string, error)
	UnmapSocket(ctx context.Context, socketID string) error

	// Sweep removes expired entries and reports how many were dropped.
	// The shared implementation needs it to keep tables bounded; the
	// local one reclaims memory. A janitor calls it periodically.
	Sweep(ctx context.Context) (int, error)
}

// StreamEntry is one appended envelope with its stream position.
type StreamEntry struct {
	Seq      int64
	Envelope events.Envelope
}

// OperationStream is the durable, totally ordered journal of committed
// operation broadcasts. The shared implementation's sequence is global
// across instances; readers use it to recover missed broadcasts.
type OperationStream interface {
	// Append stores the envelope and returns its assigned sequence.
	Append(ctx context.Context, projectID string, env events.Envelope) (int64, error)

	// After returns entries of the project with sequence greater than seq,
	// in sequence order.
	After(ctx context.Context, projectID string, seq int64) ([]StreamEntry, error)

	// Prune drops entries appended before the cutoff and reports how many
	// rows went away. The retention janitor calls it.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Coordinator bundles the three facades with the instance identity used
// for loop prevention.
type Coordinator struct {
	InstanceID string
	PubSub     PubSub
	Sessions   SessionDirectory
	Stream     OperationStream
}

// NewCoordinator assembles a coordinator from independently chosen
// facade implementations.
func NewCoordinator(instanceID string, ps PubSub, dir SessionDirectory, stream OperationStream) *Coordinator {
	return &Coordinator{
		InstanceID: instanceID,
		PubSub:     ps,
		Sessions:   dir,
		Stream:     stream,
	}
}
