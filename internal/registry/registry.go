package registry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/swapdesk/chatserver/pkg/logger"
	"github.com/swapdesk/chatserver/pkg/metrics"
)

// Close codes issued by the registry. Superseded mirrors the websocket
// application close-code range so clients can distinguish a takeover from a
// normal shutdown.
const (
	CloseCodeNormal     = 1000
	CloseCodeSuperseded = 4001

	ReasonSuperseded = "superseded"
)

// Sender pushes frames to a live transport. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(v interface{}) error
	Close(code int, reason string) error
}

var connSeq atomic.Int64

// Connection is an authenticated live transport session. The identifier is
// process-unique and monotonically increasing, which lets the registry order
// competing registrations for the same user.
type Connection struct {
	ID     int64
	UserID string

	sender    Sender
	closeOnce sync.Once
}

// NewConnection wraps a transport sender for the supplied user.
func NewConnection(userID string, sender Sender) *Connection {
	return &Connection{
		ID:     connSeq.Add(1),
		UserID: userID,
		sender: sender,
	}
}

// Send forwards a frame to the underlying transport.
func (c *Connection) Send(v interface{}) error {
	return c.sender.Send(v)
}

// CloseWithReason closes the transport exactly once.
func (c *Connection) CloseWithReason(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.sender.Close(code, reason)
	})
}

// Registry is the authoritative map from user identity to the single live
// connection. Lookups are lock-free; mutation uses compare-and-swap so a
// registration that started earlier can never evict one that completed later.
type Registry struct {
	conns sync.Map // userID -> *Connection
	log   *zap.Logger
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{log: logger.WithModule("registry")}
}

// Register installs conn as the authoritative connection for its user. Any
// previously registered connection is closed with a superseded reason. The
// return value reports whether conn became authoritative; it is false when a
// newer connection (higher identifier) already holds the slot.
func (r *Registry) Register(conn *Connection) bool {
	for {
		prev, loaded := r.conns.LoadOrStore(conn.UserID, conn)
		if !loaded {
			metrics.LiveConnections.Inc()
			return true
		}

		existing := prev.(*Connection)
		if existing.ID >= conn.ID {
			// A registration that completed after ours started already owns
			// the slot; the late arrival loses.
			return false
		}

		if r.conns.CompareAndSwap(conn.UserID, prev, conn) {
			r.log.Debug("connection superseded",
				zap.String("user_id", conn.UserID),
				zap.Int64("old_conn_id", existing.ID),
				zap.Int64("new_conn_id", conn.ID))
			existing.CloseWithReason(CloseCodeSuperseded, ReasonSuperseded)
			return true
		}
	}
}

// Lookup returns the current live connection for the user, if any.
func (r *Registry) Lookup(userID string) (*Connection, bool) {
	v, ok := r.conns.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Unregister removes the entry only if the stored connection still carries
// connID. A slow-closing stale connection therefore cannot evict a session
// that has since superseded it.
func (r *Registry) Unregister(userID string, connID int64) bool {
	v, ok := r.conns.Load(userID)
	if !ok {
		return false
	}

	conn := v.(*Connection)
	if conn.ID != connID {
		return false
	}

	if r.conns.CompareAndDelete(userID, v) {
		metrics.LiveConnections.Dec()
		return true
	}
	return false
}

// IsOnline reports whether the user has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.conns.Load(userID)
	return ok
}

// OnlineUserIDs returns the set of users with a live connection.
func (r *Registry) OnlineUserIDs() map[string]struct{} {
	out := make(map[string]struct{})
	r.conns.Range(func(key, _ interface{}) bool {
		out[key.(string)] = struct{}{}
		return true
	})
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	n := 0
	r.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// CloseAll closes every live connection with a normal close frame. Used
// during graceful shutdown.
func (r *Registry) CloseAll() {
	r.conns.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		if r.conns.CompareAndDelete(key, value) {
			metrics.LiveConnections.Dec()
			conn.CloseWithReason(CloseCodeNormal, "server shutdown")
		}
		return true
	})
}
