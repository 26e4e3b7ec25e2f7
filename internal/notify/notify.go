// Package notify implements C5: an in-memory pub/sub of transient and
// persistent notifications, with 1-second rate limiting on repeated
// persistent sends and TTL-based expiry. It is deliberately delivery-
// agnostic — Send returns what should be emitted and to whom, as a Target
// value, and the caller (internal/router) is responsible for actually
// writing to the local hub / remote tunnel. This mirrors the corpus's
// "parsing is a pure function" design note (spec.md §9): the state
// machine here is fully unit-testable without a live WebSocket.
package notify

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/skyforge-av/bondctl/internal/proto"
)

// ErrUnicastPersistent is returned when Send is called with a connection
// target and persistent=true; spec.md §4.4 requires persistent
// notifications to be broadcasts.
var ErrUnicastPersistent = errors.New("persistent notifications must be broadcast")

// Target describes who should receive an emitted notification.
type Target struct {
	Broadcast bool
	ConnID    string // meaningful only when !Broadcast
}

// Bus owns the persistent-notification table.
type Bus struct {
	now func() time.Time

	mu         sync.Mutex
	persistent map[string]proto.Notification
}

// New constructs a Bus. nowFn defaults to time.Now; tests may override it
// to control rate-limit and TTL behavior deterministically.
func New(nowFn func() time.Time) *Bus {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Bus{now: nowFn, persistent: make(map[string]proto.Notification)}
}

// Send implements spec.md §4.4. connID is "" for a broadcast send. It
// returns whether a frame should actually be emitted, the notification to
// emit, and the delivery target.
func (b *Bus) Send(connID, name string, kind proto.NotificationKind, msg string,
	duration int, persistent, dismissable bool) (emit bool, notif proto.Notification, target Target, err error) {

	if persistent && connID != "" {
		return false, proto.Notification{}, Target{}, ErrUnicastPersistent
	}

	now := b.now()
	target = Target{Broadcast: connID == "", ConnID: connID}

	if !persistent {
		notif = proto.Notification{
			Kind: kind, Msg: msg, Duration: duration,
			Dismissable: dismissable, Created: now, Updated: now, LastSent: now,
		}
		return true, notif, target, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, existed := b.persistent[name]
	created := now
	if existed {
		created = existing.Created
	}

	notif = proto.Notification{
		Name: name, Kind: kind, Msg: msg, Duration: duration,
		Dismissable: dismissable, Persistent: true,
		Created: created, Updated: now,
	}

	if existed {
		notif.LastSent = existing.LastSent
	}

	rateLimited := existed && now.Sub(existing.LastSent) < time.Second
	if !rateLimited {
		notif.LastSent = now
	}

	b.persistent[name] = notif

	return !rateLimited, notif, target, nil
}

// Remove deletes the persistent notification named name and reports
// whether it existed (callers broadcast a removal only if it did).
func (b *Bus) Remove(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.persistent[name]; !ok {
		return false
	}
	delete(b.persistent, name)
	return true
}

// OnAttach returns every persistent notification whose remaining time is
// still positive (or permanent), with Duration rewritten to the time
// actually left, for replay to a newly attached client per spec.md §4.4.
func (b *Bus) OnAttach() []proto.Notification {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []proto.Notification
	for name, n := range b.persistent {
		if n.Duration == 0 {
			out = append(out, n)
			continue
		}
		remaining := n.Remaining(now)
		if remaining <= 0 {
			delete(b.persistent, name)
			continue
		}
		n.Duration = remaining
		out = append(out, n)
	}
	return out
}
