package notify

import (
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
)

const (
	// DefaultLease is applied when a creation request omits
	// notify-lease-duration. A lease of zero never expires.
	DefaultLease = 86400 * time.Second
	// MaxUserData bounds notify-user-data per RFC 3995.
	MaxUserData = 63
)

// Scope ties a subscription (or a published event) to its owner. A zero
// Scope is system-scoped; PrinterID alone scopes to a printer; PrinterID
// plus JobID scopes to one job.
type Scope struct {
	PrinterID int
	JobID     int
}

// SystemScope is the zero scope, spelled out for readability.
var SystemScope = Scope{}

// covers reports whether a subscription with scope s should see an event
// published with scope ev. System subscriptions see everything; printer
// subscriptions see their printer and its jobs; job subscriptions see
// only their job.
func (s Scope) covers(ev Scope) bool {
	if s.PrinterID == 0 {
		return true
	}
	if s.PrinterID != ev.PrinterID {
		return false
	}
	return s.JobID == 0 || s.JobID == ev.JobID
}

// Event is one entry in a subscription's ring.
type Event struct {
	Sequence int
	Kind     Kind
	Time     time.Time
	Scope    Scope
	// Attrs carries extra attributes supplied by the publisher, merged
	// into the event-notification group on the wire.
	Attrs goipp.Attributes
}

// Subscription is one pull-model subscription. The ring holds at most
// maxEvents entries; publishing past capacity drops the oldest entry and
// advances FirstSequence.
type Subscription struct {
	ID        int
	Scope     Scope
	Events    Kind
	UserData  []byte
	Charset   string
	Language  string
	Username  string
	Interval  int
	CreatedAt time.Time

	mu        sync.RWMutex
	lease     time.Duration
	expiresAt time.Time
	ring      []Event
	first     int // sequence of ring[0]
	next      int // sequence the next event will get
	maxEvents int
	canceled  bool
}

// FirstSequence is the sequence number of the oldest retained event, or 0
// before the first publish.
func (s *Subscription) FirstSequence() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.first
}

// LastSequence is the sequence number of the newest event, or 0 before
// the first publish.
func (s *Subscription) LastSequence() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.next == 0 {
		return 0
	}
	return s.next - 1
}

// Lease returns the lease duration (0 = infinite).
func (s *Subscription) Lease() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lease
}

// ExpiresAt returns the lease expiry time; the zero time means the lease
// never expires.
func (s *Subscription) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Canceled reports whether the subscription was canceled.
func (s *Subscription) Canceled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canceled
}

// EventsSince returns a copy of all retained events with sequence numbers
// at or above seq.
func (s *Subscription) EventsSince(seq int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ring) == 0 {
		return nil
	}
	start := seq - s.first
	if start < 0 {
		start = 0
	}
	if start >= len(s.ring) {
		return nil
	}
	out := make([]Event, len(s.ring)-start)
	copy(out, s.ring[start:])
	return out
}

// renew restarts the lease clock.
func (s *Subscription) renew(lease time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease = lease
	if lease == 0 {
		s.expiresAt = time.Time{}
	} else {
		s.expiresAt = now.Add(lease)
	}
}

func (s *Subscription) cancel() {
	s.mu.Lock()
	s.canceled = true
	s.mu.Unlock()
}

// expired reports whether the lease has run out.
func (s *Subscription) expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

// publish appends an event, evicting the oldest entry when the ring is
// full. It reports whether the subscription accepted the event.
func (s *Subscription) publish(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled || s.Events&ev.Kind == 0 || !s.Scope.covers(ev.Scope) {
		return false
	}
	if s.next == 0 {
		s.next = 1
		s.first = 1
	}
	ev.Sequence = s.next
	s.next++
	s.ring = append(s.ring, ev)
	if len(s.ring) > s.maxEvents {
		n := copy(s.ring, s.ring[1:])
		s.ring = s.ring[:n]
		s.first++
	}
	return true
}
