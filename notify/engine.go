package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
)

const (
	// DefaultMaxEvents is the per-subscription ring capacity.
	DefaultMaxEvents = 100
	// MaxWait caps how long a notify-wait long-poll may block.
	MaxWait = 30 * time.Second
	// PullMethod is the only supported delivery method.
	PullMethod = "ippget"
)

// Creation validation errors, mapped to per-subscription notify-status-code
// values by the operation handlers.
var (
	ErrBadPullMethod   = errors.New("notify: only the ippget pull method is supported")
	ErrBadCharset      = errors.New("notify: charset must be us-ascii or utf-8")
	ErrNoEvents        = errors.New("notify: notify-events must not be empty")
	ErrUserDataTooLong = errors.New("notify: notify-user-data exceeds 63 octets")
	ErrBadLease        = errors.New("notify: notify-lease-duration must not be negative")
	ErrBadInterval     = errors.New("notify: notify-time-interval must not be negative")
	ErrNotFound        = errors.New("notify: no such subscription")
)

// Config carries the engine knobs.
type Config struct {
	// MaxEvents is the ring capacity per subscription; 0 means
	// DefaultMaxEvents.
	MaxEvents int
}

// Engine owns the subscription set and the wake channel that
// Get-Notifications long-polls block on.
type Engine struct {
	maxEvents int

	mu     sync.RWMutex
	subs   map[int]*Subscription
	order  []int // subscription ids in creation order
	nextID int
	wake   chan struct{}
}

// NewEngine creates an empty engine.
func NewEngine(cfg Config) *Engine {
	max := cfg.MaxEvents
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &Engine{
		maxEvents: max,
		subs:      make(map[int]*Subscription),
		nextID:    1,
		wake:      make(chan struct{}),
	}
}

// CreateRequest carries the attributes of one subscription group.
type CreateRequest struct {
	Scope      Scope
	PullMethod string
	Events     []string
	UserData   []byte
	Charset    string
	Language   string
	Username   string
	// Lease is notify-lease-duration in seconds; -1 selects the default.
	Lease int
	// Interval is notify-time-interval in seconds; -1 selects 0.
	Interval int
}

// Create validates one subscription request and adds the subscription.
func (e *Engine) Create(req CreateRequest, now time.Time) (*Subscription, error) {
	sub, lease, err := e.build(req, now)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sub.ID = e.nextID
	sub.renew(lease, now)
	e.nextID++
	e.subs[sub.ID] = sub
	e.order = append(e.order, sub.ID)
	slog.Debug("subscription created",
		"id", sub.ID, "events", sub.Events.String(),
		"printer-id", sub.Scope.PrinterID, "job-id", sub.Scope.JobID)
	return sub, nil
}

// Restore re-adds a persisted subscription under its original id. Ids at
// or below the restored id are never reissued.
func (e *Engine) Restore(id int, req CreateRequest, created time.Time) (*Subscription, error) {
	sub, lease, err := e.build(req, created)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.subs[id]; exists {
		return nil, fmt.Errorf("notify: subscription %d already exists", id)
	}
	sub.ID = id
	sub.CreatedAt = created
	sub.renew(lease, created)
	if id >= e.nextID {
		e.nextID = id + 1
	}
	e.subs[id] = sub
	e.order = append(e.order, id)
	return sub, nil
}

// build validates a request into an unregistered subscription; the caller
// assigns the id and starts the lease.
func (e *Engine) build(req CreateRequest, now time.Time) (*Subscription, time.Duration, error) {
	if req.PullMethod != "" && req.PullMethod != PullMethod {
		return nil, 0, ErrBadPullMethod
	}
	switch req.Charset {
	case "", "us-ascii", "utf-8":
	default:
		return nil, 0, ErrBadCharset
	}
	if len(req.Events) == 0 {
		return nil, 0, ErrNoEvents
	}
	kinds, err := ParseKinds(req.Events)
	if err != nil {
		return nil, 0, err
	}
	if len(req.UserData) > MaxUserData {
		return nil, 0, ErrUserDataTooLong
	}
	lease := DefaultLease
	switch {
	case req.Lease < -1:
		return nil, 0, ErrBadLease
	case req.Lease >= 0:
		lease = time.Duration(req.Lease) * time.Second
	}
	interval := 0
	switch {
	case req.Interval < -1:
		return nil, 0, ErrBadInterval
	case req.Interval >= 0:
		interval = req.Interval
	}
	return &Subscription{
		Scope:     req.Scope,
		Events:    kinds,
		UserData:  append([]byte(nil), req.UserData...),
		Charset:   req.Charset,
		Language:  req.Language,
		Username:  req.Username,
		Interval:  interval,
		CreatedAt: now,
		maxEvents: e.maxEvents,
	}, lease, nil
}

// Get looks up a live subscription by id.
func (e *Engine) Get(id int) (*Subscription, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sub, ok := e.subs[id]
	return sub, ok
}

// Filter narrows List output.
type Filter struct {
	// Username keeps only subscriptions owned by this user
	// (my-subscriptions).
	Username string
	// JobID keeps only subscriptions scoped to this job.
	JobID int
	// PrinterID keeps only subscriptions scoped to this printer or its
	// jobs.
	PrinterID int
	// Limit caps the result count; 0 means unlimited.
	Limit int
}

// List returns subscriptions in creation order, optionally filtered.
func (e *Engine) List(f Filter) []*Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Subscription
	for _, id := range e.order {
		sub := e.subs[id]
		if sub == nil {
			continue
		}
		if f.Username != "" && sub.Username != f.Username {
			continue
		}
		if f.JobID != 0 && sub.Scope.JobID != f.JobID {
			continue
		}
		if f.PrinterID != 0 && sub.Scope.PrinterID != f.PrinterID {
			continue
		}
		out = append(out, sub)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Cancel marks the subscription canceled and removes it from the set.
func (e *Engine) Cancel(id int) error {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if ok {
		delete(e.subs, id)
		e.removeFromOrder(id)
	}
	e.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	sub.cancel()
	e.broadcast()
	return nil
}

// Renew restarts the lease; lease 0 makes it infinite, -1 reapplies the
// default.
func (e *Engine) Renew(id int, lease int, now time.Time) error {
	sub, ok := e.Get(id)
	if !ok {
		return ErrNotFound
	}
	d := DefaultLease
	switch {
	case lease < -1:
		return ErrBadLease
	case lease >= 0:
		d = time.Duration(lease) * time.Second
	}
	sub.renew(d, now)
	return nil
}

// Publish fans an event out to every matching subscription and wakes the
// long-pollers.
func (e *Engine) Publish(scope Scope, kind Kind, attrs goipp.Attributes) {
	ev := Event{Kind: kind, Time: time.Now(), Scope: scope, Attrs: attrs}
	delivered := 0
	e.mu.RLock()
	for _, sub := range e.subs {
		if sub.publish(ev) {
			delivered++
		}
	}
	e.mu.RUnlock()
	if delivered > 0 {
		e.broadcast()
	}
	slog.Debug("event published",
		"event", kind.String(), "printer-id", scope.PrinterID,
		"job-id", scope.JobID, "subscriptions", delivered)
}

// broadcast wakes every blocked Wait. The wake channel is replaced under
// the lock; closing the old one releases all current waiters, who then
// recheck their predicate.
func (e *Engine) broadcast() {
	e.mu.Lock()
	close(e.wake)
	e.wake = make(chan struct{})
	e.mu.Unlock()
}

// removeFromOrder is called with e.mu held.
func (e *Engine) removeFromOrder(id int) {
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

func (e *Engine) wakeCh() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wake
}

// Batch is the result of one Wait for one subscription.
type Batch struct {
	SubscriptionID int
	Events         []Event
}

// Wait gathers events with sequence numbers at or above the requested
// per-subscription positions. With wait set and nothing pending it blocks
// until an event arrives, the context ends, or MaxWait elapses.
func (e *Engine) Wait(ctx context.Context, requests map[int]int, wait bool) []Batch {
	deadline := time.NewTimer(MaxWait)
	defer deadline.Stop()
	for {
		ch := e.wakeCh()
		batches := e.gather(requests)
		if len(batches) > 0 || !wait {
			return batches
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ch:
		}
	}
}

func (e *Engine) gather(requests map[int]int) []Batch {
	var out []Batch
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, id := range e.order {
		seq, wanted := requests[id]
		if !wanted {
			continue
		}
		sub := e.subs[id]
		if sub == nil {
			continue
		}
		if evs := sub.EventsSince(seq); len(evs) > 0 {
			out = append(out, Batch{SubscriptionID: id, Events: evs})
		}
	}
	return out
}

// Sweep drops subscriptions whose lease has expired and returns their
// ids.
func (e *Engine) Sweep(now time.Time) []int {
	e.mu.Lock()
	var expired []int
	for id, sub := range e.subs {
		if sub.expired(now) {
			sub.cancel()
			delete(e.subs, id)
			e.removeFromOrder(id)
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()
	if len(expired) > 0 {
		e.broadcast()
		slog.Debug("subscriptions expired", "count", len(expired))
	}
	return expired
}
