package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, maxEvents int) *Engine {
	t.Helper()
	return NewEngine(Config{MaxEvents: maxEvents})
}

func mustCreate(t *testing.T, e *Engine, req CreateRequest) *Subscription {
	t.Helper()
	if req.Lease == 0 {
		req.Lease = -1
	}
	if req.Interval == 0 {
		req.Interval = -1
	}
	sub, err := e.Create(req, time.Now())
	require.NoError(t, err)
	return sub
}

func TestParseKinds(t *testing.T) {
	k, err := ParseKinds([]string{"job-state-changed", "job-completed"})
	require.NoError(t, err)
	assert.Equal(t, JobStateChanged|JobCompleted, k)
	assert.ElementsMatch(t, []string{"job-state-changed", "job-completed"}, k.Keywords())

	k, err = ParseKinds([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, KindAll, k)
	assert.Equal(t, []string{"all"}, k.Keywords())

	_, err = ParseKinds([]string{"job-state-changed", "job-teleported"})
	assert.Error(t, err)
}

func TestCreateValidation(t *testing.T) {
	e := newTestEngine(t, 0)
	base := CreateRequest{
		Events:   []string{"job-state-changed"},
		Lease:    -1,
		Interval: -1,
	}

	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr error
	}{
		{"push method", func(r *CreateRequest) { r.PullMethod = "mailto" }, ErrBadPullMethod},
		{"bad charset", func(r *CreateRequest) { r.Charset = "iso-8859-1" }, ErrBadCharset},
		{"no events", func(r *CreateRequest) { r.Events = nil }, ErrNoEvents},
		{"user data too long", func(r *CreateRequest) { r.UserData = make([]byte, 64) }, ErrUserDataTooLong},
		{"negative lease", func(r *CreateRequest) { r.Lease = -2 }, ErrBadLease},
		{"negative interval", func(r *CreateRequest) { r.Interval = -2 }, ErrBadInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := e.Create(req, time.Now())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Valid request with explicit ippget and 63-octet user data.
	req := base
	req.PullMethod = PullMethod
	req.Charset = "utf-8"
	req.UserData = make([]byte, MaxUserData)
	sub, err := e.Create(req, time.Now())
	require.NoError(t, err)
	assert.Equal(t, DefaultLease, sub.Lease())
}

func TestSequenceDensity(t *testing.T) {
	e := newTestEngine(t, 0)
	sub := mustCreate(t, e, CreateRequest{Events: []string{"all"}})

	for i := 0; i < 10; i++ {
		e.Publish(SystemScope, SystemStateChanged, nil)
	}
	evs := sub.EventsSince(0)
	require.Len(t, evs, 10)
	assert.Equal(t, 1, sub.FirstSequence())
	assert.Equal(t, 10, sub.LastSequence())
	for i, ev := range evs {
		assert.Equal(t, sub.FirstSequence()+i, ev.Sequence)
	}
}

func TestRingEviction(t *testing.T) {
	const max = 5
	e := newTestEngine(t, max)
	sub := mustCreate(t, e, CreateRequest{Events: []string{"all"}})

	for i := 0; i < 12; i++ {
		e.Publish(SystemScope, SystemStateChanged, nil)
	}
	assert.Equal(t, max, sub.LastSequence()-sub.FirstSequence()+1)
	assert.Equal(t, 12, sub.LastSequence())
	assert.Equal(t, 8, sub.FirstSequence())

	// Asking for an evicted sequence returns what is still retained.
	evs := sub.EventsSince(1)
	require.Len(t, evs, max)
	assert.Equal(t, 8, evs[0].Sequence)
}

func TestScopeFanout(t *testing.T) {
	e := newTestEngine(t, 0)
	sysSub := mustCreate(t, e, CreateRequest{Events: []string{"all"}})
	prSub := mustCreate(t, e, CreateRequest{Events: []string{"all"}, Scope: Scope{PrinterID: 1}})
	jobSub := mustCreate(t, e, CreateRequest{Events: []string{"all"}, Scope: Scope{PrinterID: 1, JobID: 7}})

	e.Publish(Scope{PrinterID: 1, JobID: 7}, JobStateChanged, nil)
	e.Publish(Scope{PrinterID: 1, JobID: 8}, JobStateChanged, nil)
	e.Publish(Scope{PrinterID: 2, JobID: 1}, JobStateChanged, nil)
	e.Publish(SystemScope, SystemConfigChanged, nil)

	assert.Len(t, sysSub.EventsSince(0), 4)
	assert.Len(t, prSub.EventsSince(0), 2)
	assert.Len(t, jobSub.EventsSince(0), 1)
}

func TestKindFilter(t *testing.T) {
	e := newTestEngine(t, 0)
	sub := mustCreate(t, e, CreateRequest{Events: []string{"job-state-changed", "job-completed"}})

	e.Publish(Scope{PrinterID: 1, JobID: 1}, JobCreated, nil)
	e.Publish(Scope{PrinterID: 1, JobID: 1}, JobStateChanged, nil)
	e.Publish(Scope{PrinterID: 1, JobID: 1}, JobCompleted, nil)

	evs := sub.EventsSince(0)
	require.Len(t, evs, 2)
	assert.Equal(t, JobStateChanged, evs[0].Kind)
	assert.Equal(t, JobCompleted, evs[1].Kind)
}

func TestLongPoll(t *testing.T) {
	e := newTestEngine(t, 0)
	sub := mustCreate(t, e, CreateRequest{Events: []string{"job-state-changed", "job-completed"}})

	go func() {
		time.Sleep(50 * time.Millisecond)
		e.Publish(Scope{PrinterID: 1, JobID: 1}, JobCreated, nil) // not subscribed
		e.Publish(Scope{PrinterID: 1, JobID: 1}, JobStateChanged, nil)
		e.Publish(Scope{PrinterID: 1, JobID: 1}, JobCompleted, nil)
	}()

	start := time.Now()
	batches := e.Wait(context.Background(), map[int]int{sub.ID: 1}, true)
	require.Len(t, batches, 1)
	assert.Equal(t, sub.ID, batches[0].SubscriptionID)
	require.NotEmpty(t, batches[0].Events)
	assert.Equal(t, JobStateChanged, batches[0].Events[0].Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitNoWaitReturnsImmediately(t *testing.T) {
	e := newTestEngine(t, 0)
	sub := mustCreate(t, e, CreateRequest{Events: []string{"all"}})

	start := time.Now()
	batches := e.Wait(context.Background(), map[int]int{sub.ID: 1}, false)
	assert.Empty(t, batches)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitHonorsContext(t *testing.T) {
	e := newTestEngine(t, 0)
	sub := mustCreate(t, e, CreateRequest{Events: []string{"all"}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	batches := e.Wait(ctx, map[int]int{sub.ID: 1}, true)
	assert.Empty(t, batches)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitOnlyRequestedEvents(t *testing.T) {
	e := newTestEngine(t, 0)
	sub := mustCreate(t, e, CreateRequest{Events: []string{"all"}})

	e.Publish(SystemScope, SystemStateChanged, nil)
	e.Publish(SystemScope, SystemStateChanged, nil)
	e.Publish(SystemScope, SystemStateChanged, nil)

	// The caller has already seen sequences 1 and 2.
	batches := e.Wait(context.Background(), map[int]int{sub.ID: 3}, true)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 1)
	assert.Equal(t, 3, batches[0].Events[0].Sequence)
}

func TestCancel(t *testing.T) {
	e := newTestEngine(t, 0)
	sub := mustCreate(t, e, CreateRequest{Events: []string{"all"}})

	require.NoError(t, e.Cancel(sub.ID))
	assert.True(t, sub.Canceled())
	_, ok := e.Get(sub.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, e.Cancel(sub.ID), ErrNotFound)

	// Canceled subscriptions never receive events.
	e.Publish(SystemScope, SystemStateChanged, nil)
	assert.Empty(t, sub.EventsSince(0))
}

func TestRenewAndSweep(t *testing.T) {
	e := newTestEngine(t, 0)
	now := time.Now()
	sub, err := e.Create(CreateRequest{Events: []string{"all"}, Lease: 60, Interval: -1}, now)
	require.NoError(t, err)
	other, err := e.Create(CreateRequest{Events: []string{"all"}, Lease: 0, Interval: -1}, now)
	require.NoError(t, err)

	// Nothing expires before the lease runs out.
	assert.Empty(t, e.Sweep(now.Add(30*time.Second)))

	require.NoError(t, e.Renew(sub.ID, 3600, now.Add(50*time.Second)))
	assert.Empty(t, e.Sweep(now.Add(90*time.Second)))

	expired := e.Sweep(now.Add(2 * time.Hour))
	assert.Equal(t, []int{sub.ID}, expired)

	// Lease 0 never expires.
	_, ok := e.Get(other.ID)
	assert.True(t, ok)
	assert.Empty(t, e.Sweep(now.Add(1000*time.Hour)))

	assert.ErrorIs(t, e.Renew(sub.ID, 60, now), ErrNotFound)
}

func TestListFilters(t *testing.T) {
	e := newTestEngine(t, 0)
	a := mustCreate(t, e, CreateRequest{Events: []string{"all"}, Username: "alice"})
	b := mustCreate(t, e, CreateRequest{Events: []string{"all"}, Username: "bob", Scope: Scope{PrinterID: 1}})
	c := mustCreate(t, e, CreateRequest{Events: []string{"all"}, Username: "alice", Scope: Scope{PrinterID: 1, JobID: 9}})

	all := e.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, []int{a.ID, b.ID, c.ID}, []int{all[0].ID, all[1].ID, all[2].ID})

	alice := e.List(Filter{Username: "alice"})
	require.Len(t, alice, 2)

	onJob := e.List(Filter{JobID: 9})
	require.Len(t, onJob, 1)
	assert.Equal(t, c.ID, onJob[0].ID)

	onPrinter := e.List(Filter{PrinterID: 1})
	require.Len(t, onPrinter, 2)

	limited := e.List(Filter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, a.ID, limited[0].ID)
}

func TestRestore(t *testing.T) {
	e := newTestEngine(t, 0)
	created := time.Now().Add(-time.Minute)

	sub, err := e.Restore(7, CreateRequest{
		Events:   []string{"job-completed"},
		Username: "alice",
		Lease:    3600,
		Interval: -1,
	}, created)
	require.NoError(t, err)
	assert.Equal(t, 7, sub.ID)
	assert.Equal(t, created, sub.CreatedAt)
	assert.Equal(t, time.Hour, sub.Lease())

	// The restored id is taken.
	_, err = e.Restore(7, CreateRequest{Events: []string{"all"}, Lease: -1, Interval: -1}, created)
	assert.Error(t, err)

	// Fresh subscriptions allocate past the restored id.
	next := mustCreate(t, e, CreateRequest{Events: []string{"all"}})
	assert.Equal(t, 8, next.ID)

	// Restored subscriptions receive events like any other.
	e.Publish(Scope{PrinterID: 1, JobID: 2}, JobCompleted, nil)
	assert.Len(t, sub.EventsSince(0), 1)

	// And their lease expiry counts from the original creation time.
	expired := e.Sweep(created.Add(2 * time.Hour))
	assert.Contains(t, expired, 7)
}
