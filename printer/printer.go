package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/google/uuid"

	"github.com/printkit/printkit/device"
	"github.com/printkit/printkit/notify"
	"github.com/printkit/printkit/spool"
)

// State is the printer-state enum (RFC 8011).
type State int

const (
	StateIdle State = iota + 3
	StateProcessing
	StateStopped
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateProcessing: "processing",
	StateStopped:    "stopped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

const (
	// MaxNameLength bounds printer names.
	MaxNameLength = 127
	// deviceLinger keeps the device open after the last job so back-to-back
	// submissions reuse the connection.
	deviceLinger = 60 * time.Second
	// deviceRetry paces reconnection attempts to an unavailable device.
	deviceRetry = 5 * time.Second
)

// namePattern is the accepted shape of a printer name.
var namePattern = regexp.MustCompile(`^[A-Za-z_][-._A-Za-z0-9]*$`)

var (
	ErrBadName       = errors.New("printer: invalid printer name")
	ErrShuttingDown  = errors.New("printer: shutting down")
	ErrDeleted       = errors.New("printer: printer is deleted")
	ErrJobNotFound   = errors.New("printer: no such job")
	ErrHoldsDisabled = errors.New("printer: job is not held")
)

// ValidateName checks a printer name against the accepted pattern.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}

// Config assembles a printer.
type Config struct {
	ID        int
	Name      string
	Info      string
	Location  string
	DeviceURI string
	// DriverName is the registered driver identifier ("auto" resolved by
	// the caller before this point).
	DriverName string
	Driver     Driver
	Spool      *spool.Spool
	Events     *notify.Engine
	// NextJobID allocates process-unique job ids.
	NextJobID func() int
}

// Printer is one configured output queue with its worker state.
type Printer struct {
	ID         int
	Name       string
	DriverName string

	driver    Driver
	caps      *Capabilities
	spool     *spool.Spool
	events    *notify.Engine
	nextJobID func() int

	mu   sync.RWMutex
	cond *sync.Cond

	info        string
	location    string
	geoLocation string
	deviceURI   string
	uuidStr     string

	state       State
	reasons     device.Reason
	active      []*Job
	completed   []*Job
	processing  *Job
	paused      bool
	holdNewJobs bool
	isDeleted   bool
	shutdown    bool

	dev      *device.Device
	devTimer *time.Timer

	impressionsCompleted int
}

// New validates the configuration and builds an idle printer. The worker
// is not started; call Run from a goroutine.
func New(cfg Config) (*Printer, error) {
	if err := ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	if cfg.Driver == nil {
		return nil, errors.New("printer: driver is required")
	}
	if cfg.Spool == nil {
		return nil, errors.New("printer: spool is required")
	}
	if !device.IsRegistered(uriScheme(cfg.DeviceURI)) {
		return nil, fmt.Errorf("%w: %q", device.ErrUnknownScheme, cfg.DeviceURI)
	}
	if cfg.NextJobID == nil {
		return nil, errors.New("printer: job id allocator is required")
	}
	p := &Printer{
		ID:         cfg.ID,
		Name:       cfg.Name,
		DriverName: cfg.DriverName,
		driver:     cfg.Driver,
		caps:       cfg.Driver.Capabilities(),
		spool:      cfg.Spool,
		events:     cfg.Events,
		nextJobID:  cfg.NextJobID,
		info:       cfg.Info,
		location:   cfg.Location,
		deviceURI:  cfg.DeviceURI,
		uuidStr:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("printkit:"+cfg.Name)).String(),
		state:      StateIdle,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

func uriScheme(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == ':' {
			return uri[:i]
		}
	}
	return ""
}

// ResourcePath is the printer's IPP resource path.
func (p *Printer) ResourcePath() string { return "/ipp/print/" + p.Name }

// UUID returns the stable printer UUID.
func (p *Printer) UUID() string { return p.uuidStr }

// Capabilities returns the driver-declared feature set.
func (p *Printer) Capabilities() *Capabilities { return p.caps }

// DeviceURI returns the configured device URI.
func (p *Printer) DeviceURI() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deviceURI
}

// Info returns the printer-info attribute value.
func (p *Printer) Info() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// Location returns the printer-location attribute value.
func (p *Printer) Location() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.location
}

// SetDescription updates the descriptive attributes
// (Set-Printer-Attributes).
func (p *Printer) SetDescription(info, location, geoLocation string) {
	p.mu.Lock()
	if info != "" {
		p.info = info
	}
	if location != "" {
		p.location = location
	}
	if geoLocation != "" {
		p.geoLocation = geoLocation
	}
	p.mu.Unlock()
	p.publish(notify.PrinterConfigChanged, nil)
}

// State returns the current printer state.
func (p *Printer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Reasons returns the printer-state-reasons bitset, merging device-derived
// reasons with printer conditions.
func (p *Printer) Reasons() device.Reason {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reasons
}

// AcceptingJobs reports whether Print-Job may create jobs right now.
func (p *Printer) AcceptingJobs() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.shutdown && !p.isDeleted
}

func (p *Printer) setState(s State) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	p.mu.Unlock()
	if changed {
		p.publish(notify.PrinterStateChanged, nil)
	}
}

func (p *Printer) publish(kind notify.Kind, attrs goipp.Attributes) {
	if p.events != nil {
		p.events.Publish(notify.Scope{PrinterID: p.ID}, kind, attrs)
	}
}

func (p *Printer) publishJob(job *Job, kind notify.Kind) {
	if p.events != nil {
		p.events.Publish(notify.Scope{PrinterID: p.ID, JobID: job.ID}, kind, nil)
	}
}

// CreateJob creates a job in the held state. Document data arrives via
// SubmitData.
func (p *Printer) CreateJob(name, username, format string, attrs goipp.Attributes) (*Job, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if p.isDeleted {
		p.mu.Unlock()
		return nil, ErrDeleted
	}
	job := newJob(p.nextJobID(), p.ID, name, username, format, attrs)
	p.active = append(p.active, job)
	p.mu.Unlock()

	p.publishJob(job, notify.JobCreated)
	slog.Info("job created",
		"job_id", job.ID, "printer", p.Name, "user", username, "format", format)
	return job, nil
}

// SubmitData spools the document body and queues the job for the worker.
// With hold-new-jobs active the job stays held until released.
func (p *Printer) SubmitData(ctx context.Context, job *Job, body io.Reader) error {
	n, err := p.spool.WriteJob(job.ID, body)
	if err != nil {
		_ = job.event(ctx, jobEvtAbort, JSRAbortedBySystem)
		p.retire(job)
		return err
	}
	job.mu.Lock()
	job.Filename = p.spool.JobFile(job.ID)
	job.mu.Unlock()
	slog.Debug("job data spooled", "job_id", job.ID, "bytes", n)

	p.mu.RLock()
	hold := p.holdNewJobs
	p.mu.RUnlock()
	if hold {
		return nil
	}
	return p.releaseJob(ctx, job)
}

func (p *Printer) releaseJob(ctx context.Context, job *Job) error {
	if err := job.event(ctx, jobEvtRelease); err != nil {
		return err
	}
	p.publishJob(job, notify.JobStateChanged)
	p.cond.Broadcast()
	return nil
}

// ReleaseHeldJobs queues every held job (Release-Held-New-Jobs).
func (p *Printer) ReleaseHeldJobs(ctx context.Context) int {
	p.mu.Lock()
	p.holdNewJobs = false
	jobs := make([]*Job, len(p.active))
	copy(jobs, p.active)
	p.mu.Unlock()

	released := 0
	for _, job := range jobs {
		if job.State() == JobPendingHeld && job.Filename != "" {
			if err := p.releaseJob(ctx, job); err == nil {
				released++
			}
		}
	}
	return released
}

// HoldNewJobs makes future submissions stay held until released.
func (p *Printer) HoldNewJobs() {
	p.mu.Lock()
	p.holdNewJobs = true
	p.mu.Unlock()
	p.publish(notify.PrinterConfigChanged, nil)
}

// Job finds a job by id in the active or completed sets.
func (p *Printer) Job(id int) (*Job, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, j := range p.active {
		if j.ID == id {
			return j, true
		}
	}
	for _, j := range p.completed {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// WhichJobs selects Jobs output.
type WhichJobs int

const (
	WhichNotCompleted WhichJobs = iota
	WhichCompleted
	WhichAll
)

// Jobs lists jobs in submission order.
func (p *Printer) Jobs(which WhichJobs) []*Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Job
	switch which {
	case WhichCompleted:
		out = append(out, p.completed...)
	case WhichNotCompleted:
		out = append(out, p.active...)
	default:
		out = append(out, p.completed...)
		out = append(out, p.active...)
	}
	return out
}

// CancelJob requests cancellation. Jobs not yet processing transition
// immediately; the worker performs the transition for the job in flight.
func (p *Printer) CancelJob(ctx context.Context, id int) error {
	job, ok := p.Job(id)
	if !ok {
		return ErrJobNotFound
	}
	job.Cancel()
	if job.IsTerminal() {
		return nil // idempotent
	}
	if job.State() != JobProcessing {
		if err := job.event(ctx, jobEvtCancel, JSRJobCanceledByUser); err != nil {
			return err
		}
		if p.retire(job) {
			p.publishJob(job, notify.JobStateChanged)
			p.publishJob(job, notify.JobCompleted)
		}
	}
	p.cond.Broadcast()
	return nil
}

// retire moves a terminal job from active to completed. It reports
// whether this call performed the move: the worker and a concurrent
// Cancel-Job may both reach the terminal transition, and only the one
// that retires the job publishes the terminal events.
func (p *Printer) retire(job *Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, j := range p.completed {
		if j == job {
			return false
		}
	}
	for i, j := range p.active {
		if j == job {
			p.active = append(p.active[:i], p.active[i+1:]...)
			break
		}
	}
	p.completed = append(p.completed, job)
	return true
}

// Pause stops the worker from picking new jobs; the in-flight job
// finishes (Pause-Printer).
func (p *Printer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.state = StateStopped
	p.mu.Unlock()
	p.publish(notify.PrinterStateChanged, nil)
	p.publish(notify.PrinterStopped, nil)
}

// Resume restarts job scheduling (Resume-Printer).
func (p *Printer) Resume() {
	p.mu.Lock()
	p.paused = false
	if p.state == StateStopped {
		p.state = StateIdle
	}
	p.mu.Unlock()
	p.publish(notify.PrinterStateChanged, nil)
	p.cond.Broadcast()
}

// Paused reports whether scheduling is paused.
func (p *Printer) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Identify handles Identify-Printer: there is no panel to flash, so the
// request is logged and published as an event.
func (p *Printer) Identify(actions []string, message string) {
	slog.Info("identify printer",
		"printer", p.Name, "actions", actions, "message", message)
	p.publish(notify.PrinterStateChanged, nil)
}

// Delete sets the tombstone. With no job in flight the printer is reaped
// immediately; otherwise the worker reaps it after the current job.
func (p *Printer) Delete() {
	p.mu.Lock()
	p.isDeleted = true
	p.mu.Unlock()
	p.publish(notify.PrinterDeleted, nil)
	p.cond.Broadcast()
}

// IsDeleted reports whether the tombstone is set.
func (p *Printer) IsDeleted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isDeleted
}

// Shutdown asks the worker to drain and exit.
func (p *Printer) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// ImpressionsCompleted is the lifetime impression counter.
func (p *Printer) ImpressionsCompleted() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.impressionsCompleted
}

// CleanJobs drops terminal jobs older than the retention period and
// removes their spool files. It returns the number of jobs removed.
func (p *Printer) CleanJobs(now time.Time, retention time.Duration) int {
	p.mu.Lock()
	var keep, drop []*Job
	for _, j := range p.completed {
		_, _, done := j.Times()
		if !done.IsZero() && now.Sub(done) > retention {
			drop = append(drop, j)
		} else {
			keep = append(keep, j)
		}
	}
	p.completed = keep
	p.mu.Unlock()

	for _, j := range drop {
		if err := p.spool.RemoveJob(j.ID); err != nil {
			slog.Warn("failed to remove expired job file", "job_id", j.ID, "error", err)
		}
	}
	return len(drop)
}

// Run is the printer worker loop: wait for pending work, process one job,
// repeat. It returns when Shutdown is called or the printer is deleted
// and drained.
func (p *Printer) Run(ctx context.Context) {
	slog.Info("printer worker started", "printer", p.Name, "uri", p.DeviceURI())
	defer slog.Info("printer worker stopped", "printer", p.Name)

	for {
		p.mu.Lock()
		for !p.shutdown && !p.isDeleted && (p.paused || p.nextPendingLocked() == nil) {
			p.cond.Wait()
		}
		if p.shutdown || (p.isDeleted && p.nextPendingLocked() == nil) {
			p.mu.Unlock()
			p.closeDevice()
			return
		}
		job := p.nextPendingLocked()
		p.mu.Unlock()

		if job != nil {
			p.processJob(ctx, job)
		}

		p.mu.Lock()
		idle := len(p.active) == 0
		deleted := p.isDeleted
		p.mu.Unlock()
		if idle {
			p.scheduleDeviceClose()
			if !p.Paused() {
				p.setState(StateIdle)
			}
		}
		if deleted && idle {
			p.closeDevice()
			return
		}
	}
}

// nextPendingLocked returns the oldest pending job; callers hold p.mu.
func (p *Printer) nextPendingLocked() *Job {
	for _, j := range p.active {
		if j.State() == JobPending {
			return j
		}
	}
	return nil
}

// scheduleDeviceClose closes the device after the linger period unless a
// new job claims it first.
func (p *Printer) scheduleDeviceClose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil || p.devTimer != nil {
		return
	}
	p.devTimer = time.AfterFunc(deviceLinger, func() {
		p.mu.Lock()
		dev := p.dev
		p.dev = nil
		p.devTimer = nil
		p.mu.Unlock()
		if dev != nil {
			if err := dev.Close(); err != nil {
				slog.Warn("closing idle device", "printer", p.Name, "error", err)
			}
		}
	})
}

func (p *Printer) closeDevice() {
	p.mu.Lock()
	dev := p.dev
	p.dev = nil
	if p.devTimer != nil {
		p.devTimer.Stop()
		p.devTimer = nil
	}
	p.mu.Unlock()
	if dev != nil {
		dev.Close()
	}
}
