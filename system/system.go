// Package system holds the global server state: the ordered printer set,
// the subscription engine, id allocation, session keys, DNS-SD
// announcements and persisted state.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/printkit/printkit/device"
	"github.com/printkit/printkit/notify"
	"github.com/printkit/printkit/printer"
	"github.com/printkit/printkit/spool"
)

const (
	// DefaultRetention is how long completed jobs stay queryable.
	DefaultRetention = time.Hour
	// sweepInterval paces the background retention and lease sweeps.
	sweepInterval = time.Minute
)

var (
	ErrShuttingDown    = errors.New("system: shutting down")
	ErrPrinterNotFound = errors.New("system: no such printer")
	ErrPrinterExists   = errors.New("system: printer name already in use")
	ErrUnknownDriver   = errors.New("system: unknown driver")
)

// Features are the init-time capability switches.
type Features struct {
	DNSSD bool
	TLS   bool
	PNG   bool
}

// DriverDesc describes one installable driver.
type DriverDesc struct {
	Name        string
	Description string
	// New builds a driver instance for the given device URI and IEEE-1284
	// device id (the id may be empty).
	New func(deviceURI, deviceID string) (printer.Driver, error)
}

// Config assembles a system.
type Config struct {
	// Name is the DNS-SD and system-name value.
	Name     string
	Hostname string // defaults to os.Hostname
	Port     int
	Location string
	// Organization is reported as system-owner-col.
	Organization string

	Spool   *spool.Spool
	Drivers []DriverDesc
	// AutoAdd maps a discovered device id and URI to a driver name for the
	// "auto" driver; an empty return means no match.
	AutoAdd func(deviceID, deviceURI string) string

	Features  Features
	MaxEvents int
	// Retention is the completed-job retention window; 0 selects
	// DefaultRetention.
	Retention time.Duration

	// Now is the clock; tests override it. Defaults to time.Now.
	Now func() time.Time
}

// PrinterRequest carries the parameters of Create-Printer.
type PrinterRequest struct {
	Name       string
	Info       string
	Location   string
	DeviceURI  string
	DriverName string
}

// System is the process-wide server container. All access goes through
// its methods; the lock order is System before Printer before Job.
type System struct {
	name         string
	hostname     string
	port         int
	uuidStr      string
	organization string

	spoolDir  *spool.Spool
	events    *notify.Engine
	store     *store
	drivers   map[string]DriverDesc
	autoAdd   func(deviceID, deviceURI string) string
	features  Features
	retention time.Duration
	now       func() time.Time
	startedAt time.Time
	session   sessionKeys

	resources ResourceTable
	mimes     MIMETable

	nextJobID atomic.Int64

	mu            sync.RWMutex
	location      string
	printers      map[int]*printer.Printer
	order         []int
	defaultID     int
	nextPrinterID int
	shutdown      bool

	announce  *announcer
	workerCtx context.Context
	stop      context.CancelFunc
	workers   sync.WaitGroup
}

// New builds a system and reloads persisted state from the spool's state
// database.
func New(cfg Config) (*System, error) {
	if cfg.Name == "" {
		return nil, errors.New("system: name is required")
	}
	if cfg.Spool == nil {
		return nil, errors.New("system: spool is required")
	}
	host := cfg.Hostname
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &System{
		name:          cfg.Name,
		hostname:      host,
		port:          cfg.Port,
		uuidStr:       uuid.New().String(),
		organization:  cfg.Organization,
		location:      cfg.Location,
		spoolDir:      cfg.Spool,
		events:        notify.NewEngine(notify.Config{MaxEvents: cfg.MaxEvents}),
		drivers:       make(map[string]DriverDesc),
		autoAdd:       cfg.AutoAdd,
		features:      cfg.Features,
		retention:     retention,
		now:           now,
		startedAt:     now(),
		printers:      make(map[int]*printer.Printer),
		nextPrinterID: 1,
		announce:      newAnnouncer(cfg.Features.DNSSD),
		workerCtx:     ctx,
		stop:          cancel,
	}
	s.session.now = now
	s.session.rotate()
	s.nextJobID.Store(0)
	for _, d := range cfg.Drivers {
		s.drivers[d.Name] = d
	}
	s.registerBuiltinResources()

	st, err := openStore(cfg.Spool.StateFile())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("system: opening state: %w", err)
	}
	s.store = st
	if err := s.load(); err != nil {
		st.Close()
		cancel()
		return nil, fmt.Errorf("system: loading state: %w", err)
	}
	return s, nil
}

// Name returns the system-name value.
func (s *System) Name() string { return s.name }

// Hostname returns the configured host name.
func (s *System) Hostname() string { return s.hostname }

// Port returns the primary listener port.
func (s *System) Port() int { return s.port }

// UUID returns the per-process system UUID.
func (s *System) UUID() string { return s.uuidStr }

// Features returns the capability switches.
func (s *System) Features() Features { return s.features }

// Events returns the subscription engine.
func (s *System) Events() *notify.Engine { return s.events }

// Spool returns the spool directory.
func (s *System) Spool() *spool.Spool { return s.spoolDir }

// UpTime is system-up-time in whole seconds, at least 1.
func (s *System) UpTime() int {
	up := int(s.now().Sub(s.startedAt) / time.Second)
	if up < 1 {
		up = 1
	}
	return up
}

// Location returns system-location.
func (s *System) Location() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// Organization returns the configured owner organization.
func (s *System) Organization() string { return s.organization }

// SetLocation updates system-location (Set-System-Attributes).
func (s *System) SetLocation(location string) {
	s.mu.Lock()
	s.location = location
	s.mu.Unlock()
	s.events.Publish(notify.SystemScope, notify.SystemConfigChanged, nil)
	s.save()
}

// Save persists the current state.
func (s *System) Save() { s.save() }

// NextJobID issues a process-unique job id.
func (s *System) NextJobID() int {
	return int(s.nextJobID.Add(1))
}

// AcceptingJobs reports whether new jobs may be created.
func (s *System) AcceptingJobs() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.shutdown
}

// CreatePrinter validates the request, resolves the driver, starts the
// printer worker and announces the new queue.
func (s *System) CreatePrinter(ctx context.Context, req PrinterRequest) (*printer.Printer, error) {
	if err := printer.ValidateName(req.Name); err != nil {
		return nil, err
	}
	drv, err := s.resolveDriver(ctx, req.DriverName, req.DeviceURI)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	for _, id := range s.order {
		if s.printers[id].Name == req.Name {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrPrinterExists, req.Name)
		}
	}
	id := s.nextPrinterID
	s.nextPrinterID++
	s.mu.Unlock()

	p, err := printer.New(printer.Config{
		ID:         id,
		Name:       req.Name,
		Info:       req.Info,
		Location:   req.Location,
		DeviceURI:  req.DeviceURI,
		DriverName: req.DriverName,
		Driver:     drv,
		Spool:      s.spoolDir,
		Events:     s.events,
		NextJobID:  s.NextJobID,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.printers[id] = p
	s.order = append(s.order, id)
	if s.defaultID == 0 {
		s.defaultID = id
	}
	s.mu.Unlock()

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		p.Run(s.workerCtx)
	}()

	s.announce.addPrinter(s, p)
	s.events.Publish(notify.Scope{PrinterID: id}, notify.PrinterCreated, nil)
	s.save()
	slog.Info("printer created",
		"printer", p.Name, "id", id, "uri", req.DeviceURI, "driver", req.DriverName)
	return p, nil
}

// resolveDriver maps a driver name to an instance. The "auto" driver
// probes the device for its IEEE-1284 id and consults the auto-add
// callback.
func (s *System) resolveDriver(ctx context.Context, name, deviceURI string) (printer.Driver, error) {
	if name == "auto" {
		if s.autoAdd == nil {
			return nil, fmt.Errorf("%w: auto driver with no auto-add callback", ErrUnknownDriver)
		}
		deviceID := ""
		if dev, err := device.Open(ctx, deviceURI, "probe"); err == nil {
			if id, err := dev.DeviceID(ctx); err == nil {
				deviceID = id
			}
			dev.Close()
		}
		name = s.autoAdd(deviceID, deviceURI)
		if name == "" {
			return nil, fmt.Errorf("%w: no driver matches %q", ErrUnknownDriver, deviceID)
		}
		desc, ok := s.drivers[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
		}
		return desc.New(deviceURI, deviceID)
	}
	desc, ok := s.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return desc.New(deviceURI, "")
}

// Printer finds a printer by id.
func (s *System) Printer(id int) (*printer.Printer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.printers[id]
	return p, ok
}

// PrinterByName finds a printer by name.
func (s *System) PrinterByName(name string) (*printer.Printer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if p := s.printers[id]; p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// PrinterByPath resolves an IPP resource path like /ipp/print/<name>.
func (s *System) PrinterByPath(path string) (*printer.Printer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if p := s.printers[id]; p.ResourcePath() == path {
			return p, true
		}
	}
	return nil, false
}

// Printers lists printers in creation order.
func (s *System) Printers() []*printer.Printer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*printer.Printer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.printers[id])
	}
	return out
}

// JobByID finds a job across all printers.
func (s *System) JobByID(id int) (*printer.Printer, *printer.Job, bool) {
	for _, p := range s.Printers() {
		if j, ok := p.Job(id); ok {
			return p, j, true
		}
	}
	return nil, nil, false
}

// DefaultPrinterID returns the default printer id, 0 when none.
func (s *System) DefaultPrinterID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultID
}

// SetDefaultPrinter nominates the default queue.
func (s *System) SetDefaultPrinter(id int) error {
	s.mu.Lock()
	_, ok := s.printers[id]
	if ok {
		s.defaultID = id
	}
	s.mu.Unlock()
	if !ok {
		return ErrPrinterNotFound
	}
	s.events.Publish(notify.SystemScope, notify.SystemConfigChanged, nil)
	s.save()
	return nil
}

// DeletePrinter tombstones the printer and removes it from the set. The
// in-flight job, if any, runs to completion before the worker exits.
func (s *System) DeletePrinter(id int) error {
	s.mu.Lock()
	p, ok := s.printers[id]
	if ok {
		delete(s.printers, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		if s.defaultID == id {
			s.defaultID = 0
			if len(s.order) > 0 {
				s.defaultID = s.order[0]
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return ErrPrinterNotFound
	}
	s.announce.removePrinter(p.Name)
	p.Delete()
	s.save()
	slog.Info("printer deleted", "printer", p.Name, "id", id)
	return nil
}

// Run performs the background chores: DNS-SD announcement and the
// periodic retention and lease sweeps. It returns when ctx ends.
func (s *System) Run(ctx context.Context) {
	s.announce.addSystem(s)
	defer s.announce.shutdown()

	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.workerCtx.Done():
			return
		case <-t.C:
			s.sweep()
		}
	}
}

// sweep purges expired jobs and subscriptions and rotates the session key
// when due.
func (s *System) sweep() {
	now := s.now()
	for _, p := range s.Printers() {
		if n := p.CleanJobs(now, s.retention); n > 0 {
			slog.Debug("purged expired jobs", "printer", p.Name, "count", n)
		}
	}
	s.events.Sweep(now)
	s.session.rotateIfStale()
}

// Shutdown stops accepting work, drains every printer worker and persists
// the final state (Shutdown-All-Printers).
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	printers := make([]*printer.Printer, 0, len(s.order))
	for _, id := range s.order {
		printers = append(printers, s.printers[id])
	}
	s.mu.Unlock()

	s.events.Publish(notify.SystemScope, notify.SystemStateChanged, nil)
	for _, p := range printers {
		p.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.stop()
	s.announce.shutdown()
	s.save()
	if cerr := s.store.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	slog.Info("system shut down", "name", s.name)
	return err
}
