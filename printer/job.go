package printer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/looplab/fsm"

	"github.com/printkit/printkit/device"
)

// JobState represents the state of a job (RFC 8011 job-state enum).
type JobState int32

const (
	JobPending JobState = iota + 3
	JobPendingHeld
	JobProcessing
	JobProcessingStopped
	JobCanceled
	JobAborted
	JobCompleted
)

var jobStateNames = map[JobState]string{
	JobPending:           "pending",
	JobPendingHeld:       "pending-held",
	JobProcessing:        "processing",
	JobProcessingStopped: "processing-stopped",
	JobCanceled:          "canceled",
	JobAborted:           "aborted",
	JobCompleted:         "completed",
}

func (s JobState) String() string {
	if n, ok := jobStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// JobStateReason is a job-state-reasons keyword.
type JobStateReason string

const (
	JSRNone                      JobStateReason = "none"
	JSRJobIncoming               JobStateReason = "job-incoming"
	JSRJobDataInsufficient       JobStateReason = "job-data-insufficient"
	JSRJobHeldUntilSpecified     JobStateReason = "job-held-until-specified"
	JSRJobQueued                 JobStateReason = "job-queued"
	JSRJobPrinting               JobStateReason = "job-printing"
	JSRJobCanceledByUser         JobStateReason = "job-canceled-by-user"
	JSRAbortedBySystem           JobStateReason = "aborted-by-system"
	JSRUnsupportedDocumentFormat JobStateReason = "unsupported-document-format"
	JSRDocumentFormatError       JobStateReason = "document-format-error"
	JSRDocumentUnprintable       JobStateReason = "document-unprintable-error"
	JSRProcessingToStopPoint     JobStateReason = "processing-to-stop-point"
	JSRPrinterStopped            JobStateReason = "printer-stopped"
	JSRJobCompletedSuccessfully  JobStateReason = "job-completed-successfully"
	JSRJobCompletedWithWarnings  JobStateReason = "job-completed-with-warnings"
	JSRJobCompletedWithErrors    JobStateReason = "job-completed-with-errors"
)

// fsm events for job state transitions.
const (
	jobEvtRelease  = "release"
	jobEvtHold     = "hold"
	jobEvtProcess  = "process"
	jobEvtStop     = "stop"
	jobEvtResume   = "resume"
	jobEvtAbort    = "abort"
	jobEvtComplete = "complete"
	jobEvtCancel   = "cancel"
)

/*
Jobs are born held until their document data arrives, then queue as
pending for the printer worker:

	(new) ──▶ pending-held ──release──▶ pending ──process──▶ processing
	               │                       │                     │
	               │                       │      ┌── canceled ◀─┤
	               └──────cancel───────────┴──────┤    aborted ◀─┼──error
	                                              └─ completed ◀─┘
*/
var jobFsmEvts = []fsm.EventDesc{
	{
		Name: jobEvtRelease,
		Src:  []string{JobPendingHeld.String()},
		Dst:  JobPending.String(),
	},
	{
		Name: jobEvtHold,
		Src:  []string{JobPending.String()},
		Dst:  JobPendingHeld.String(),
	},
	{
		Name: jobEvtProcess,
		Src:  []string{JobPending.String()},
		Dst:  JobProcessing.String(),
	},
	{
		Name: jobEvtStop,
		Src:  []string{JobProcessing.String()},
		Dst:  JobProcessingStopped.String(),
	},
	{
		Name: jobEvtResume,
		Src:  []string{JobProcessingStopped.String()},
		Dst:  JobProcessing.String(),
	},
	{
		Name: jobEvtCancel,
		Src: []string{
			JobPendingHeld.String(),
			JobPending.String(),
			JobProcessing.String(),
			JobProcessingStopped.String(),
		},
		Dst: JobCanceled.String(),
	},
	{
		Name: jobEvtAbort,
		Src: []string{
			JobPendingHeld.String(),
			JobPending.String(),
			JobProcessing.String(),
			JobProcessingStopped.String(),
		},
		Dst: JobAborted.String(),
	},
	{
		Name: jobEvtComplete,
		Src:  []string{JobProcessing.String()},
		Dst:  JobCompleted.String(),
	},
}

// Job is one print job owned by a printer. Only the printer worker moves
// a job into or out of processing; request handlers mutate it under the
// job write lock.
type Job struct {
	ID        int
	PrinterID int
	Name      string
	Username  string
	Format    string
	Filename  string

	isCanceled atomic.Bool

	mu                   sync.RWMutex
	state                JobState
	reasons              []JobStateReason
	impressions          int
	impressionsCompleted int
	created              time.Time
	processing           time.Time
	completed            time.Time
	message              string
	errorsDetected       bool
	warningsDetected     bool
	attrs                goipp.Attributes
	dev                  *device.Device
	driverData           any

	sm *fsm.FSM
}

func newJob(id, printerID int, name, username, format string, attrs goipp.Attributes) *Job {
	j := &Job{
		ID:        id,
		PrinterID: printerID,
		Name:      name,
		Username:  username,
		Format:    format,
		state:     JobPendingHeld,
		reasons:   []JobStateReason{JSRJobIncoming, JSRJobDataInsufficient},
		created:   time.Now(),
		attrs:     attrs,
	}
	j.sm = makeJobFSM(j)
	return j
}

func makeJobFSM(j *Job) *fsm.FSM {
	lg := slog.With("job_id", j.ID, "job_name", j.Name, "printer_id", j.PrinterID)
	terminal := func(reasons ...JobStateReason) {
		j.completed = time.Now()
		out := make([]JobStateReason, 0, len(reasons)+2)
		out = append(out, reasons...)
		if j.errorsDetected {
			out = append(out, JSRJobCompletedWithErrors)
		}
		if j.warningsDetected {
			out = append(out, JSRJobCompletedWithWarnings)
		}
		j.reasons = out
	}
	return fsm.NewFSM(
		JobPendingHeld.String(),
		jobFsmEvts,
		fsm.Callbacks{
			jobEvtRelease: func(ctx context.Context, e *fsm.Event) {
				j.state = JobPending
				j.reasons = []JobStateReason{JSRJobQueued}
			},
			jobEvtHold: func(ctx context.Context, e *fsm.Event) {
				j.state = JobPendingHeld
				j.reasons = []JobStateReason{JSRJobHeldUntilSpecified}
			},
			jobEvtProcess: func(ctx context.Context, e *fsm.Event) {
				lg.InfoContext(ctx, "job processing")
				j.state = JobProcessing
				j.processing = time.Now()
				j.reasons = []JobStateReason{JSRJobPrinting}
			},
			jobEvtStop: func(ctx context.Context, e *fsm.Event) {
				j.state = JobProcessingStopped
				j.reasons = []JobStateReason{JSRPrinterStopped}
			},
			jobEvtResume: func(ctx context.Context, e *fsm.Event) {
				j.state = JobProcessing
				j.reasons = []JobStateReason{JSRJobPrinting}
			},
			jobEvtCancel: func(ctx context.Context, e *fsm.Event) {
				lg.InfoContext(ctx, "job canceled")
				j.state = JobCanceled
				terminal(reasonsFromArgs(e.Args, JSRJobCanceledByUser)...)
			},
			jobEvtAbort: func(ctx context.Context, e *fsm.Event) {
				lg.InfoContext(ctx, "job aborted")
				j.state = JobAborted
				terminal(reasonsFromArgs(e.Args, JSRAbortedBySystem)...)
			},
			jobEvtComplete: func(ctx context.Context, e *fsm.Event) {
				lg.InfoContext(ctx, "job completed")
				j.state = JobCompleted
				terminal(JSRJobCompletedSuccessfully)
			},
		},
	)
}

func reasonsFromArgs(args []interface{}, fallback JobStateReason) []JobStateReason {
	var reasons []JobStateReason
	for _, arg := range args {
		if r, ok := arg.(JobStateReason); ok {
			reasons = append(reasons, r)
		}
	}
	if len(reasons) == 0 {
		reasons = []JobStateReason{fallback}
	}
	return reasons
}

// event fires an fsm transition under the job write lock.
func (j *Job) event(ctx context.Context, evt string, args ...interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sm.Event(ctx, evt, args...)
}

// State returns the current job state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// StateReasons returns the job-state-reasons keywords.
func (j *Job) StateReasons() []JobStateReason {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.reasons) == 0 {
		return []JobStateReason{JSRNone}
	}
	out := make([]JobStateReason, len(j.reasons))
	copy(out, j.reasons)
	return out
}

// Cancel sets the advisory cancel flag. The worker observes it between
// rows, copies and sub-operations and performs the terminal transition.
func (j *Job) Cancel() {
	j.isCanceled.Store(true)
}

// Canceled reports whether cancellation was requested.
func (j *Job) Canceled() bool {
	return j.isCanceled.Load()
}

// IsTerminal reports whether the job reached a final state.
func (j *Job) IsTerminal() bool {
	switch j.State() {
	case JobCanceled, JobAborted, JobCompleted:
		return true
	}
	return false
}

// Times returns the created/processing/completed timestamps; zero values
// mean "not yet".
func (j *Job) Times() (created, processing, completed time.Time) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.created, j.processing, j.completed
}

// Impressions returns the requested and completed impression counts.
func (j *Job) Impressions() (total, completed int) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.impressions, j.impressionsCompleted
}

// SetImpressions records the number of impressions the document holds.
func (j *Job) SetImpressions(n int) {
	j.mu.Lock()
	j.impressions = n
	j.mu.Unlock()
}

func (j *Job) addCompletedImpression() {
	j.mu.Lock()
	j.impressionsCompleted++
	j.mu.Unlock()
}

// Message returns the job's current status message.
func (j *Job) Message() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.message
}

// SetMessage updates the status message, truncating to 1023 bytes.
func (j *Job) SetMessage(msg string) {
	if len(msg) > 1023 {
		msg = msg[:1023]
	}
	j.mu.Lock()
	j.message = msg
	j.mu.Unlock()
}

// SetErrorsDetected marks the job as having produced errors; the terminal
// state gains job-completed-with-errors.
func (j *Job) SetErrorsDetected() {
	j.mu.Lock()
	j.errorsDetected = true
	j.mu.Unlock()
}

// SetWarningsDetected marks the job as having produced warnings.
func (j *Job) SetWarningsDetected() {
	j.mu.Lock()
	j.warningsDetected = true
	j.mu.Unlock()
}

// Attrs returns the job's IPP attribute group.
func (j *Job) Attrs() goipp.Attributes {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.attrs
}

// Device returns the device the job is printing to; non-nil only while
// the worker processes the job.
func (j *Job) Device() *device.Device {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.dev
}

func (j *Job) setDevice(d *device.Device) {
	j.mu.Lock()
	j.dev = d
	j.mu.Unlock()
}

// DriverData returns the driver-opaque per-job pointer.
func (j *Job) DriverData() any {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.driverData
}

// SetDriverData stores a driver-opaque per-job pointer.
func (j *Job) SetDriverData(v any) {
	j.mu.Lock()
	j.driverData = v
	j.mu.Unlock()
}
