package printer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printkit/printkit/bitmap"
	"github.com/printkit/printkit/device"
	"github.com/printkit/printkit/notify"
	"github.com/printkit/printkit/raster"
	"github.com/printkit/printkit/spool"
)

type nopTransport struct{}

func (nopTransport) Write(p []byte) (int, error)     { return len(p), nil }
func (nopTransport) Read(p []byte) (int, error)      { return 0, device.ErrReadTimeout }
func (nopTransport) Close() error                    { return nil }
func (nopTransport) SetReadDeadline(time.Time) error { return nil }

func init() {
	device.RegisterScheme("loopdev", func(ctx context.Context, u *url.URL, jobName string) (device.Transport, string, error) {
		return nopTransport{}, "", nil
	})
}

// fakeDriver records callback invocations.
type fakeDriver struct {
	mu         sync.Mutex
	calls      []string
	lines      int
	lineDelay  time.Duration
	refuseLine bool
	lastOpts   Options
}

func testCaps() *Capabilities {
	return &Capabilities{
		MakeAndModel:      "Example Widget 2000",
		NativeFormat:      "application/vnd.example-raw",
		Resolutions:       []Resolution{{203, 203}, {300, 300}},
		DefaultResolution: Resolution{203, 203},
		ColorModes:        []string{"monochrome", "bi-level"},
		DefaultColorMode:  "monochrome",
		Media: []MediaSize{
			{Name: "custom_58x100mm", Width: 5800, Height: 10000},
			{Name: "custom_80x100mm", Width: 8000, Height: 10000,
				LeftMargin: 200, RightMargin: 200, TopMargin: 100, BottomMargin: 100},
		},
		MediaDefault: "custom_58x100mm",
		Darkness:     50,
	}
}

func (d *fakeDriver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDriver) Capabilities() *Capabilities { return testCaps() }

func (d *fakeDriver) StartJob(job *Job, opts *Options) bool {
	d.mu.Lock()
	d.lastOpts = *opts
	d.mu.Unlock()
	d.record("start-job")
	return true
}

func (d *fakeDriver) EndJob(job *Job, opts *Options) bool {
	d.record("end-job")
	return true
}

func (d *fakeDriver) StartPage(job *Job, opts *Options, page int) bool {
	d.record("start-page")
	return true
}

func (d *fakeDriver) EndPage(job *Job, opts *Options, page int) bool {
	d.record("end-page")
	return true
}

func (d *fakeDriver) WriteLine(job *Job, opts *Options, y int, line []byte) bool {
	if d.lineDelay > 0 {
		time.Sleep(d.lineDelay)
	}
	d.mu.Lock()
	d.lines++
	refuse := d.refuseLine
	d.mu.Unlock()
	return !refuse
}

func (d *fakeDriver) Print(job *Job, opts *Options) bool {
	d.record("print")
	return true
}

func (d *fakeDriver) Status(p *Printer) bool { return true }

func (d *fakeDriver) lineCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines
}

func (d *fakeDriver) callNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

type testRig struct {
	p      *Printer
	drv    *fakeDriver
	events *notify.Engine
	cancel context.CancelFunc
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	sp, err := spool.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })

	drv := &fakeDriver{}
	events := notify.NewEngine(notify.Config{})
	var nextID atomic.Int64
	p, err := New(Config{
		ID:         1,
		Name:       "widget",
		DeviceURI:  "loopdev://widget/",
		DriverName: "example",
		Driver:     drv,
		Spool:      sp,
		Events:     events,
		NextJobID:  func() int { return int(nextID.Add(1)) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		p.Shutdown()
		cancel()
	})
	return &testRig{p: p, drv: drv, events: events, cancel: cancel}
}

func pngBody(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func rasterBody(t *testing.T, pages int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := raster.NewWriter(&buf)
	require.NoError(t, err)
	hdr := &raster.Header{
		XResolution: 203, YResolution: 203,
		Width: 64, Height: 4,
		BitsPerColor: 1, BitsPerPixel: 1, BytesPerLine: 8,
		ColorSpace: raster.ColorSpaceBlack, NumColors: 1,
	}
	line := make([]byte, 8)
	for p := 0; p < pages; p++ {
		require.NoError(t, w.StartPage(hdr))
		for y := 0; y < 4; y++ {
			line[0] = byte(y + 1)
			require.NoError(t, w.WriteLine(line))
		}
		require.NoError(t, w.EndPage())
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func submit(t *testing.T, rig *testRig, format string, body []byte, attrs goipp.Attributes) *Job {
	t.Helper()
	job, err := rig.p.CreateJob("test-job", "alice", format, attrs)
	require.NoError(t, err)
	require.NoError(t, rig.p.SubmitData(context.Background(), job, bytes.NewReader(body)))
	return job
}

func waitTerminal(t *testing.T, job *Job) {
	t.Helper()
	require.Eventually(t, job.IsTerminal, 5*time.Second, 5*time.Millisecond,
		"job %d stuck in %s", job.ID, job.State())
}

func TestPNGJobCompletes(t *testing.T) {
	rig := newTestRig(t)
	job := submit(t, rig, "image/png", pngBody(t, 32, 32), nil)
	waitTerminal(t, job)

	assert.Equal(t, JobCompleted, job.State())
	assert.Contains(t, job.StateReasons(), JSRJobCompletedSuccessfully)
	calls := rig.drv.callNames()
	assert.Equal(t, []string{"start-job", "start-page", "end-page", "end-job"}, calls)
	// Every page row is emitted, printed area or not.
	assert.Equal(t, 799, rig.drv.lineCount())

	_, completed := job.Impressions()
	assert.Equal(t, 1, completed)

	created, processing, done := job.Times()
	assert.False(t, created.IsZero())
	assert.False(t, processing.IsZero())
	assert.False(t, done.IsZero())
}

func TestPNGCopies(t *testing.T) {
	rig := newTestRig(t)
	attrs := goipp.Attributes{goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(3))}
	job := submit(t, rig, "image/png", pngBody(t, 16, 16), attrs)
	waitTerminal(t, job)

	require.Equal(t, JobCompleted, job.State())
	total, completed := job.Impressions()
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, completed)
}

func TestRasterJobCompletes(t *testing.T) {
	rig := newTestRig(t)
	job := submit(t, rig, "image/pwg-raster", rasterBody(t, 2), nil)
	waitTerminal(t, job)

	require.Equal(t, JobCompleted, job.State())
	calls := rig.drv.callNames()
	assert.Equal(t, []string{"start-job", "start-page", "end-page", "start-page", "end-page", "end-job"}, calls)
	assert.Equal(t, 8, rig.drv.lineCount())
}

func TestRawJob(t *testing.T) {
	rig := newTestRig(t)
	job := submit(t, rig, "application/vnd.example-raw", []byte("RAW PAYLOAD"), nil)
	waitTerminal(t, job)

	require.Equal(t, JobCompleted, job.State())
	assert.Equal(t, []string{"print"}, rig.drv.callNames())
}

func TestUnsupportedFormatAborts(t *testing.T) {
	rig := newTestRig(t)
	job := submit(t, rig, "application/pdf", []byte("%PDF-1.4"), nil)
	waitTerminal(t, job)

	assert.Equal(t, JobAborted, job.State())
	assert.Contains(t, job.StateReasons(), JSRUnsupportedDocumentFormat)
}

func TestBrokenPNGAborts(t *testing.T) {
	rig := newTestRig(t)
	job := submit(t, rig, "image/png", []byte("not a png"), nil)
	waitTerminal(t, job)
	assert.Equal(t, JobAborted, job.State())
}

func TestDriverAbortFailsJob(t *testing.T) {
	rig := newTestRig(t)
	rig.drv.refuseLine = true
	job := submit(t, rig, "image/pwg-raster", rasterBody(t, 1), nil)
	waitTerminal(t, job)
	assert.Equal(t, JobAborted, job.State())
}

func TestJobsAreFIFO(t *testing.T) {
	rig := newTestRig(t)
	a := submit(t, rig, "image/png", pngBody(t, 16, 16), nil)
	b := submit(t, rig, "image/png", pngBody(t, 16, 16), nil)
	waitTerminal(t, a)
	waitTerminal(t, b)

	require.Equal(t, JobCompleted, a.State())
	require.Equal(t, JobCompleted, b.State())
	_, _, aDone := a.Times()
	_, bProc, _ := b.Times()
	assert.False(t, aDone.After(bProc), "a completed %v after b started %v", aDone, bProc)
}

func TestJobIDsAreUnique(t *testing.T) {
	rig := newTestRig(t)
	seen := map[int]bool{}
	var jobs []*Job
	for i := 0; i < 20; i++ {
		job := submit(t, rig, "image/png", pngBody(t, 8, 8), nil)
		require.False(t, seen[job.ID], "duplicate job id %d", job.ID)
		seen[job.ID] = true
		jobs = append(jobs, job)
	}
	for _, job := range jobs {
		waitTerminal(t, job)
	}
}

func TestCancelPendingJob(t *testing.T) {
	rig := newTestRig(t)
	rig.p.Pause()

	job := submit(t, rig, "image/png", pngBody(t, 16, 16), nil)
	require.NoError(t, rig.p.CancelJob(context.Background(), job.ID))

	assert.Equal(t, JobCanceled, job.State())
	assert.Contains(t, job.StateReasons(), JSRJobCanceledByUser)
	assert.Zero(t, rig.drv.lineCount())

	// Cancel is idempotent.
	require.NoError(t, rig.p.CancelJob(context.Background(), job.ID))
}

func TestCancelProcessingJob(t *testing.T) {
	rig := newTestRig(t)
	rig.drv.lineDelay = 2 * time.Millisecond

	job := submit(t, rig, "image/png", pngBody(t, 64, 64), nil)
	require.Eventually(t, func() bool { return job.State() == JobProcessing },
		5*time.Second, time.Millisecond)

	require.NoError(t, rig.p.CancelJob(context.Background(), job.ID))
	waitTerminal(t, job)
	require.Equal(t, JobCanceled, job.State())

	// No further rows are written once the worker observes the flag.
	n := rig.drv.lineCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, rig.drv.lineCount())
}

func TestCancelUnknownJob(t *testing.T) {
	rig := newTestRig(t)
	assert.ErrorIs(t, rig.p.CancelJob(context.Background(), 999), ErrJobNotFound)
}

func TestPauseResume(t *testing.T) {
	rig := newTestRig(t)
	rig.p.Pause()
	assert.Equal(t, StateStopped, rig.p.State())

	job := submit(t, rig, "image/png", pngBody(t, 8, 8), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, JobPending, job.State())

	rig.p.Resume()
	waitTerminal(t, job)
	assert.Equal(t, JobCompleted, job.State())
}

func TestHoldNewJobs(t *testing.T) {
	rig := newTestRig(t)
	rig.p.HoldNewJobs()

	job := submit(t, rig, "image/png", pngBody(t, 8, 8), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, JobPendingHeld, job.State())

	released := rig.p.ReleaseHeldJobs(context.Background())
	assert.Equal(t, 1, released)
	waitTerminal(t, job)
	assert.Equal(t, JobCompleted, job.State())
}

func TestJobEvents(t *testing.T) {
	rig := newTestRig(t)
	sub, err := rig.events.Create(notify.CreateRequest{
		Events: []string{"job-state-changed", "job-completed"},
		Scope:  notify.Scope{PrinterID: rig.p.ID},
		Lease:  -1, Interval: -1,
	}, time.Now())
	require.NoError(t, err)

	job := submit(t, rig, "image/png", pngBody(t, 8, 8), nil)
	waitTerminal(t, job)

	require.Eventually(t, func() bool {
		for _, ev := range sub.EventsSince(0) {
			if ev.Kind == notify.JobCompleted {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	var kinds []notify.Kind
	for _, ev := range sub.EventsSince(0) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, notify.JobStateChanged)
	assert.Contains(t, kinds, notify.JobCompleted)
	assert.NotContains(t, kinds, notify.JobCreated)
}

func TestDeleteReapsAfterDrain(t *testing.T) {
	rig := newTestRig(t)
	job := submit(t, rig, "image/png", pngBody(t, 8, 8), nil)
	waitTerminal(t, job)

	rig.p.Delete()
	assert.True(t, rig.p.IsDeleted())
}

func TestCleanJobs(t *testing.T) {
	rig := newTestRig(t)
	job := submit(t, rig, "image/png", pngBody(t, 8, 8), nil)
	waitTerminal(t, job)

	// Too young to clean.
	assert.Zero(t, rig.p.CleanJobs(time.Now(), time.Hour))
	require.Len(t, rig.p.Jobs(WhichCompleted), 1)

	removed := rig.p.CleanJobs(time.Now().Add(2*time.Hour), time.Hour)
	assert.Equal(t, 1, removed)
	assert.Empty(t, rig.p.Jobs(WhichCompleted))
}

func TestValidateName(t *testing.T) {
	valid := []string{"widget", "Widget_2", "a", "_x", "front-desk.2"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}
	invalid := []string{"", "2widget", "-x", "has space", "emojié", string(make([]byte, 200))}
	for _, name := range invalid {
		assert.Error(t, ValidateName(name), name)
	}
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	sp, err := spool.New(t.TempDir())
	require.NoError(t, err)
	defer sp.Close()
	_, err = New(Config{
		ID: 1, Name: "widget", DeviceURI: "carrier-pigeon://coop/",
		Driver: &fakeDriver{}, Spool: sp, NextJobID: func() int { return 1 },
	})
	assert.ErrorIs(t, err, device.ErrUnknownScheme)
}

func TestBuildOptions(t *testing.T) {
	caps := testCaps()
	job := newJob(1, 1, "j", "u", "image/png", goipp.Attributes{
		goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(2)),
		goipp.MakeAttribute("media", goipp.TagKeyword, goipp.String("custom_80x100mm")),
		goipp.MakeAttribute("print-color-mode", goipp.TagKeyword, goipp.String("bi-level")),
		goipp.MakeAttribute("print-quality", goipp.TagEnum, goipp.Integer(QualityHigh)),
		goipp.MakeAttribute("orientation-requested", goipp.TagEnum, goipp.Integer(int(bitmap.Landscape))),
	})
	o := buildOptions(job, caps)

	assert.Equal(t, 2, o.Copies)
	assert.Equal(t, "custom_80x100mm", o.Media.Name)
	assert.Equal(t, bitmap.Landscape, o.Orientation)
	assert.Same(t, &bitmap.MatrixThreshold, o.Dither)
	// Bi-level output stays on the flat threshold even at high quality.
	assert.Nil(t, o.DitherFn)
	// High quality selects the top resolution.
	assert.Equal(t, Resolution{300, 300}, o.Resolution)

	// 80 mm at 300 dpi is 944 pixels; 2 mm margins are 23 pixels each.
	assert.EqualValues(t, 944, o.Header.Width)
	assert.Equal(t, 23, o.Left)
	assert.Equal(t, 944-2*23, o.Width)
	assert.EqualValues(t, (944+7)/8, o.Header.BytesPerLine)
	assert.Equal(t, "custom_80x100mm", o.Header.PageSizeName)
}

func TestBuildOptionsDefaults(t *testing.T) {
	caps := testCaps()
	job := newJob(1, 1, "j", "u", "image/png", nil)
	o := buildOptions(job, caps)

	assert.Equal(t, 1, o.Copies)
	assert.Equal(t, "custom_58x100mm", o.Media.Name)
	assert.Equal(t, Resolution{203, 203}, o.Resolution)
	assert.Same(t, &bitmap.MatrixOrdered, o.Dither)
	assert.Nil(t, o.DitherFn)
	assert.Equal(t, bitmap.Portrait, o.Orientation)
	assert.Equal(t, 50, o.Darkness)
	// 58 mm at 203 dpi.
	assert.EqualValues(t, 463, o.Header.Width)
	assert.EqualValues(t, 799, o.Header.Height)
}

func (d *fakeDriver) options() Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOpts
}

func TestCanceledJobListedOnce(t *testing.T) {
	rig := newTestRig(t)
	rig.p.Pause()
	job := submit(t, rig, "image/png", pngBody(t, 8, 8), nil)
	require.NoError(t, rig.p.CancelJob(context.Background(), job.ID))
	require.Equal(t, JobCanceled, job.State())

	// The worker retires again when it loses the cancel race; the second
	// retire must not duplicate the completed entry.
	assert.False(t, rig.p.retire(job))
	require.Len(t, rig.p.Jobs(WhichCompleted), 1)
}

func TestHighQualityPNGUsesDiffusion(t *testing.T) {
	rig := newTestRig(t)
	attrs := goipp.Attributes{
		goipp.MakeAttribute("print-quality", goipp.TagEnum, goipp.Integer(QualityHigh)),
	}
	job := submit(t, rig, "image/png", pngBody(t, 32, 32), attrs)
	waitTerminal(t, job)

	require.Equal(t, JobCompleted, job.State())
	opts := rig.drv.options()
	require.NotNil(t, opts.DitherFn)
	// The diffused page is packed through the flat threshold.
	assert.Same(t, &bitmap.MatrixThreshold, opts.Dither)
}
