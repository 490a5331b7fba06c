package ippsrv

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printkit/printkit/device"
	"github.com/printkit/printkit/printer"
	"github.com/printkit/printkit/spool"
	"github.com/printkit/printkit/system"
)

type sinkTransport struct{}

func (sinkTransport) Write(p []byte) (int, error)     { return len(p), nil }
func (sinkTransport) Read(p []byte) (int, error)      { return 0, device.ErrReadTimeout }
func (sinkTransport) Close() error                    { return nil }
func (sinkTransport) SetReadDeadline(time.Time) error { return nil }

func init() {
	device.RegisterScheme("sinkdev", func(ctx context.Context, u *url.URL, jobName string) (device.Transport, string, error) {
		return sinkTransport{}, "", nil
	})
}

type sinkDriver struct {
	mu     sync.Mutex
	prints int
}

func (d *sinkDriver) Capabilities() *printer.Capabilities {
	return &printer.Capabilities{
		MakeAndModel:      "Example Widget 2000",
		DeviceID:          "MFG:Example;MDL:Widget 2000;CMD:PWGRaster;",
		NativeFormat:      "application/vnd.example-raw",
		Formats:           []string{"image/pwg-raster", "image/png"},
		Resolutions:       []printer.Resolution{{X: 203, Y: 203}},
		DefaultResolution: printer.Resolution{X: 203, Y: 203},
		ColorModes:        []string{"monochrome"},
		DefaultColorMode:  "monochrome",
		Media:             []printer.MediaSize{{Name: "custom_58x100mm", Width: 5800, Height: 10000}},
		MediaDefault:      "custom_58x100mm",
	}
}
func (d *sinkDriver) StartJob(*printer.Job, *printer.Options) bool               { return true }
func (d *sinkDriver) EndJob(*printer.Job, *printer.Options) bool                 { return true }
func (d *sinkDriver) StartPage(*printer.Job, *printer.Options, int) bool         { return true }
func (d *sinkDriver) EndPage(*printer.Job, *printer.Options, int) bool           { return true }
func (d *sinkDriver) WriteLine(*printer.Job, *printer.Options, int, []byte) bool { return true }
func (d *sinkDriver) Print(*printer.Job, *printer.Options) bool {
	d.mu.Lock()
	d.prints++
	d.mu.Unlock()
	return true
}
func (d *sinkDriver) Status(*printer.Printer) bool { return true }

type testServer struct {
	srv *Server
	sys *system.System
	ts  *httptest.Server
	prn *printer.Printer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	sp, err := spool.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })

	sys, err := system.New(system.Config{
		Name:     "Test System",
		Hostname: "testhost",
		Port:     8631,
		Spool:    sp,
		Features: system.Features{PNG: true},
		Drivers: []system.DriverDesc{
			{Name: "example", Description: "Example Widget", New: func(uri, id string) (printer.Driver, error) {
				return &sinkDriver{}, nil
			}},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sys.Shutdown(ctx)
	})

	prn, err := sys.CreatePrinter(context.Background(), system.PrinterRequest{
		Name: "thermal", DeviceURI: "sinkdev://front/", DriverName: "example",
	})
	require.NoError(t, err)

	srv, err := New(sys)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, sys: sys, ts: ts, prn: prn}
}

// newIPPRequest builds a request with the standard operation attributes.
func newIPPRequest(op goipp.Op, uri string) *goipp.Message {
	m := goipp.NewRequest(goipp.DefaultVersion, op, 1)
	a := adder(&m.Operation)
	a("attributes-charset", goipp.TagCharset, ippUTF8)
	a("attributes-natural-language", goipp.TagLanguage, ippENUS)
	if uri != "" {
		a("printer-uri", goipp.TagURI, goipp.String(uri))
	}
	return m
}

func (e *testServer) printerURI() string {
	return "ipp://testhost:8631/ipp/print/thermal"
}

// roundTrip encodes the request, POSTs it with the document payload and
// decodes the response.
func (e *testServer) roundTrip(t *testing.T, msg *goipp.Message, doc []byte) *goipp.Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))
	buf.Write(doc)
	resp, err := http.Post(e.ts.URL, ippMIMEType, &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, ippMIMEType, resp.Header.Get(hdrContentType))

	var out goipp.Message
	require.NoError(t, out.Decode(resp.Body))
	return &out
}

func groupsWithTag(m *goipp.Message, tag goipp.Tag) []goipp.Attributes {
	var out []goipp.Attributes
	for _, g := range m.Groups {
		if g.Tag == tag {
			out = append(out, g.Attrs)
		}
	}
	return out
}

func firstGroup(t *testing.T, m *goipp.Message, tag goipp.Tag) goipp.Attributes {
	t.Helper()
	gg := groupsWithTag(m, tag)
	require.NotEmpty(t, gg, "no %v group in response", tag)
	return gg[0]
}

func waitJobState(t *testing.T, e *testServer, jobID int, want printer.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := e.prn.Job(jobID)
		return ok && j.State() == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPrintJobEndToEnd(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpPrintJob, e.printerURI())
	a := adder(&msg.Operation)
	a("requesting-user-name", goipp.TagName, goipp.String("alice"))
	a("job-name", goipp.TagName, goipp.String("receipt"))
	a("document-format", goipp.TagMimeType, goipp.String("application/vnd.example-raw"))

	resp := e.roundTrip(t, msg, []byte("RAW PAYLOAD"))
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	jg := firstGroup(t, resp, goipp.TagJobGroup)
	jobID := optInt(jg, "job-id", 0)
	require.NotZero(t, jobID)
	assert.Equal(t, "receipt", optString(jg, "job-name"))
	assert.Equal(t, "alice", optString(jg, "job-originating-user-name"))

	waitJobState(t, e, jobID, printer.JobCompleted)

	// The completed state is visible over Get-Job-Attributes.
	msg = newIPPRequest(goipp.OpGetJobAttributes, e.printerURI())
	adder(&msg.Operation)("job-id", goipp.TagInteger, goipp.Integer(jobID))
	resp = e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
	jg = firstGroup(t, resp, goipp.TagJobGroup)
	assert.Equal(t, int(printer.JobCompleted), optInt(jg, "job-state", 0))
}

func TestCreateJobSendDocument(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpCreateJob, e.printerURI())
	adder(&msg.Operation)("job-name", goipp.TagName, goipp.String("two-step"))
	resp := e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
	jobID := optInt(firstGroup(t, resp, goipp.TagJobGroup), "job-id", 0)
	require.NotZero(t, jobID)

	msg = newIPPRequest(goipp.OpSendDocument, e.printerURI())
	a := adder(&msg.Operation)
	a("job-id", goipp.TagInteger, goipp.Integer(jobID))
	a("document-format", goipp.TagMimeType, goipp.String("application/vnd.example-raw"))
	a("last-document", goipp.TagBoolean, goipp.Boolean(true))
	resp = e.roundTrip(t, msg, []byte("PAYLOAD"))
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	waitJobState(t, e, jobID, printer.JobCompleted)

	// A second document is not possible: the job already has one.
	msg = newIPPRequest(goipp.OpSendDocument, e.printerURI())
	a = adder(&msg.Operation)
	a("job-id", goipp.TagInteger, goipp.Integer(jobID))
	a("document-format", goipp.TagMimeType, goipp.String("application/vnd.example-raw"))
	resp = e.roundTrip(t, msg, []byte("MORE"))
	assert.Equal(t, goipp.StatusErrorNotPossible, goipp.Status(resp.Code))
}

func TestCloseJobWithoutDocumentCancels(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpCreateJob, e.printerURI())
	resp := e.roundTrip(t, msg, nil)
	jobID := optInt(firstGroup(t, resp, goipp.TagJobGroup), "job-id", 0)
	require.NotZero(t, jobID)

	msg = newIPPRequest(goipp.OpCloseJob, e.printerURI())
	adder(&msg.Operation)("job-id", goipp.TagInteger, goipp.Integer(jobID))
	resp = e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	waitJobState(t, e, jobID, printer.JobCanceled)
}

func TestValidateJob(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpValidateJob, e.printerURI())
	adder(&msg.Operation)("document-format", goipp.TagMimeType, goipp.String("image/pwg-raster"))
	resp := e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	msg = newIPPRequest(goipp.OpValidateJob, e.printerURI())
	adder(&msg.Operation)("document-format", goipp.TagMimeType, goipp.String("application/pdf"))
	resp = e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusErrorDocumentFormatNotSupported, goipp.Status(resp.Code))

	msg = newIPPRequest(goipp.OpValidateJob, e.printerURI())
	adder(&msg.Job)("media", goipp.TagKeyword, goipp.String("iso_a4_210x297mm"))
	resp = e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusErrorBadRequest, goipp.Status(resp.Code))
}

func TestGetPrinterAttributes(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpGetPrinterAttributes, e.printerURI())
	resp := e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	pg := firstGroup(t, resp, goipp.TagPrinterGroup)
	assert.Equal(t, "thermal", optString(pg, "printer-name"))
	assert.Equal(t, e.printerURI(), optString(pg, "printer-uri-supported"))
	assert.True(t, optBool(pg, "printer-is-accepting-jobs", false))
	assert.Contains(t, optStrings(pg, "document-format-supported"), "image/png")
	assert.Contains(t, optStrings(pg, "media-supported"), "custom_58x100mm")

	// requested-attributes narrows the group.
	msg = newIPPRequest(goipp.OpGetPrinterAttributes, e.printerURI())
	adder(&msg.Operation)("requested-attributes", goipp.TagKeyword,
		goipp.String("printer-name"), goipp.String("printer-state"))
	resp = e.roundTrip(t, msg, nil)
	pg = firstGroup(t, resp, goipp.TagPrinterGroup)
	assert.Len(t, pg, 2)
}

func TestGetJobsFilters(t *testing.T) {
	e := newTestServer(t)

	submit := func(user, name string) int {
		msg := newIPPRequest(goipp.OpPrintJob, e.printerURI())
		a := adder(&msg.Operation)
		a("requesting-user-name", goipp.TagName, goipp.String(user))
		a("job-name", goipp.TagName, goipp.String(name))
		a("document-format", goipp.TagMimeType, goipp.String("application/vnd.example-raw"))
		resp := e.roundTrip(t, msg, []byte("X"))
		require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
		return optInt(firstGroup(t, resp, goipp.TagJobGroup), "job-id", 0)
	}
	a1 := submit("alice", "a1")
	b1 := submit("bob", "b1")
	waitJobState(t, e, a1, printer.JobCompleted)
	waitJobState(t, e, b1, printer.JobCompleted)

	msg := newIPPRequest(goipp.OpGetJobs, e.printerURI())
	adder(&msg.Operation)("which-jobs", goipp.TagKeyword, goipp.String("completed"))
	resp := e.roundTrip(t, msg, nil)
	assert.Len(t, groupsWithTag(resp, goipp.TagJobGroup), 2)

	// Nothing is left pending.
	msg = newIPPRequest(goipp.OpGetJobs, e.printerURI())
	resp = e.roundTrip(t, msg, nil)
	assert.Empty(t, groupsWithTag(resp, goipp.TagJobGroup))

	// my-jobs filters by the requesting user.
	msg = newIPPRequest(goipp.OpGetJobs, e.printerURI())
	a := adder(&msg.Operation)
	a("which-jobs", goipp.TagKeyword, goipp.String("all"))
	a("my-jobs", goipp.TagBoolean, goipp.Boolean(true))
	a("requesting-user-name", goipp.TagName, goipp.String("bob"))
	resp = e.roundTrip(t, msg, nil)
	gg := groupsWithTag(resp, goipp.TagJobGroup)
	require.Len(t, gg, 1)
	assert.Equal(t, "bob", optString(gg[0], "job-originating-user-name"))
}

func TestCancelJobOverIPP(t *testing.T) {
	e := newTestServer(t)
	e.prn.HoldNewJobs()

	msg := newIPPRequest(goipp.OpPrintJob, e.printerURI())
	a := adder(&msg.Operation)
	a("document-format", goipp.TagMimeType, goipp.String("application/vnd.example-raw"))
	resp := e.roundTrip(t, msg, []byte("X"))
	jobID := optInt(firstGroup(t, resp, goipp.TagJobGroup), "job-id", 0)
	require.NotZero(t, jobID)

	msg = newIPPRequest(goipp.OpCancelJob, e.printerURI())
	adder(&msg.Operation)("job-id", goipp.TagInteger, goipp.Integer(jobID))
	resp = e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
	waitJobState(t, e, jobID, printer.JobCanceled)

	// Unknown jobs map to client-error-not-found.
	msg = newIPPRequest(goipp.OpCancelJob, e.printerURI())
	adder(&msg.Operation)("job-id", goipp.TagInteger, goipp.Integer(9999))
	resp = e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusErrorNotFound, goipp.Status(resp.Code))
}

func TestCreateDeletePrinterOverIPP(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpCreatePrinter, "ipp://testhost:8631/ipp/system")
	a := adder(&msg.Operation)
	a("printer-name", goipp.TagName, goipp.String("back-office"))
	a("smi2699-device-uri", goipp.TagURI, goipp.String("sinkdev://back/"))
	a("smi2699-device-command", goipp.TagName, goipp.String("example"))
	resp := e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
	pg := firstGroup(t, resp, goipp.TagPrinterGroup)
	newID := optInt(pg, "printer-id", 0)
	require.NotZero(t, newID)

	msg = newIPPRequest(goipp.OpGetPrinters, "ipp://testhost:8631/ipp/system")
	resp = e.roundTrip(t, msg, nil)
	assert.Len(t, groupsWithTag(resp, goipp.TagPrinterGroup), 2)

	msg = newIPPRequest(goipp.OpDeletePrinter, "")
	adder(&msg.Operation)("printer-id", goipp.TagInteger, goipp.Integer(newID))
	resp = e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	msg = newIPPRequest(goipp.OpDeletePrinter, "")
	adder(&msg.Operation)("printer-id", goipp.TagInteger, goipp.Integer(newID))
	resp = e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusErrorNotFound, goipp.Status(resp.Code))
}

func TestSystemAttributes(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpSetSystemAttributes, "ipp://testhost:8631/ipp/system")
	adder(&msg.System)("system-location", goipp.TagText, goipp.String("server room"))
	resp := e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	msg = newIPPRequest(goipp.OpGetSystemAttributes, "ipp://testhost:8631/ipp/system")
	resp = e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
	sg := firstGroup(t, resp, goipp.TagSystemGroup)
	assert.Equal(t, "Test System", optString(sg, "system-name"))
	assert.Equal(t, "server room", optString(sg, "system-location"))
	assert.Equal(t, e.prn.ID, optInt(sg, "system-default-printer-id", 0))
}

func TestUnsupportedOperation(t *testing.T) {
	e := newTestServer(t)
	msg := newIPPRequest(goipp.OpRestartJob, e.printerURI())
	resp := e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusErrorOperationNotSupported, goipp.Status(resp.Code))
}

func TestMalformedMessage(t *testing.T) {
	e := newTestServer(t)
	resp, err := http.Post(e.ts.URL, ippMIMEType, bytes.NewReader([]byte("not ipp at all")))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out goipp.Message
	require.NoError(t, out.Decode(resp.Body))
	assert.Equal(t, goipp.StatusErrorBadRequest, goipp.Status(out.Code))
}

func TestShutdownAllPrinters(t *testing.T) {
	e := newTestServer(t)
	msg := newIPPRequest(goipp.OpShutdownAllPrinters, "ipp://testhost:8631/ipp/system")
	resp := e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	select {
	case <-e.srv.ShutdownRequested():
	default:
		t.Fatal("shutdown was not requested")
	}
}

func TestCreateSubscriptionsPerGroupStatus(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpCreatePrinterSubscriptions, e.printerURI())
	good := goipp.Attributes{}
	a := adder(&good)
	a("notify-pull-method", goipp.TagKeyword, goipp.String("ippget"))
	a("notify-events", goipp.TagKeyword, goipp.String("job-completed"))
	bad := goipp.Attributes{}
	a = adder(&bad)
	// A push delivery method: recognized, but only ippget is supported.
	a("notify-pull-method", goipp.TagKeyword, goipp.String("smtp"))
	a("notify-events", goipp.TagKeyword, goipp.String("job-completed"))
	msg.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: msg.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: good},
		{Tag: goipp.TagSubscriptionGroup, Attrs: bad},
	}

	resp := e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusOkIgnoredSubscriptions, goipp.Status(resp.Code))
	gg := groupsWithTag(resp, goipp.TagSubscriptionGroup)
	require.Len(t, gg, 2)
	assert.NotZero(t, optInt(gg[0], "notify-subscription-id", 0))
	assert.Zero(t, optInt(gg[1], "notify-subscription-id", 0))
	assert.Equal(t, int(goipp.StatusErrorAttributesOrValues), optInt(gg[1], "notify-status-code", 0))
}

func TestSubscriptionLifecycleOverIPP(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpCreatePrinterSubscriptions, e.printerURI())
	a := adder(&msg.Subscription)
	a("notify-pull-method", goipp.TagKeyword, goipp.String("ippget"))
	a("notify-events", goipp.TagKeyword, goipp.String("job-completed"), goipp.String("job-state-changed"))
	a("notify-lease-duration", goipp.TagInteger, goipp.Integer(120))
	resp := e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
	subID := optInt(firstGroup(t, resp, goipp.TagSubscriptionGroup), "notify-subscription-id", 0)
	require.NotZero(t, subID)

	msg = newIPPRequest(goipp.OpGetSubscriptionAttributes, e.printerURI())
	adder(&msg.Operation)("notify-subscription-id", goipp.TagInteger, goipp.Integer(subID))
	resp = e.roundTrip(t, msg, nil)
	sg := firstGroup(t, resp, goipp.TagSubscriptionGroup)
	assert.Equal(t, 120, optInt(sg, "notify-lease-duration", 0))
	assert.Contains(t, optStrings(sg, "notify-events"), "job-completed")

	msg = newIPPRequest(goipp.OpRenewSubscription, e.printerURI())
	a = adder(&msg.Operation)
	a("notify-subscription-id", goipp.TagInteger, goipp.Integer(subID))
	a("notify-lease-duration", goipp.TagInteger, goipp.Integer(600))
	resp = e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
	sg = firstGroup(t, resp, goipp.TagSubscriptionGroup)
	assert.Equal(t, 600, optInt(sg, "notify-lease-duration", 0))

	msg = newIPPRequest(goipp.OpCancelSubscription, e.printerURI())
	adder(&msg.Operation)("notify-subscription-id", goipp.TagInteger, goipp.Integer(subID))
	resp = e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	msg = newIPPRequest(goipp.OpGetSubscriptionAttributes, e.printerURI())
	adder(&msg.Operation)("notify-subscription-id", goipp.TagInteger, goipp.Integer(subID))
	resp = e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusErrorNotFound, goipp.Status(resp.Code))
}

func TestGetNotificationsReturnsJobEvents(t *testing.T) {
	e := newTestServer(t)

	msg := newIPPRequest(goipp.OpCreatePrinterSubscriptions, e.printerURI())
	a := adder(&msg.Subscription)
	a("notify-pull-method", goipp.TagKeyword, goipp.String("ippget"))
	a("notify-events", goipp.TagKeyword, goipp.String("job-completed"))
	resp := e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
	subID := optInt(firstGroup(t, resp, goipp.TagSubscriptionGroup), "notify-subscription-id", 0)
	require.NotZero(t, subID)

	msg = newIPPRequest(goipp.OpPrintJob, e.printerURI())
	adder(&msg.Operation)("document-format", goipp.TagMimeType, goipp.String("application/vnd.example-raw"))
	resp = e.roundTrip(t, msg, []byte("X"))
	jobID := optInt(firstGroup(t, resp, goipp.TagJobGroup), "job-id", 0)
	waitJobState(t, e, jobID, printer.JobCompleted)

	msg = newIPPRequest(goipp.OpGetNotifications, e.printerURI())
	a = adder(&msg.Operation)
	a("notify-subscription-ids", goipp.TagInteger, goipp.Integer(subID))
	a("notify-wait", goipp.TagBoolean, goipp.Boolean(true))
	resp = e.roundTrip(t, msg, nil)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	events := groupsWithTag(resp, goipp.TagEventNotificationGroup)
	require.NotEmpty(t, events)
	assert.Equal(t, subID, optInt(events[0], "notify-subscription-id", 0))
	assert.Equal(t, "job-completed", optString(events[0], "notify-subscribed-event"))
	assert.Equal(t, jobID, optInt(events[0], "notify-job-id", 0))

	// Unknown subscriptions are an error.
	msg = newIPPRequest(goipp.OpGetNotifications, e.printerURI())
	adder(&msg.Operation)("notify-subscription-ids", goipp.TagInteger, goipp.Integer(777))
	resp = e.roundTrip(t, msg, nil)
	assert.Equal(t, goipp.StatusErrorNotFound, goipp.Status(resp.Code))
}

func TestGetNotificationsLongPollWakes(t *testing.T) {
	e := newTestServer(t)
	e.prn.HoldNewJobs()

	msg := newIPPRequest(goipp.OpCreatePrinterSubscriptions, e.printerURI())
	a := adder(&msg.Subscription)
	a("notify-pull-method", goipp.TagKeyword, goipp.String("ippget"))
	a("notify-events", goipp.TagKeyword, goipp.String("job-state-changed"))
	resp := e.roundTrip(t, msg, nil)
	subID := optInt(firstGroup(t, resp, goipp.TagSubscriptionGroup), "notify-subscription-id", 0)
	require.NotZero(t, subID)

	done := make(chan *goipp.Message, 1)
	go func() {
		msg := newIPPRequest(goipp.OpGetNotifications, e.printerURI())
		a := adder(&msg.Operation)
		a("notify-subscription-ids", goipp.TagInteger, goipp.Integer(subID))
		a("notify-wait", goipp.TagBoolean, goipp.Boolean(true))
		done <- e.roundTrip(t, msg, nil)
	}()

	// Give the poller time to block, then trigger an event.
	time.Sleep(100 * time.Millisecond)
	msg = newIPPRequest(goipp.OpPrintJob, e.printerURI())
	adder(&msg.Operation)("document-format", goipp.TagMimeType, goipp.String("application/vnd.example-raw"))
	e.roundTrip(t, msg, []byte("X"))

	select {
	case resp := <-done:
		require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
		assert.NotEmpty(t, groupsWithTag(resp, goipp.TagEventNotificationGroup))
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not wake on the event")
	}
}

// Requests over the UNIX control socket are local peers: admin
// operations pass even under a closed policy without credentials.
func TestIPPOverUnixSocket(t *testing.T) {
	e := newTestServer(t)
	e.srv.auth = newAuthorizer(AuthConfig{PasswordHash: hashOf(t, "Secret12")})

	t.Setenv("TMPDIR", t.TempDir())
	path, err := e.srv.ListenUnix()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.srv.Serve(ctx)

	httpc := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", path)
		},
	}}
	msg := newIPPRequest(goipp.OpPausePrinter, e.printerURI())
	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))
	resp, err := httpc.Post("http://localhost/", ippMIMEType, &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out goipp.Message
	require.NoError(t, out.Decode(resp.Body))
	assert.Equal(t, goipp.StatusOk, goipp.Status(out.Code))
	assert.True(t, e.prn.Paused())
}
