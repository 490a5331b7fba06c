package ippsrv

// Attribute marshalling helpers and the response group builders.

import (
	"fmt"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/printkit/printkit/notify"
	"github.com/printkit/printkit/printer"
)

const (
	ippNone goipp.String = "none"
	ippUTF8 goipp.String = "utf-8"
	ippENUS goipp.String = "en-us"
)

// adder is a helper function to add attributes to a group.
func adder(attrs *goipp.Attributes) func(name string, tag goipp.Tag, values ...goipp.Value) {
	return func(name string, tag goipp.Tag, values ...goipp.Value) {
		if len(values) == 0 {
			values = []goipp.Value{goipp.String("")}
		}
		attr := goipp.MakeAttribute(name, tag, values[0])
		for _, v := range values[1:] {
			attr.Values.Add(tag, v)
		}
		attrs.Add(attr)
	}
}

func stringsToValues[S ~[]E, E ~string](strs S) []goipp.Value {
	values := make([]goipp.Value, len(strs))
	for i, str := range strs {
		values[i] = goipp.String(str)
	}
	return values
}

func findAttr(attrs goipp.Attributes, name string) (goipp.Values, bool) {
	for _, attr := range attrs {
		if attr.Name == name && len(attr.Values) > 0 {
			return attr.Values, true
		}
	}
	return nil, false
}

func extractValue[T any](attrs goipp.Attributes, name string) (T, error) {
	var zero T
	vv, ok := findAttr(attrs, name)
	if !ok || len(vv) == 0 {
		return zero, fmt.Errorf("%w: attribute %q not found", errBadRequest, name)
	}
	v := vv[0].V
	if val, ok := v.(T); ok {
		return val, nil
	}
	return zero, fmt.Errorf("%w: attribute %q is not of type %T: %T", errBadRequest, name, zero, v)
}

// optString returns the first value of a string-ish attribute, or "".
func optString(attrs goipp.Attributes, name string) string {
	vv, ok := findAttr(attrs, name)
	if !ok {
		return ""
	}
	return vv[0].V.String()
}

func optInt(attrs goipp.Attributes, name string, def int) int {
	vv, ok := findAttr(attrs, name)
	if !ok {
		return def
	}
	if v, ok := vv[0].V.(goipp.Integer); ok {
		return int(v)
	}
	return def
}

func optBool(attrs goipp.Attributes, name string, def bool) bool {
	vv, ok := findAttr(attrs, name)
	if !ok {
		return def
	}
	if v, ok := vv[0].V.(goipp.Boolean); ok {
		return bool(v)
	}
	return def
}

func optStrings(attrs goipp.Attributes, name string) []string {
	vv, ok := findAttr(attrs, name)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vv))
	for _, v := range vv {
		out = append(out, v.V.String())
	}
	return out
}

// operationGroup builds the mandatory leading operation attributes of
// every response.
func operationGroup() goipp.Attributes {
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("attributes-charset", goipp.TagCharset, ippUTF8)
	a("attributes-natural-language", goipp.TagLanguage, ippENUS)
	return attrs
}

// response builds a message with the given status and the standard
// operation group.
func response(req *goipp.Message, status goipp.Status) *goipp.Message {
	m := goipp.NewResponse(goipp.DefaultVersion, status, req.RequestID)
	m.Groups = goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: operationGroup()}}
	return m
}

func addGroup(m *goipp.Message, tag goipp.Tag, attrs goipp.Attributes) {
	m.Groups = append(m.Groups, goipp.Group{Tag: tag, Attrs: attrs})
}

var supportedOps = []goipp.Op{
	goipp.OpPrintJob,
	goipp.OpValidateJob,
	goipp.OpCreateJob,
	goipp.OpSendDocument,
	goipp.OpCloseJob,
	goipp.OpCancelJob,
	goipp.OpGetJobAttributes,
	goipp.OpGetJobs,
	goipp.OpGetPrinterAttributes,
	goipp.OpSetPrinterAttributes,
	goipp.OpPausePrinter,
	goipp.OpResumePrinter,
	goipp.OpHoldNewJobs,
	goipp.OpReleaseHeldNewJobs,
	goipp.OpIdentifyPrinter,
	goipp.OpCreatePrinterSubscriptions,
	goipp.OpCreateJobSubscriptions,
	goipp.OpCreateSystemSubscriptions,
	goipp.OpGetSubscriptions,
	goipp.OpGetSubscriptionAttributes,
	goipp.OpRenewSubscription,
	goipp.OpCancelSubscription,
	goipp.OpGetNotifications,
	goipp.OpCreatePrinter,
	goipp.OpDeletePrinter,
	goipp.OpGetPrinters,
	goipp.OpGetSystemAttributes,
	goipp.OpSetSystemAttributes,
	goipp.OpShutdownAllPrinters,
}

func opsToValues(ops []goipp.Op) []goipp.Value {
	out := make([]goipp.Value, len(ops))
	for i, op := range ops {
		out[i] = goipp.Integer(op)
	}
	return out
}

// printerURI builds the client-visible URI for a printer.
func (s *Server) printerURI(p *printer.Printer) string {
	scheme := "ipp"
	return fmt.Sprintf("%s://%s:%d%s", scheme, s.sys.Hostname(), s.sys.Port(), p.ResourcePath())
}

// printerAttrs builds the printer attribute group. The requested set, if
// non-empty, filters the output; "all" means everything.
func (s *Server) printerAttrs(p *printer.Printer, requested []string) goipp.Attributes {
	caps := p.Capabilities()
	var attrs goipp.Attributes
	a := adder(&attrs)

	a("printer-uri-supported", goipp.TagURI, goipp.String(s.printerURI(p)))
	a("uri-authentication-supported", goipp.TagKeyword, s.auth.uriAuthentication())
	a("uri-security-supported", goipp.TagKeyword, s.auth.uriSecurity())
	a("printer-id", goipp.TagInteger, goipp.Integer(p.ID))
	a("printer-name", goipp.TagName, goipp.String(p.Name))
	a("printer-info", goipp.TagText, goipp.String(p.Info()))
	a("printer-location", goipp.TagText, goipp.String(p.Location()))
	a("printer-make-and-model", goipp.TagText, goipp.String(caps.MakeAndModel))
	a("printer-device-id", goipp.TagText, goipp.String(caps.DeviceID))
	a("printer-state", goipp.TagEnum, goipp.Integer(p.State()))
	a("printer-state-reasons", goipp.TagKeyword, stringsToValues(p.Reasons().Keywords())...)
	a("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(p.AcceptingJobs()))
	a("printer-uuid", goipp.TagURI, goipp.String("urn:uuid:"+p.UUID()))
	a("printer-up-time", goipp.TagInteger, goipp.Integer(s.sys.UpTime()))
	a("queued-job-count", goipp.TagInteger, goipp.Integer(len(p.Jobs(printer.WhichNotCompleted))))
	a("printer-impressions-completed", goipp.TagInteger, goipp.Integer(p.ImpressionsCompleted()))

	a("ipp-versions-supported", goipp.TagKeyword, goipp.String("1.1"), goipp.String("2.0"))
	a("operations-supported", goipp.TagEnum, opsToValues(supportedOps)...)
	a("charset-configured", goipp.TagCharset, ippUTF8)
	a("charset-supported", goipp.TagCharset, goipp.String("us-ascii"), ippUTF8)
	a("natural-language-configured", goipp.TagLanguage, ippENUS)
	a("generated-natural-language-supported", goipp.TagLanguage, ippENUS)
	a("pdl-override-supported", goipp.TagKeyword, goipp.String("attempted"))
	a("compression-supported", goipp.TagKeyword, ippNone)
	a("multiple-document-jobs-supported", goipp.TagBoolean, goipp.Boolean(false))
	a("multiple-operation-time-out", goipp.TagInteger, goipp.Integer(60))
	a("notify-pull-method-supported", goipp.TagKeyword, goipp.String(notify.PullMethod))
	a("notify-events-supported", goipp.TagKeyword, stringsToValues(notify.KindAll.Keywords())...)
	a("notify-max-events-supported", goipp.TagInteger, goipp.Integer(100))

	formats := s.documentFormats(caps)
	a("document-format-default", goipp.TagMimeType, goipp.String(formats[0]))
	a("document-format-supported", goipp.TagMimeType, stringsToValues(formats)...)

	a("media-supported", goipp.TagKeyword, stringsToValues(mediaNames(caps))...)
	a("media-default", goipp.TagKeyword, goipp.String(caps.MediaDefault))
	if len(caps.MediaReady) > 0 {
		a("media-ready", goipp.TagKeyword, stringsToValues(caps.MediaReady)...)
	}
	a("print-color-mode-supported", goipp.TagKeyword, stringsToValues(caps.ColorModes)...)
	a("print-color-mode-default", goipp.TagKeyword, goipp.String(caps.DefaultColorMode))
	a("print-quality-supported", goipp.TagEnum,
		goipp.Integer(printer.QualityDraft),
		goipp.Integer(printer.QualityNormal),
		goipp.Integer(printer.QualityHigh))
	a("print-quality-default", goipp.TagEnum, goipp.Integer(printer.QualityNormal))
	a("printer-resolution-supported", goipp.TagResolution, resolutionsToValues(caps.Resolutions)...)
	a("printer-resolution-default", goipp.TagResolution, resolutionValue(caps.DefaultResolution))
	a("copies-supported", goipp.TagRange, goipp.Range{Lower: 1, Upper: 999})
	a("copies-default", goipp.TagInteger, goipp.Integer(1))
	a("orientation-requested-supported", goipp.TagEnum,
		goipp.Integer(3), goipp.Integer(4), goipp.Integer(5), goipp.Integer(6))
	a("orientation-requested-default", goipp.TagEnum, goipp.Integer(3))
	if len(caps.Sides) > 0 {
		a("sides-supported", goipp.TagKeyword, stringsToValues(caps.Sides)...)
		a("sides-default", goipp.TagKeyword, goipp.String(caps.Sides[0]))
	}
	if len(caps.Kind) > 0 {
		a("printer-kind", goipp.TagKeyword, stringsToValues(caps.Kind)...)
	}

	return filterAttrs(attrs, requested)
}

// documentFormats lists accepted MIME types in preference order.
func (s *Server) documentFormats(caps *printer.Capabilities) []string {
	formats := []string{"image/pwg-raster", "image/urf"}
	if s.sys.Features().PNG {
		formats = append(formats, "image/png")
	}
	if caps.NativeFormat != "" {
		formats = append(formats, caps.NativeFormat)
	}
	formats = append(formats, "application/octet-stream")
	return formats
}

func mediaNames(caps *printer.Capabilities) []string {
	out := make([]string, len(caps.Media))
	for i, m := range caps.Media {
		out[i] = m.Name
	}
	return out
}

func resolutionValue(r printer.Resolution) goipp.Value {
	return goipp.Resolution{Xres: r.X, Yres: r.Y, Units: goipp.UnitsDpi}
}

func resolutionsToValues(rr []printer.Resolution) []goipp.Value {
	out := make([]goipp.Value, len(rr))
	for i, r := range rr {
		out[i] = resolutionValue(r)
	}
	return out
}

// jobAttrs builds the job attribute group.
func (s *Server) jobAttrs(p *printer.Printer, j *printer.Job, requested []string) goipp.Attributes {
	var attrs goipp.Attributes
	a := adder(&attrs)

	created, processing, completed := j.Times()
	total, done := j.Impressions()

	a("job-id", goipp.TagInteger, goipp.Integer(j.ID))
	a("job-uri", goipp.TagURI, goipp.String(fmt.Sprintf("%s/%d", s.printerURI(p), j.ID)))
	a("job-printer-uri", goipp.TagURI, goipp.String(s.printerURI(p)))
	a("job-name", goipp.TagName, goipp.String(j.Name))
	a("job-originating-user-name", goipp.TagName, goipp.String(j.Username))
	a("job-state", goipp.TagEnum, goipp.Integer(j.State()))
	a("job-state-reasons", goipp.TagKeyword, reasonsToValues(j.StateReasons())...)
	if msg := j.Message(); msg != "" {
		a("job-state-message", goipp.TagText, goipp.String(msg))
	}
	a("document-format", goipp.TagMimeType, goipp.String(j.Format))
	a("job-impressions", goipp.TagInteger, goipp.Integer(total))
	a("job-impressions-completed", goipp.TagInteger, goipp.Integer(done))
	a("time-at-creation", goipp.TagInteger, goipp.Integer(created.Unix()))
	a("date-time-at-creation", goipp.TagDateTime, goipp.Time{Time: created})
	if !processing.IsZero() {
		a("time-at-processing", goipp.TagInteger, goipp.Integer(processing.Unix()))
	}
	if !completed.IsZero() {
		a("time-at-completed", goipp.TagInteger, goipp.Integer(completed.Unix()))
	}
	a("job-printer-up-time", goipp.TagInteger, goipp.Integer(s.sys.UpTime()))

	return filterAttrs(attrs, requested)
}

func reasonsToValues(rr []printer.JobStateReason) []goipp.Value {
	out := make([]goipp.Value, len(rr))
	for i, r := range rr {
		out[i] = goipp.String(r)
	}
	return out
}

// systemAttrs builds the system attribute group.
func (s *Server) systemAttrs(requested []string) goipp.Attributes {
	var attrs goipp.Attributes
	a := adder(&attrs)

	state := 3 // idle
	for _, p := range s.sys.Printers() {
		if p.State() == printer.StateProcessing {
			state = 4
			break
		}
	}

	a("system-name", goipp.TagName, goipp.String(s.sys.Name()))
	a("system-location", goipp.TagText, goipp.String(s.sys.Location()))
	a("system-owner-col", goipp.TagText, goipp.String(s.sys.Organization()))
	a("system-state", goipp.TagEnum, goipp.Integer(state))
	a("system-state-reasons", goipp.TagKeyword, ippNone)
	a("system-up-time", goipp.TagInteger, goipp.Integer(s.sys.UpTime()))
	a("system-uuid", goipp.TagURI, goipp.String("urn:uuid:"+s.sys.UUID()))
	a("system-config-change-date-time", goipp.TagDateTime, goipp.Time{Time: time.Now()})
	a("system-default-printer-id", goipp.TagInteger, goipp.Integer(s.sys.DefaultPrinterID()))
	a("charset-configured", goipp.TagCharset, ippUTF8)
	a("charset-supported", goipp.TagCharset, goipp.String("us-ascii"), ippUTF8)
	a("natural-language-configured", goipp.TagLanguage, ippENUS)
	a("operations-supported", goipp.TagEnum, opsToValues(supportedOps)...)

	return filterAttrs(attrs, requested)
}

// subscriptionAttrs builds the subscription attribute group.
func subscriptionAttrs(sub *notify.Subscription, requested []string) goipp.Attributes {
	var attrs goipp.Attributes
	a := adder(&attrs)

	a("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID))
	a("notify-pull-method", goipp.TagKeyword, goipp.String(notify.PullMethod))
	a("notify-events", goipp.TagKeyword, stringsToValues(sub.Events.Keywords())...)
	a("notify-lease-duration", goipp.TagInteger, goipp.Integer(sub.Lease()/time.Second))
	a("notify-subscriber-user-name", goipp.TagName, goipp.String(sub.Username))
	if len(sub.UserData) > 0 {
		a("notify-user-data", goipp.TagString, goipp.Binary(sub.UserData))
	}
	if sub.Scope.JobID != 0 {
		a("notify-job-id", goipp.TagInteger, goipp.Integer(sub.Scope.JobID))
	} else if sub.Scope.PrinterID != 0 {
		a("notify-printer-id", goipp.TagInteger, goipp.Integer(sub.Scope.PrinterID))
	}
	if sub.Interval > 0 {
		a("notify-time-interval", goipp.TagInteger, goipp.Integer(sub.Interval))
	}
	a("notify-sequence-number", goipp.TagInteger, goipp.Integer(sub.LastSequence()))

	return filterAttrs(attrs, requested)
}

// eventAttrs builds one event-notification group.
func eventAttrs(subID int, ev notify.Event) goipp.Attributes {
	var attrs goipp.Attributes
	a := adder(&attrs)

	a("notify-charset", goipp.TagCharset, ippUTF8)
	a("notify-natural-language", goipp.TagLanguage, ippENUS)
	a("notify-subscription-id", goipp.TagInteger, goipp.Integer(subID))
	a("notify-sequence-number", goipp.TagInteger, goipp.Integer(ev.Sequence))
	a("notify-subscribed-event", goipp.TagKeyword, stringsToValues(ev.Kind.Keywords())...)
	a("printer-up-time", goipp.TagInteger, goipp.Integer(ev.Time.Unix()))
	if ev.Scope.PrinterID != 0 {
		a("notify-printer-id", goipp.TagInteger, goipp.Integer(ev.Scope.PrinterID))
	}
	if ev.Scope.JobID != 0 {
		a("notify-job-id", goipp.TagInteger, goipp.Integer(ev.Scope.JobID))
	}
	attrs = append(attrs, ev.Attrs...)
	return attrs
}

// filterAttrs applies the requested-attributes filter. Empty or "all"
// passes everything through.
func filterAttrs(attrs goipp.Attributes, requested []string) goipp.Attributes {
	if len(requested) == 0 {
		return attrs
	}
	want := make(map[string]bool, len(requested))
	for _, r := range requested {
		if r == "all" {
			return attrs
		}
		want[r] = true
	}
	var out goipp.Attributes
	for _, attr := range attrs {
		if want[attr.Name] {
			out = append(out, attr)
		}
	}
	return out
}
