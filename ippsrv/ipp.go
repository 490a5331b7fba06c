// Package ippsrv serves the IPP protocol and the web admin surface over
// HTTP, bridging requests into the system container.
//
// References:
//   - https://datatracker.ietf.org/doc/html/rfc8011
//   - https://datatracker.ietf.org/doc/html/rfc3996
package ippsrv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/OpenPrinting/goipp"

	"github.com/printkit/printkit/printer"
	"github.com/printkit/printkit/system"
)

// MaxDocumentSize bounds a single spooled document.
var MaxDocumentSize int64 = 104857600

// ippRequest carries one decoded IPP request through its handler.
type ippRequest struct {
	msg  *goipp.Message
	body io.Reader // document data following the IPP message
	http *http.Request
}

// username returns requesting-user-name, defaulting to "anonymous".
func (r *ippRequest) username() string {
	if u := optString(r.msg.Operation, "requesting-user-name"); u != "" {
		return u
	}
	return "anonymous"
}

func (r *ippRequest) requested() []string {
	return optStrings(r.msg.Operation, "requested-attributes")
}

type ippHandler func(ctx context.Context, req *ippRequest) (*goipp.Message, error)

func (s *Server) ippHandlers() map[goipp.Op]ippHandler {
	return map[goipp.Op]ippHandler{
		goipp.OpPrintJob:             s.handlePrintJob,
		goipp.OpValidateJob:          s.handleValidateJob,
		goipp.OpCreateJob:            s.handleCreateJob,
		goipp.OpSendDocument:         s.handleSendDocument,
		goipp.OpCloseJob:             s.handleCloseJob,
		goipp.OpCancelJob:            s.handleCancelJob,
		goipp.OpGetJobAttributes:     s.handleGetJobAttributes,
		goipp.OpGetJobs:              s.handleGetJobs,
		goipp.OpGetPrinterAttributes: s.handleGetPrinterAttributes,
		goipp.OpSetPrinterAttributes: s.handleSetPrinterAttributes,
		goipp.OpPausePrinter:         s.handlePausePrinter,
		goipp.OpResumePrinter:        s.handleResumePrinter,
		goipp.OpHoldNewJobs:          s.handleHoldNewJobs,
		goipp.OpReleaseHeldNewJobs:   s.handleReleaseHeldNewJobs,
		goipp.OpIdentifyPrinter:      s.handleIdentifyPrinter,

		goipp.OpCreatePrinter:       s.handleCreatePrinter,
		goipp.OpDeletePrinter:       s.handleDeletePrinter,
		goipp.OpGetPrinters:         s.handleGetPrinters,
		goipp.OpGetSystemAttributes: s.handleGetSystemAttributes,
		goipp.OpSetSystemAttributes: s.handleSetSystemAttributes,
		goipp.OpShutdownAllPrinters: s.handleShutdownAllPrinters,

		goipp.OpCreatePrinterSubscriptions: s.handleCreateSubscriptions,
		goipp.OpCreateJobSubscriptions:     s.handleCreateSubscriptions,
		goipp.OpCreateSystemSubscriptions:  s.handleCreateSubscriptions,
		goipp.OpGetSubscriptions:           s.handleGetSubscriptions,
		goipp.OpGetSubscriptionAttributes:  s.handleGetSubscriptionAttributes,
		goipp.OpRenewSubscription:          s.handleRenewSubscription,
		goipp.OpCancelSubscription:         s.handleCancelSubscription,
		goipp.OpGetNotifications:           s.handleGetNotifications,
	}
}

// dispatch runs one decoded request through authorization and its
// handler, mapping errors to IPP statuses.
func (s *Server) dispatch(ctx context.Context, req *ippRequest) *goipp.Message {
	op := goipp.Op(req.msg.Code)
	lg := slog.With("op", op.String(), "request_id", req.msg.RequestID)

	if err := s.auth.authorize(req.http, accessForOp(op)); err != nil {
		lg.Warn("request not authorized", "remote", req.http.RemoteAddr, "error", err)
		return response(req.msg, statusFromError(err))
	}
	handler, ok := s.ippHandlers()[op]
	if !ok {
		lg.Warn("unsupported operation")
		return response(req.msg, goipp.StatusErrorOperationNotSupported)
	}
	resp, err := handler(ctx, req)
	if err != nil {
		status := statusFromError(err)
		lg.Warn("operation failed", "status", status.String(), "error", err)
		m := response(req.msg, status)
		ag := adder(&m.Groups[0].Attrs)
		ag("status-message", goipp.TagText, goipp.String(err.Error()))
		return m
	}
	lg.Debug("operation ok")
	return resp
}

// resolvePrinter locates the target printer via printer-uri or
// printer-id.
func (s *Server) resolvePrinter(req *ippRequest) (*printer.Printer, error) {
	if uriStr := optString(req.msg.Operation, "printer-uri"); uriStr != "" {
		u, err := url.Parse(uriStr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad printer-uri %q", errBadRequest, uriStr)
		}
		if u.Scheme != "ipp" && u.Scheme != "ipps" {
			return nil, fmt.Errorf("%w: printer-uri scheme %q", errBadRequest, u.Scheme)
		}
		path := strings.TrimSuffix(u.Path, "/")
		if path == "" || path == "/ipp/system" || path == "/ipp/print" {
			// System or default-queue URI.
			if id := s.sys.DefaultPrinterID(); id != 0 {
				if p, ok := s.sys.Printer(id); ok {
					return p, nil
				}
			}
			return nil, fmt.Errorf("%w: no default printer", errNotFound)
		}
		if p, ok := s.sys.PrinterByPath(path); ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: printer %q", errNotFound, path)
	}
	if id := optInt(req.msg.Operation, "printer-id", 0); id != 0 {
		if p, ok := s.sys.Printer(id); ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: printer-id %d", errNotFound, id)
	}
	return nil, fmt.Errorf("%w: printer-uri or printer-id required", errBadRequest)
}

// resolveJob finds the job named by job-id, preferring the request's
// printer.
func (s *Server) resolveJob(req *ippRequest) (*printer.Printer, *printer.Job, error) {
	jobID := optInt(req.msg.Operation, "job-id", 0)
	if jobID == 0 {
		return nil, nil, fmt.Errorf("%w: job-id required", errBadRequest)
	}
	if p, err := s.resolvePrinter(req); err == nil {
		if j, ok := p.Job(jobID); ok {
			return p, j, nil
		}
		return nil, nil, fmt.Errorf("%w: job %d", printer.ErrJobNotFound, jobID)
	}
	if p, j, ok := s.sys.JobByID(jobID); ok {
		return p, j, nil
	}
	return nil, nil, fmt.Errorf("%w: job %d", printer.ErrJobNotFound, jobID)
}

// documentFormat resolves and validates the document MIME type, sniffing
// application/octet-stream bodies. It returns the format and a reader
// replaying the sniffed prefix.
func (s *Server) documentFormat(req *ippRequest, caps *printer.Capabilities) (string, io.Reader, error) {
	format := optString(req.msg.Operation, "document-format")
	body := req.body
	if format == "" || format == "application/octet-stream" {
		prefix := make([]byte, 16)
		n, _ := io.ReadFull(body, prefix)
		body = io.MultiReader(bytes.NewReader(prefix[:n]), body)
		format = system.DetectFormat(prefix[:n], caps.NativeFormat)
	}
	for _, f := range s.documentFormats(caps) {
		if f == format {
			return format, body, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %q", errUnsupportedFormat, format)
}

// jobResponse is the job group returned by job-creating operations.
func (s *Server) jobResponse(req *ippRequest, p *printer.Printer, j *printer.Job) *goipp.Message {
	m := response(req.msg, goipp.StatusOk)
	addGroup(m, goipp.TagJobGroup, s.jobAttrs(p, j, nil))
	return m
}

// handlePrintJob implements Print-Job: create the job, stream the body to
// the spool and queue it for the worker.
func (s *Server) handlePrintJob(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	if !s.sys.AcceptingJobs() {
		return nil, system.ErrShuttingDown
	}
	format, body, err := s.documentFormat(req, p.Capabilities())
	if err != nil {
		return nil, err
	}
	jobName := optString(req.msg.Operation, "job-name")
	if jobName == "" {
		jobName = "untitled"
	}

	job, err := p.CreateJob(jobName, req.username(), format, req.msg.Job)
	if err != nil {
		return nil, err
	}
	if err := p.SubmitData(ctx, job, io.LimitReader(body, MaxDocumentSize)); err != nil {
		return nil, fmt.Errorf("spooling document: %w", err)
	}
	return s.jobResponse(req, p, job), nil
}

// handleValidateJob dry-runs the job template checks without creating a
// job.
func (s *Server) handleValidateJob(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	caps := p.Capabilities()
	if format := optString(req.msg.Operation, "document-format"); format != "" && format != "application/octet-stream" {
		found := false
		for _, f := range s.documentFormats(caps) {
			if f == format {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", errUnsupportedFormat, format)
		}
	}
	if media := optString(req.msg.Job, "media"); media != "" {
		if _, ok := caps.MediaByName(media); !ok {
			return nil, fmt.Errorf("%w: unknown media %q", errBadRequest, media)
		}
	}
	return response(req.msg, goipp.StatusOk), nil
}

// handleCreateJob creates a job that waits for Send-Document data.
func (s *Server) handleCreateJob(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	if !s.sys.AcceptingJobs() {
		return nil, system.ErrShuttingDown
	}
	jobName := optString(req.msg.Operation, "job-name")
	if jobName == "" {
		jobName = "untitled"
	}
	job, err := p.CreateJob(jobName, req.username(), "", req.msg.Job)
	if err != nil {
		return nil, err
	}
	return s.jobResponse(req, p, job), nil
}

// handleSendDocument attaches the single document to a created job.
func (s *Server) handleSendDocument(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, job, err := s.resolveJob(req)
	if err != nil {
		return nil, err
	}
	if job.Filename != "" || job.IsTerminal() {
		return nil, fmt.Errorf("%w: job %d already has its document", errNotPossible, job.ID)
	}
	format, body, err := s.documentFormat(req, p.Capabilities())
	if err != nil {
		return nil, err
	}
	job.Format = format
	if err := p.SubmitData(ctx, job, io.LimitReader(body, MaxDocumentSize)); err != nil {
		return nil, fmt.Errorf("spooling document: %w", err)
	}
	return s.jobResponse(req, p, job), nil
}

// handleCloseJob confirms that no more documents will arrive.
func (s *Server) handleCloseJob(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, job, err := s.resolveJob(req)
	if err != nil {
		return nil, err
	}
	if job.Filename == "" && !job.IsTerminal() {
		// Closed with no document: nothing will ever print.
		if err := p.CancelJob(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	return s.jobResponse(req, p, job), nil
}

// handleCancelJob sets the cancel flag; the worker owns the terminal
// transition for a job in flight.
func (s *Server) handleCancelJob(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, job, err := s.resolveJob(req)
	if err != nil {
		return nil, err
	}
	if err := p.CancelJob(ctx, job.ID); err != nil {
		return nil, err
	}
	return response(req.msg, goipp.StatusOk), nil
}

func (s *Server) handleGetJobAttributes(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, job, err := s.resolveJob(req)
	if err != nil {
		return nil, err
	}
	m := response(req.msg, goipp.StatusOk)
	addGroup(m, goipp.TagJobGroup, s.jobAttrs(p, job, req.requested()))
	return m, nil
}

// handleGetJobs lists jobs with the which-jobs, my-jobs, limit and
// first-job-id filters.
func (s *Server) handleGetJobs(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	which := printer.WhichNotCompleted
	switch optString(req.msg.Operation, "which-jobs") {
	case "", "not-completed":
	case "completed":
		which = printer.WhichCompleted
	case "all":
		which = printer.WhichAll
	default:
		return nil, fmt.Errorf("%w: bad which-jobs", errBadRequest)
	}
	limit := optInt(req.msg.Operation, "limit", 0)
	firstID := optInt(req.msg.Operation, "first-job-id", 0)
	myJobs := optBool(req.msg.Operation, "my-jobs", false)
	username := req.username()

	m := response(req.msg, goipp.StatusOk)
	count := 0
	for _, job := range p.Jobs(which) {
		if myJobs && job.Username != username {
			continue
		}
		if firstID != 0 && job.ID < firstID {
			continue
		}
		addGroup(m, goipp.TagJobGroup, s.jobAttrs(p, job, req.requested()))
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	return m, nil
}

func (s *Server) handleGetPrinterAttributes(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	m := response(req.msg, goipp.StatusOk)
	addGroup(m, goipp.TagPrinterGroup, s.printerAttrs(p, req.requested()))
	return m, nil
}

// handleSetPrinterAttributes updates the descriptive attributes.
func (s *Server) handleSetPrinterAttributes(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	p.SetDescription(
		optString(req.msg.Printer, "printer-info"),
		optString(req.msg.Printer, "printer-location"),
		optString(req.msg.Printer, "printer-geo-location"),
	)
	s.sys.Save()
	return response(req.msg, goipp.StatusOk), nil
}

func (s *Server) handlePausePrinter(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	p.Pause()
	return response(req.msg, goipp.StatusOk), nil
}

func (s *Server) handleResumePrinter(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	p.Resume()
	return response(req.msg, goipp.StatusOk), nil
}

func (s *Server) handleHoldNewJobs(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	p.HoldNewJobs()
	return response(req.msg, goipp.StatusOk), nil
}

func (s *Server) handleReleaseHeldNewJobs(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	p.ReleaseHeldJobs(ctx)
	return response(req.msg, goipp.StatusOk), nil
}

func (s *Server) handleIdentifyPrinter(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	actions := optStrings(req.msg.Operation, "identify-actions")
	if len(actions) == 0 {
		actions = []string{"sound"}
	}
	p.Identify(actions, optString(req.msg.Operation, "message"))
	return response(req.msg, goipp.StatusOk), nil
}
