package ippsrv

// System service and subscription operations.

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/printkit/printkit/notify"
	"github.com/printkit/printkit/system"
)

// handleCreatePrinter adds a queue from the smi2699 device attributes.
func (s *Server) handleCreatePrinter(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	name := optString(req.msg.Operation, "printer-name")
	deviceURI := optString(req.msg.Operation, "smi2699-device-uri")
	if deviceURI == "" {
		deviceURI = optString(req.msg.Operation, "device-uri")
	}
	driver := optString(req.msg.Operation, "smi2699-device-command")
	if driver == "" {
		driver = "auto"
	}
	if name == "" || deviceURI == "" {
		return nil, fmt.Errorf("%w: printer-name and smi2699-device-uri required", errBadRequest)
	}

	p, err := s.sys.CreatePrinter(ctx, system.PrinterRequest{
		Name:       name,
		Info:       optString(req.msg.Printer, "printer-info"),
		Location:   optString(req.msg.Printer, "printer-location"),
		DeviceURI:  deviceURI,
		DriverName: driver,
	})
	if err != nil {
		return nil, err
	}
	m := response(req.msg, goipp.StatusOk)
	addGroup(m, goipp.TagPrinterGroup, s.printerAttrs(p, nil))
	return m, nil
}

func (s *Server) handleDeletePrinter(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	p, err := s.resolvePrinter(req)
	if err != nil {
		return nil, err
	}
	if err := s.sys.DeletePrinter(p.ID); err != nil {
		return nil, err
	}
	return response(req.msg, goipp.StatusOk), nil
}

// handleGetPrinters lists every queue, one printer group each.
func (s *Server) handleGetPrinters(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	limit := optInt(req.msg.Operation, "limit", 0)
	m := response(req.msg, goipp.StatusOk)
	for i, p := range s.sys.Printers() {
		if limit > 0 && i >= limit {
			break
		}
		addGroup(m, goipp.TagPrinterGroup, s.printerAttrs(p, req.requested()))
	}
	return m, nil
}

func (s *Server) handleGetSystemAttributes(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	m := response(req.msg, goipp.StatusOk)
	addGroup(m, goipp.TagSystemGroup, s.systemAttrs(req.requested()))
	return m, nil
}

func (s *Server) handleSetSystemAttributes(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	if loc := optString(req.msg.System, "system-location"); loc != "" {
		s.sys.SetLocation(loc)
	}
	if def := optInt(req.msg.System, "system-default-printer-id", 0); def != 0 {
		if err := s.sys.SetDefaultPrinter(def); err != nil {
			return nil, err
		}
	}
	return response(req.msg, goipp.StatusOk), nil
}

// handleShutdownAllPrinters requests a graceful server shutdown; the
// response goes out before the listeners stop.
func (s *Server) handleShutdownAllPrinters(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	s.requestShutdown()
	return response(req.msg, goipp.StatusOk), nil
}

// subscriptionScope derives the scope for the three Create-*-Subscriptions
// operations.
func (s *Server) subscriptionScope(req *ippRequest) (notify.Scope, error) {
	switch goipp.Op(req.msg.Code) {
	case goipp.OpCreateSystemSubscriptions:
		return notify.SystemScope, nil
	case goipp.OpCreateJobSubscriptions:
		_, job, err := s.resolveJob(req)
		if err != nil {
			return notify.Scope{}, err
		}
		return notify.Scope{PrinterID: job.PrinterID, JobID: job.ID}, nil
	default:
		p, err := s.resolvePrinter(req)
		if err != nil {
			return notify.Scope{}, err
		}
		return notify.Scope{PrinterID: p.ID}, nil
	}
}

// handleCreateSubscriptions creates one subscription per subscription
// group. Failures are reported per group via notify-status-code; the
// operation status reflects whether all, some or none succeeded.
func (s *Server) handleCreateSubscriptions(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	scope, err := s.subscriptionScope(req)
	if err != nil {
		return nil, err
	}

	groups := subscriptionGroups(req.msg)
	if len(groups) == 0 {
		return nil, notify.ErrNoEvents
	}

	m := response(req.msg, goipp.StatusOk)
	created, failed := 0, 0
	now := time.Now()
	for _, attrs := range groups {
		cr := notify.CreateRequest{
			Scope:      scope,
			PullMethod: optString(attrs, "notify-pull-method"),
			Events:     optStrings(attrs, "notify-events"),
			Charset:    optString(req.msg.Operation, "attributes-charset"),
			Language:   optString(req.msg.Operation, "attributes-natural-language"),
			Username:   req.username(),
			Lease:      optInt(attrs, "notify-lease-duration", -1),
			Interval:   optInt(attrs, "notify-time-interval", -1),
		}
		if vv, ok := findAttr(attrs, "notify-user-data"); ok {
			if b, ok := vv[0].V.(goipp.Binary); ok {
				cr.UserData = []byte(b)
			}
		}

		var ga goipp.Attributes
		add := adder(&ga)
		sub, err := s.sys.Events().Create(cr, now)
		if err != nil {
			failed++
			add("notify-status-code", goipp.TagEnum, goipp.Integer(statusFromError(err)))
		} else {
			created++
			add("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID))
		}
		addGroup(m, goipp.TagSubscriptionGroup, ga)
	}
	switch {
	case created == 0:
		m.Code = goipp.Code(goipp.StatusErrorIgnoredAllSubscriptions)
	case failed > 0:
		m.Code = goipp.Code(goipp.StatusOkIgnoredSubscriptions)
	}
	return m, nil
}

// subscriptionGroups splits out the per-subscription attribute groups of
// a create request.
func subscriptionGroups(msg *goipp.Message) []goipp.Attributes {
	var out []goipp.Attributes
	for _, g := range msg.Groups {
		if g.Tag == goipp.TagSubscriptionGroup && len(g.Attrs) > 0 {
			out = append(out, g.Attrs)
		}
	}
	if len(out) == 0 && len(msg.Subscription) > 0 {
		out = append(out, msg.Subscription)
	}
	return out
}

func (s *Server) handleGetSubscriptions(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	f := notify.Filter{
		Limit: optInt(req.msg.Operation, "limit", 0),
		JobID: optInt(req.msg.Operation, "notify-job-id", 0),
	}
	if optBool(req.msg.Operation, "my-subscriptions", false) {
		f.Username = req.username()
	}
	// The system URI lists everything; a printer URI narrows the scope.
	if uriStr := optString(req.msg.Operation, "printer-uri"); uriStr != "" {
		if u, err := url.Parse(uriStr); err == nil {
			if p, ok := s.sys.PrinterByPath(strings.TrimSuffix(u.Path, "/")); ok {
				f.PrinterID = p.ID
			}
		}
	}

	m := response(req.msg, goipp.StatusOk)
	for _, sub := range s.sys.Events().List(f) {
		addGroup(m, goipp.TagSubscriptionGroup, subscriptionAttrs(sub, req.requested()))
	}
	return m, nil
}

func (s *Server) handleGetSubscriptionAttributes(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	id := optInt(req.msg.Operation, "notify-subscription-id", 0)
	sub, ok := s.sys.Events().Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: subscription %d", notify.ErrNotFound, id)
	}
	m := response(req.msg, goipp.StatusOk)
	addGroup(m, goipp.TagSubscriptionGroup, subscriptionAttrs(sub, req.requested()))
	return m, nil
}

func (s *Server) handleRenewSubscription(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	id := optInt(req.msg.Operation, "notify-subscription-id", 0)
	lease := optInt(req.msg.Operation, "notify-lease-duration", -1)
	if err := s.sys.Events().Renew(id, lease, time.Now()); err != nil {
		return nil, err
	}
	sub, _ := s.sys.Events().Get(id)
	m := response(req.msg, goipp.StatusOk)
	var ga goipp.Attributes
	add := adder(&ga)
	add("notify-lease-duration", goipp.TagInteger, goipp.Integer(sub.Lease()/time.Second))
	addGroup(m, goipp.TagSubscriptionGroup, ga)
	return m, nil
}

func (s *Server) handleCancelSubscription(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	id := optInt(req.msg.Operation, "notify-subscription-id", 0)
	if err := s.sys.Events().Cancel(id); err != nil {
		return nil, err
	}
	return response(req.msg, goipp.StatusOk), nil
}

// handleGetNotifications returns pending events for the requested
// subscriptions, long-polling up to 30 seconds with notify-wait.
func (s *Server) handleGetNotifications(ctx context.Context, req *ippRequest) (*goipp.Message, error) {
	vv, ok := findAttr(req.msg.Operation, "notify-subscription-ids")
	if !ok {
		return nil, fmt.Errorf("%w: notify-subscription-ids required", errBadRequest)
	}
	seqs, _ := findAttr(req.msg.Operation, "notify-sequence-numbers")
	wait := optBool(req.msg.Operation, "notify-wait", false)

	requests := make(map[int]int, len(vv))
	for i, v := range vv {
		id, ok := v.V.(goipp.Integer)
		if !ok {
			return nil, fmt.Errorf("%w: bad notify-subscription-ids", errBadRequest)
		}
		if _, exists := s.sys.Events().Get(int(id)); !exists {
			return nil, fmt.Errorf("%w: subscription %d", notify.ErrNotFound, int(id))
		}
		seq := 0
		if i < len(seqs) {
			if sv, ok := seqs[i].V.(goipp.Integer); ok {
				seq = int(sv)
			}
		}
		requests[int(id)] = seq
	}

	batches := s.sys.Events().Wait(ctx, requests, wait)

	m := response(req.msg, goipp.StatusOk)
	ag := adder(&m.Groups[0].Attrs)
	ag("notify-get-interval", goipp.TagInteger, goipp.Integer(5))
	ag("printer-up-time", goipp.TagInteger, goipp.Integer(s.sys.UpTime()))
	for _, batch := range batches {
		for _, ev := range batch.Events {
			addGroup(m, goipp.TagEventNotificationGroup, eventAttrs(batch.SubscriptionID, ev))
		}
	}
	return m, nil
}
