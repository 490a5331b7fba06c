package main

// The client side: every command below talks IPP to a running server,
// over the local UNIX socket by default or TCP with -h.

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/pterm/pterm"

	"github.com/printkit/printkit/discovery"
	"github.com/printkit/printkit/ippsrv"
)

type ippClient struct {
	httpc   *http.Client
	baseURL string
	host    string
	nextID  uint32
}

// newClient connects to -h host:port, or to the local UNIX socket.
func newClient() *ippClient {
	if *hostFlag != "" {
		return &ippClient{
			httpc:   &http.Client{Timeout: 60 * time.Second},
			baseURL: "http://" + *hostFlag,
			host:    *hostFlag,
			nextID:  1,
		}
	}
	sock := ippsrv.SocketPath()
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}
	return &ippClient{
		httpc:   &http.Client{Transport: tr, Timeout: 60 * time.Second},
		baseURL: "http://localhost",
		host:    "localhost",
		nextID:  1,
	}
}

func (c *ippClient) systemURI() string {
	return "ipp://" + c.host + "/ipp/system"
}

func (c *ippClient) printerURI(name string) string {
	return "ipp://" + c.host + "/ipp/print/" + name
}

// request builds a message with the standard operation attributes.
func (c *ippClient) request(op goipp.Op, uri string) *goipp.Message {
	m := goipp.NewRequest(goipp.DefaultVersion, op, c.nextID)
	c.nextID++
	m.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	m.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-us")))
	if uri != "" {
		m.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(uri)))
	}
	user := osUsername()
	m.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(user)))
	return m
}

func osUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// do sends the message with an optional document body and decodes the
// response, turning IPP error statuses into errors.
func (c *ippClient) do(ctx context.Context, msg *goipp.Message, doc io.Reader) (*goipp.Message, error) {
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		return nil, err
	}
	var body io.Reader = &buf
	if doc != nil {
		body = io.MultiReader(&buf, doc)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ipp")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out goipp.Message
	if err := out.Decode(resp.Body); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if status := goipp.Status(out.Code); status >= 0x0400 {
		if msg := attrString(out.Operation, "status-message"); msg != "" {
			return &out, fmt.Errorf("%s: %s", status, msg)
		}
		return &out, fmt.Errorf("request failed: %s", status)
	}
	return &out, nil
}

func attrString(attrs goipp.Attributes, name string) string {
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			return a.Values[0].V.String()
		}
	}
	return ""
}

func attrInt(attrs goipp.Attributes, name string) int {
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			if v, ok := a.Values[0].V.(goipp.Integer); ok {
				return int(v)
			}
		}
	}
	return 0
}

func attrStrings(attrs goipp.Attributes, name string) []string {
	for _, a := range attrs {
		if a.Name == name {
			out := make([]string, 0, len(a.Values))
			for _, v := range a.Values {
				out = append(out, v.V.String())
			}
			return out
		}
	}
	return nil
}

func groupsOf(m *goipp.Message, tag goipp.Tag) []goipp.Attributes {
	var out []goipp.Attributes
	for _, g := range m.Groups {
		if g.Tag == tag {
			out = append(out, g.Attrs)
		}
	}
	return out
}

func jobStateName(state int) string {
	names := map[int]string{
		3: "pending", 4: "pending-held", 5: "processing",
		6: "processing-stopped", 7: "canceled", 8: "aborted", 9: "completed",
	}
	if n, ok := names[state]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", state)
}

func printerStateName(state int) string {
	names := map[int]string{3: "idle", 4: "processing", 5: "stopped"}
	if n, ok := names[state]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", state)
}

func runAddPrinter(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: add-printer <name> <device-uri> [driver]")
	}
	driver := "auto"
	if len(args) > 2 {
		driver = args[2]
	}
	c := newClient()
	msg := c.request(goipp.OpCreatePrinter, c.systemURI())
	msg.Operation.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(args[0])))
	msg.Operation.Add(goipp.MakeAttribute("smi2699-device-uri", goipp.TagURI, goipp.String(args[1])))
	msg.Operation.Add(goipp.MakeAttribute("smi2699-device-command", goipp.TagName, goipp.String(driver)))
	resp, err := c.do(ctx, msg, nil)
	if err != nil {
		return err
	}
	for _, pg := range groupsOf(resp, goipp.TagPrinterGroup) {
		fmt.Printf("added printer %s (id %d)\n", args[0], attrInt(pg, "printer-id"))
	}
	return nil
}

func runDeletePrinter(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete-printer <name>")
	}
	c := newClient()
	_, err := c.do(ctx, c.request(goipp.OpDeletePrinter, c.printerURI(args[0])), nil)
	return err
}

func runModifyPrinter(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("modify-printer", flag.ExitOnError)
	info := fs.String("info", "", "printer description")
	location := fs.String("location", "", "printer location")
	if len(args) < 1 {
		return fmt.Errorf("usage: modify-printer <name> [-info s] [-location s]")
	}
	name := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	c := newClient()
	msg := c.request(goipp.OpSetPrinterAttributes, c.printerURI(name))
	if *info != "" {
		msg.Printer.Add(goipp.MakeAttribute("printer-info", goipp.TagText, goipp.String(*info)))
	}
	if *location != "" {
		msg.Printer.Add(goipp.MakeAttribute("printer-location", goipp.TagText, goipp.String(*location)))
	}
	_, err := c.do(ctx, msg, nil)
	return err
}

func runListPrinters(ctx context.Context, args []string) error {
	c := newClient()
	resp, err := c.do(ctx, c.request(goipp.OpGetPrinters, c.systemURI()), nil)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"ID", "Name", "State", "Accepting", "Device"}}
	for _, pg := range groupsOf(resp, goipp.TagPrinterGroup) {
		data = append(data, []string{
			fmt.Sprint(attrInt(pg, "printer-id")),
			attrString(pg, "printer-name"),
			printerStateName(attrInt(pg, "printer-state")),
			attrString(pg, "printer-is-accepting-jobs"),
			attrString(pg, "printer-make-and-model"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runSetDefaultPrinter(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: set-default-printer <name>")
	}
	c := newClient()
	msg := c.request(goipp.OpGetPrinterAttributes, c.printerURI(args[0]))
	msg.Operation.Add(goipp.MakeAttribute("requested-attributes", goipp.TagKeyword, goipp.String("printer-id")))
	resp, err := c.do(ctx, msg, nil)
	if err != nil {
		return err
	}
	id := 0
	for _, pg := range groupsOf(resp, goipp.TagPrinterGroup) {
		id = attrInt(pg, "printer-id")
	}
	if id == 0 {
		return fmt.Errorf("printer %q has no id", args[0])
	}
	msg = c.request(goipp.OpSetSystemAttributes, c.systemURI())
	msg.System.Add(goipp.MakeAttribute("system-default-printer-id", goipp.TagInteger, goipp.Integer(id)))
	_, err = c.do(ctx, msg, nil)
	return err
}

func runSubmit(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: submit <printer> <file> [file...]")
	}
	c := newClient()
	for _, path := range args[1:] {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		msg := c.request(goipp.OpPrintJob, c.printerURI(args[0]))
		msg.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(filepath.Base(path))))
		msg.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/octet-stream")))
		resp, err := c.do(ctx, msg, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, jg := range groupsOf(resp, goipp.TagJobGroup) {
			fmt.Printf("submitted %s as job %d\n", path, attrInt(jg, "job-id"))
		}
	}
	return nil
}

func runCancelJob(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cancel-job <job-id>")
	}
	var id int
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		return fmt.Errorf("bad job id %q", args[0])
	}
	c := newClient()
	msg := c.request(goipp.OpCancelJob, "")
	msg.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(id)))
	_, err := c.do(ctx, msg, nil)
	return err
}

func runShowJobs(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: show-jobs <printer>")
	}
	c := newClient()
	msg := c.request(goipp.OpGetJobs, c.printerURI(args[0]))
	msg.Operation.Add(goipp.MakeAttribute("which-jobs", goipp.TagKeyword, goipp.String("all")))
	resp, err := c.do(ctx, msg, nil)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Job", "Name", "User", "State", "Impressions"}}
	for _, jg := range groupsOf(resp, goipp.TagJobGroup) {
		data = append(data, []string{
			fmt.Sprint(attrInt(jg, "job-id")),
			attrString(jg, "job-name"),
			attrString(jg, "job-originating-user-name"),
			jobStateName(attrInt(jg, "job-state")),
			fmt.Sprintf("%d/%d", attrInt(jg, "job-impressions-completed"), attrInt(jg, "job-impressions")),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runShowStatus(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: show-status <printer>")
	}
	c := newClient()
	resp, err := c.do(ctx, c.request(goipp.OpGetPrinterAttributes, c.printerURI(args[0])), nil)
	if err != nil {
		return err
	}
	for _, pg := range groupsOf(resp, goipp.TagPrinterGroup) {
		fmt.Printf("printer:   %s\n", attrString(pg, "printer-name"))
		fmt.Printf("state:     %s\n", printerStateName(attrInt(pg, "printer-state")))
		fmt.Printf("reasons:   %v\n", attrStrings(pg, "printer-state-reasons"))
		fmt.Printf("accepting: %s\n", attrString(pg, "printer-is-accepting-jobs"))
		fmt.Printf("queued:    %d\n", attrInt(pg, "queued-job-count"))
		fmt.Printf("printed:   %d impressions\n", attrInt(pg, "printer-impressions-completed"))
	}
	return nil
}

func runShowOptions(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: show-options <printer>")
	}
	c := newClient()
	resp, err := c.do(ctx, c.request(goipp.OpGetPrinterAttributes, c.printerURI(args[0])), nil)
	if err != nil {
		return err
	}
	for _, pg := range groupsOf(resp, goipp.TagPrinterGroup) {
		data := pterm.TableData{{"Option", "Values", "Default"}}
		data = append(data,
			[]string{"media", fmt.Sprint(attrStrings(pg, "media-supported")), attrString(pg, "media-default")},
			[]string{"resolution", fmt.Sprint(attrStrings(pg, "printer-resolution-supported")), attrString(pg, "printer-resolution-default")},
			[]string{"color-mode", fmt.Sprint(attrStrings(pg, "print-color-mode-supported")), attrString(pg, "print-color-mode-default")},
			[]string{"quality", fmt.Sprint(attrStrings(pg, "print-quality-supported")), attrString(pg, "print-quality-default")},
			[]string{"format", fmt.Sprint(attrStrings(pg, "document-format-supported")), attrString(pg, "document-format-default")},
			[]string{"copies", fmt.Sprint(attrStrings(pg, "copies-supported")), attrString(pg, "copies-default")},
		)
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
	}
	return nil
}

func runShutdownServer(ctx context.Context, args []string) error {
	c := newClient()
	_, err := c.do(ctx, c.request(goipp.OpShutdownAllPrinters, c.systemURI()), nil)
	if err == nil {
		fmt.Println("shutdown requested")
	}
	return err
}

type scanMode int

const (
	scanAll scanMode = iota
	scanDNSSD
	scanSNMP
	scanUSB
)

func runListDevices(ctx context.Context, args []string, mode scanMode) error {
	fs := flag.NewFlagSet("list-devices", flag.ExitOnError)
	timeout := fs.Duration("timeout", 45*time.Second, "scan `duration`")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	data := pterm.TableData{{"Name", "Device URI", "Device ID"}}
	collect := func(p discovery.Printer) bool {
		data = append(data, []string{p.Name, p.URI, p.DeviceID})
		return false
	}

	var err error
	switch mode {
	case scanDNSSD:
		err = discovery.DNSSD(sctx, collect)
	case scanSNMP:
		err = discovery.SNMP(sctx, collect)
	case scanUSB:
		err = listUSBDevices(collect)
	default:
		if err = listUSBDevices(collect); err == nil {
			err = discovery.List(sctx, collect)
		}
	}
	if err != nil && ctx.Err() == nil && sctx.Err() == nil {
		return err
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// listUSBDevices reports the local printer character devices.
func listUSBDevices(cb func(discovery.Printer) bool) error {
	for _, pattern := range []string{"/dev/usb/lp*", "/dev/lp*"} {
		paths, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, p := range paths {
			if cb(discovery.Printer{
				Name: filepath.Base(p),
				URI:  "usb://" + p,
			}) {
				return nil
			}
		}
	}
	return nil
}
