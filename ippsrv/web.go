package ippsrv

// Web configuration interface. Every state-changing form carries a
// session token derived from the rotating session key; a stale or
// missing token gets 403.

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"html/template"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/printkit/printkit/printer"
)

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<title>{{.Title}} - {{.System}}</title>
<link rel="stylesheet" href="/style.css">
</head>
<body>
<div class="header">
<h1>{{.System}}</h1>
<nav>
<a href="/">Printers</a>
<a href="/config">Configuration</a>
<a href="/network">Network</a>
<a href="/security">Security</a>
<a href="/logs">Logs</a>
</nav>
</div>
<div class="content">
<h2>{{.Title}}</h2>
{{if .Notice}}<p class="notice">{{.Notice}}</p>{{end}}
{{.Body}}
</div>
</body>
</html>
`))

type page struct {
	Title  string
	System string
	Notice string
	Body   template.HTML
}

func (s *Server) renderPage(w http.ResponseWriter, p page) {
	p.System = s.sys.Name()
	w.Header().Set(hdrContentType, "text/html; charset=utf-8")
	if err := pageTmpl.Execute(w, p); err != nil {
		slog.Error("template render failed", "page", p.Title, "error", err)
	}
}

// clientHost is the peer address the session token is bound to.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// checkSession validates the session form field on POSTs. Returns false
// after writing the 403.
func (s *Server) checkSession(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		return true
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return false
		}
	}
	if !s.sys.CheckCSRF(clientHost(r), r.FormValue("session")) {
		http.Error(w, "invalid session", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) sessionField(r *http.Request) template.HTML {
	token := s.sys.CSRFToken(clientHost(r))
	return template.HTML(`<input type="hidden" name="session" value="` + token + `">`)
}

// serveWeb routes non-IPP traffic: registered resources first, then the
// built-in pages.
func (s *Server) serveWeb(w http.ResponseWriter, r *http.Request) {
	if res, ok := s.sys.Resources().Lookup(r.URL.Path); ok {
		switch {
		case res.Handler != nil:
			res.Handler(w, r)
		case res.FilePath != "":
			http.ServeFile(w, r, res.FilePath)
		default:
			mime := res.MIME
			if mime == "" {
				mime, _ = s.sys.MIMEs().Lookup(r.URL.Path)
			}
			w.Header().Set(hdrContentType, mime)
			w.Write(res.Data)
		}
		return
	}

	switch r.URL.Path {
	case "/":
		s.webPrinters(w, r)
	case "/config":
		s.webConfig(w, r)
	case "/network":
		s.webNetwork(w, r)
	case "/network-wifi":
		s.webNetworkWiFi(w, r)
	case "/security":
		s.webSecurity(w, r)
	case "/logs":
		s.webLogs(w, r)
	case "/logfile.txt":
		s.webLogFile(w, r)
	case "/tls-install":
		s.webTLSInstall(w, r)
	case "/tls-new-crt":
		s.webTLSNewCert(w, r)
	case "/tls-new-csr":
		s.webTLSNewCSR(w, r)
	default:
		name := strings.TrimPrefix(r.URL.Path, "/printers/")
		name = strings.Trim(name, "/")
		if _, ok := s.sys.PrinterByName(name); ok {
			s.webPrinter(w, r, name)
			return
		}
		http.NotFound(w, r)
	}
}

// webPrinters is the landing page: every queue with state and job counts.
func (s *Server) webPrinters(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	b.WriteString("<table><tr><th>Printer</th><th>State</th><th>Jobs</th></tr>\n")
	def := s.sys.DefaultPrinterID()
	for _, p := range s.sys.Printers() {
		state := "idle"
		switch {
		case p.Paused():
			state = "stopped"
		case len(p.Jobs(printer.WhichNotCompleted)) > 0:
			state = "processing"
		}
		name := template.HTMLEscapeString(p.Name)
		mark := ""
		if p.ID == def {
			mark = " (default)"
		}
		fmt.Fprintf(&b, "<tr><td><a href=\"/printers/%s\">%s</a>%s</td><td>%s</td><td>%d</td></tr>\n",
			name, name, mark, state, len(p.Jobs(printer.WhichNotCompleted)))
	}
	b.WriteString("</table>\n")
	s.renderPage(w, page{Title: "Printers", Body: template.HTML(b.String())})
}

// webPrinter shows one queue with its jobs and the pause/resume and
// cancel actions.
func (s *Server) webPrinter(w http.ResponseWriter, r *http.Request, name string) {
	p, ok := s.sys.PrinterByName(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !s.checkSession(w, r) {
		return
	}

	notice := ""
	if r.Method == http.MethodPost {
		switch r.FormValue("action") {
		case "pause":
			p.Pause()
			notice = "Printer paused."
		case "resume":
			p.Resume()
			notice = "Printer resumed."
		case "cancel":
			id, _ := strconv.Atoi(r.FormValue("job-id"))
			if err := p.CancelJob(r.Context(), id); err != nil {
				notice = "Cancel failed: " + err.Error()
			} else {
				notice = fmt.Sprintf("Job %d canceled.", id)
			}
		case "default":
			if err := s.sys.SetDefaultPrinter(p.ID); err == nil {
				notice = "Default printer set."
				s.sys.Save()
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<p>%s<br>Device: <code>%s</code><br>Reasons: %s</p>\n",
		template.HTMLEscapeString(p.Info()),
		template.HTMLEscapeString(p.DeviceURI()),
		strings.Join(p.Reasons().Keywords(), ", "))

	action := "pause"
	label := "Pause"
	if p.Paused() {
		action, label = "resume", "Resume"
	}
	fmt.Fprintf(&b, `<form method="POST">%s<input type="hidden" name="action" value="%s"><input type="submit" value="%s"></form>`,
		s.sessionField(r), action, label)
	fmt.Fprintf(&b, `<form method="POST">%s<input type="hidden" name="action" value="default"><input type="submit" value="Set As Default"></form>`,
		s.sessionField(r))

	b.WriteString("<table><tr><th>Job</th><th>Name</th><th>User</th><th>State</th><th></th></tr>\n")
	for _, j := range p.Jobs(printer.WhichAll) {
		fmt.Fprintf(&b, "<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>",
			j.ID, template.HTMLEscapeString(j.Name), template.HTMLEscapeString(j.Username), j.State())
		if !j.IsTerminal() {
			fmt.Fprintf(&b, `<form method="POST">%s<input type="hidden" name="action" value="cancel"><input type="hidden" name="job-id" value="%d"><input type="submit" value="Cancel"></form>`,
				s.sessionField(r), j.ID)
		}
		b.WriteString("</td></tr>\n")
	}
	b.WriteString("</table>\n")

	s.renderPage(w, page{Title: p.Name, Notice: notice, Body: template.HTML(b.String())})
}

// webConfig edits the system description.
func (s *Server) webConfig(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	notice := ""
	if r.Method == http.MethodPost {
		s.sys.SetLocation(r.FormValue("location"))
		notice = "Configuration saved."
	}
	body := fmt.Sprintf(`<form method="POST">%s
<p>Location: <input type="text" name="location" value="%s"></p>
<p>Organization: %s</p>
<input type="submit" value="Save">
</form>`,
		s.sessionField(r),
		template.HTMLEscapeString(s.sys.Location()),
		template.HTMLEscapeString(s.sys.Organization()))
	s.renderPage(w, page{Title: "Configuration", Notice: notice, Body: template.HTML(body)})
}

// webNetwork shows the listening endpoints.
func (s *Server) webNetwork(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hostname: <code>%s</code><br>Port: %d</p>\n", s.sys.Hostname(), s.sys.Port())
	b.WriteString("<table><tr><th>Address</th><th>Network</th></tr>\n")
	s.mu.Lock()
	for _, l := range s.listeners {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>\n", l.Addr().String(), l.Addr().Network())
	}
	s.mu.Unlock()
	b.WriteString("</table>\n")
	if s.sys.Features().DNSSD {
		b.WriteString("<p>DNS-SD advertising is enabled.</p>\n")
	}
	s.renderPage(w, page{Title: "Network", Body: template.HTML(b.String())})
}

// webNetworkWiFi is the wireless configuration page. The server itself
// has no radio control; the page reports that until an integration
// registers a handler for it in the resource table.
func (s *Server) webNetworkWiFi(w http.ResponseWriter, r *http.Request) {
	body := `<p>No wireless interface is configured on this system.</p>
<p><a href="/network">Back to network settings</a></p>`
	s.renderPage(w, page{Title: "Wi-Fi", Body: template.HTML(body)})
}

// webSecurity sets the access password and rotates the session key.
func (s *Server) webSecurity(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	notice := ""
	if r.Method == http.MethodPost {
		switch r.FormValue("action") {
		case "password":
			pass := r.FormValue("password")
			if pass != r.FormValue("password2") {
				notice = "Passwords do not match."
			} else if err := s.auth.SetPassword(pass); err != nil {
				notice = err.Error()
			} else {
				notice = "Password changed."
			}
		case "rotate":
			s.sys.RotateSessionKey()
			notice = "Session key rotated."
		}
	}
	body := fmt.Sprintf(`<form method="POST">%s
<input type="hidden" name="action" value="password">
<p>New password: <input type="password" name="password"></p>
<p>Repeat: <input type="password" name="password2"></p>
<input type="submit" value="Change Password">
</form>
<form method="POST">%s
<input type="hidden" name="action" value="rotate">
<input type="submit" value="Rotate Session Key">
</form>
<p><a href="/tls-install">Install TLS certificate</a> &middot;
<a href="/tls-new-crt">Create self-signed certificate</a> &middot;
<a href="/tls-new-csr">Create signing request</a></p>`,
		s.sessionField(r), s.sessionField(r))
	s.renderPage(w, page{Title: "Security", Notice: notice, Body: template.HTML(body)})
}

// webLogs links to the raw log stream.
func (s *Server) webLogs(w http.ResponseWriter, r *http.Request) {
	body := `<p><a href="/logfile.txt">View the raw log file</a></p>`
	if s.logFile == "" {
		body = "<p>Logging to standard error; no log file configured.</p>"
	}
	s.renderPage(w, page{Title: "Logs", Body: template.HTML(body)})
}

// webLogFile streams the log with Range support so viewers can tail it.
func (s *Server) webLogFile(w http.ResponseWriter, r *http.Request) {
	if s.logFile == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set(hdrContentType, "text/plain; charset=utf-8")
	http.ServeFile(w, r, s.logFile)
}

// webTLSInstall accepts a PEM certificate and key upload and installs
// them as the host credentials.
func (s *Server) webTLSInstall(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	notice := ""
	if r.Method == http.MethodPost {
		cert := r.FormValue("certificate")
		key := r.FormValue("key")
		if err := s.installTLS([]byte(cert), []byte(key)); err != nil {
			notice = "Install failed: " + err.Error()
		} else {
			notice = "Certificate installed. Restart listeners to apply."
		}
	}
	body := fmt.Sprintf(`<form method="POST">%s
<p>Certificate (PEM):<br><textarea name="certificate" rows="8" cols="72"></textarea></p>
<p>Private key (PEM):<br><textarea name="key" rows="8" cols="72"></textarea></p>
<input type="submit" value="Install">
</form>`, s.sessionField(r))
	s.renderPage(w, page{Title: "Install TLS Certificate", Notice: notice, Body: template.HTML(body)})
}

func (s *Server) installTLS(certPEM, keyPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("ippsrv: not a PEM certificate")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return fmt.Errorf("ippsrv: parsing certificate: %w", err)
	}
	if block, _ = pem.Decode(keyPEM); block == nil {
		return fmt.Errorf("ippsrv: not a PEM private key")
	}
	host := s.sys.Hostname()
	if err := os.WriteFile(s.sys.Spool().CertFile(host), certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(s.sys.Spool().KeyFile(host), keyPEM, 0o600)
}

// webTLSNewCert generates a self-signed host certificate.
func (s *Server) webTLSNewCert(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	notice := ""
	if r.Method == http.MethodPost {
		years, _ := strconv.Atoi(r.FormValue("years"))
		if years <= 0 {
			years = 1
		}
		if err := s.newSelfSigned(years); err != nil {
			notice = "Failed: " + err.Error()
		} else {
			notice = "Self-signed certificate created."
		}
	}
	body := fmt.Sprintf(`<form method="POST">%s
<p>Validity: <input type="number" name="years" value="1"> years</p>
<input type="submit" value="Create">
</form>`, s.sessionField(r))
	s.renderPage(w, page{Title: "Create Self-Signed Certificate", Notice: notice, Body: template.HTML(body)})
}

func (s *Server) newSelfSigned(years int) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	host := s.sys.Hostname()
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: host, Organization: []string{s.sys.Organization()}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(years, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host, host + ".local"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(s.sys.Spool().CertFile(host), certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(s.sys.Spool().KeyFile(host), keyPEM, 0o600)
}

// webTLSNewCSR generates a fresh key and a certificate signing request
// for an external CA.
func (s *Server) webTLSNewCSR(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	var csrPEM string
	notice := ""
	if r.Method == http.MethodPost {
		pemText, err := s.newCSR()
		if err != nil {
			notice = "Failed: " + err.Error()
		} else {
			csrPEM = pemText
			notice = "Signing request created; the new key is installed."
		}
	}
	body := fmt.Sprintf(`<form method="POST">%s
<input type="submit" value="Create Signing Request">
</form>`, s.sessionField(r))
	if csrPEM != "" {
		body += "<pre>" + template.HTMLEscapeString(csrPEM) + "</pre>"
	}
	s.renderPage(w, page{Title: "Create Signing Request", Notice: notice, Body: template.HTML(body)})
}

func (s *Server) newCSR() (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	host := s.sys.Hostname()
	tmpl := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: host, Organization: []string{s.sys.Organization()}},
		DNSNames: []string{host, host + ".local"},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &tmpl, key)
	if err != nil {
		return "", err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(s.sys.Spool().KeyFile(host), keyPEM, 0o600); err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}
