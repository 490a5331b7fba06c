package ippsrv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/rusq/osenv/v2"

	"github.com/printkit/printkit/system"
)

const (
	hdrContentType = "Content-Type"
	ippMIMEType    = "application/ipp"

	// keepAliveIdle is the per-connection idle timeout.
	keepAliveIdle = 30 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithAuth installs the authorization policy.
func WithAuth(cfg AuthConfig) Option {
	return func(s *Server) {
		s.auth = newAuthorizer(cfg)
	}
}

// WithLogFile names the log file streamed at /logfile.txt.
func WithLogFile(path string) Option {
	return func(s *Server) {
		s.logFile = path
	}
}

// Server serves IPP and the web admin surface for one system.
type Server struct {
	sys     *system.System
	auth    *authorizer
	logFile string

	httpSrv *http.Server

	mu        sync.Mutex
	listeners []net.Listener

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a server over the system container.
func New(sys *system.System, opts ...Option) (*Server, error) {
	if sys == nil {
		return nil, errors.New("ippsrv: system is required")
	}
	s := &Server{
		sys:        sys,
		auth:       newAuthorizer(AuthConfig{}),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpSrv = &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		IdleTimeout:       keepAliveIdle,
		ReadHeaderTimeout: keepAliveIdle,
		ConnContext:       tagUnixConn,
	}
	return s, nil
}

type unixConnKey struct{}

// tagUnixConn marks requests arriving over the UNIX control socket so the
// authorizer can treat them as local peers.
func tagUnixConn(ctx context.Context, c net.Conn) context.Context {
	if c.LocalAddr().Network() == "unix" {
		return context.WithValue(ctx, unixConnKey{}, true)
	}
	return ctx
}

// ShutdownRequested is closed when a Shutdown-All-Printers request or the
// web shutdown form asks the process to stop.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Handler exposes the root handler for tests and embedding.
func (s *Server) Handler() http.Handler { return http.HandlerFunc(s.serveHTTP) }

// serveHTTP routes IPP POSTs to the protocol handler and everything else
// to the web surface.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.Header.Get(hdrContentType) == ippMIMEType {
		s.serveIPP(w, r)
		return
	}
	s.serveWeb(w, r)
}

// serveIPP decodes one IPP message and dispatches it. Malformed messages
// get client-error-bad-request; the connection survives.
func (s *Server) serveIPP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var msg goipp.Message
	if err := msg.Decode(r.Body); err != nil {
		slog.Warn("bad ipp message", "remote", r.RemoteAddr, "error", err)
		w.Header().Set(hdrContentType, ippMIMEType)
		resp := goipp.NewResponse(goipp.DefaultVersion, goipp.StatusErrorBadRequest, 0)
		resp.Groups = goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: operationGroup()}}
		resp.Encode(w)
		return
	}
	debugDumpRequest(&msg)

	req := &ippRequest{msg: &msg, body: r.Body, http: r}
	resp := s.dispatch(r.Context(), req)
	if goipp.Status(resp.Code) == goipp.StatusErrorNotAuthenticated {
		w.Header().Set("WWW-Authenticate", `Basic realm="printkit"`)
	}
	w.Header().Set(hdrContentType, ippMIMEType)
	if err := resp.Encode(w); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// ListenTCP adds a plain TCP listener.
func (s *Server) ListenTCP(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addListener(l)
	return nil
}

// ListenTLS adds a TLS listener using the spool's host certificate.
func (s *Server) ListenTLS(addr string) error {
	cert, err := tls.LoadX509KeyPair(
		s.sys.Spool().CertFile(s.sys.Hostname()),
		s.sys.Spool().KeyFile(s.sys.Hostname()),
	)
	if err != nil {
		return fmt.Errorf("ippsrv: loading host certificate: %w", err)
	}
	l, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return err
	}
	s.addListener(l)
	return nil
}

// ListenUnix adds the local CLI socket at $TMPDIR/printkit<uid>.sock.
func (s *Server) ListenUnix() (string, error) {
	path := SocketPath()
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return "", err
	}
	s.addListener(l)
	return path, nil
}

// SocketPath is where the UNIX-domain control socket lives.
func SocketPath() string {
	tmp := osenv.Value("TMPDIR", os.TempDir())
	return filepath.Join(tmp, "printkit"+strconv.Itoa(os.Getuid())+".sock")
}

func (s *Server) addListener(l net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Serve runs the HTTP server over every added listener until ctx ends or
// shutdown is requested.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listeners := make([]net.Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return errors.New("ippsrv: no listeners configured")
	}

	errc := make(chan error, len(listeners))
	for _, l := range listeners {
		l := l
		slog.Info("listening", "addr", l.Addr().String(), "network", l.Addr().Network())
		go func() {
			errc <- s.httpSrv.Serve(l)
		}()
	}

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(sctx)
}

// Close shuts the HTTP server down immediately.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}
