package ippsrv

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"unicode"

	"github.com/OpenPrinting/goipp"
	"golang.org/x/crypto/bcrypt"
)

// access levels required by operations.
type access int

const (
	accessNone access = iota // reads
	accessPrint
	accessAdmin
)

var (
	// ErrWeakPassword rejects passwords below the policy floor.
	ErrWeakPassword = errors.New("ippsrv: password must be at least 8 characters with upper, lower and digit")
	// ErrBadCredentials is returned for a failed Basic auth check.
	ErrBadCredentials = errors.New("ippsrv: bad credentials")
)

// AuthConfig is the authorization policy of a server.
type AuthConfig struct {
	// TLSOptional permits remote plain-HTTP access when no password and
	// no groups are configured.
	TLSOptional bool
	// Password is the self-managed admin password; stored as a bcrypt
	// hash. Empty means no password auth.
	PasswordHash []byte
	// AdminGroup/PrintGroup name the groups allowed to administer and to
	// submit jobs. Membership comes from Users.
	AdminGroup string
	PrintGroup string
	// Users maps usernames to their groups for group-based checks.
	Users map[string][]string
}

// authorizer evaluates the policy for each request.
type authorizer struct {
	mu  sync.RWMutex
	cfg AuthConfig
}

func newAuthorizer(cfg AuthConfig) *authorizer {
	return &authorizer{cfg: cfg}
}

// SetPassword validates the password policy and stores the bcrypt hash.
func (a *authorizer) SetPassword(password string) error {
	if err := CheckPasswordPolicy(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg.PasswordHash = hash
	a.mu.Unlock()
	return nil
}

// CheckPasswordPolicy enforces the minimum password shape: at least 8
// characters with an upper-case letter, a lower-case letter and a digit.
func CheckPasswordPolicy(password string) error {
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if len(password) < 8 || !upper || !lower || !digit {
		return ErrWeakPassword
	}
	return nil
}

func (a *authorizer) config() AuthConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// open reports whether the policy has neither a password nor groups.
func (c AuthConfig) open() bool {
	return len(c.PasswordHash) == 0 && c.AdminGroup == "" && c.PrintGroup == ""
}

// authorize applies the policy:
//   - localhost over any scheme is allowed;
//   - remote plain HTTP is allowed only with TLSOptional and an open
//     policy;
//   - otherwise TLS plus valid Basic credentials (password match, or
//     membership in the required group).
func (a *authorizer) authorize(r *http.Request, need access) error {
	if need == accessNone {
		return nil
	}
	if isLocalPeer(r) {
		return nil
	}
	cfg := a.config()
	secure := r.TLS != nil
	if !secure {
		if cfg.TLSOptional && cfg.open() {
			return nil
		}
		return fmt.Errorf("%w: remote plain-http access denied", errForbidden)
	}
	if cfg.open() {
		return nil
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("%w: basic credentials required", errNotAuthenticated)
	}
	if len(cfg.PasswordHash) > 0 {
		if bcrypt.CompareHashAndPassword(cfg.PasswordHash, []byte(pass)) == nil {
			return nil
		}
	}
	group := cfg.PrintGroup
	if need == accessAdmin {
		group = cfg.AdminGroup
	}
	if group != "" && userInGroup(cfg.Users, user, group) {
		return nil
	}
	return fmt.Errorf("%w: %s", errForbidden, ErrBadCredentials)
}

func userInGroup(users map[string][]string, user, group string) bool {
	for _, g := range users[user] {
		if g == group {
			return true
		}
	}
	return false
}

// isLocalPeer reports whether the request comes from the local machine:
// a UNIX-socket connection or a loopback TCP peer.
func isLocalPeer(r *http.Request) bool {
	if v, _ := r.Context().Value(unixConnKey{}).(bool); v {
		return true
	}
	return isLocalhost(r.RemoteAddr)
}

// isLocalhost reports whether the remote address is a loopback peer.
// UNIX-socket peers show up with an abstract ("@") or empty address.
func isLocalhost(remoteAddr string) bool {
	if remoteAddr == "" || remoteAddr == "@" {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// uriAuthentication is the uri-authentication-supported value.
func (a *authorizer) uriAuthentication() goipp.String {
	if a.config().open() {
		return ippNone
	}
	return goipp.String("basic")
}

// uriSecurity is the uri-security-supported value.
func (a *authorizer) uriSecurity() goipp.String {
	cfg := a.config()
	if cfg.TLSOptional && cfg.open() {
		return ippNone
	}
	return goipp.String("tls")
}

// accessForOp classifies each operation for the policy check.
func accessForOp(op goipp.Op) access {
	switch op {
	case goipp.OpPrintJob, goipp.OpValidateJob, goipp.OpCreateJob,
		goipp.OpSendDocument, goipp.OpCloseJob, goipp.OpCancelJob,
		goipp.OpCreatePrinterSubscriptions, goipp.OpCreateJobSubscriptions,
		goipp.OpCreateSystemSubscriptions, goipp.OpRenewSubscription,
		goipp.OpCancelSubscription:
		return accessPrint
	case goipp.OpCreatePrinter, goipp.OpDeletePrinter,
		goipp.OpSetPrinterAttributes, goipp.OpSetSystemAttributes,
		goipp.OpPausePrinter, goipp.OpResumePrinter,
		goipp.OpHoldNewJobs, goipp.OpReleaseHeldNewJobs,
		goipp.OpIdentifyPrinter, goipp.OpShutdownAllPrinters:
		return accessAdmin
	default:
		return accessNone
	}
}
