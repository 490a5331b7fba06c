package system

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// sessionTTL is the session key rotation period. Rotation invalidates all
// outstanding CSRF tokens.
const sessionTTL = 24 * time.Hour

// sessionKeys holds the rotating key that CSRF tokens derive from.
type sessionKeys struct {
	now func() time.Time

	mu      sync.Mutex
	key     [32]byte
	rotated time.Time
}

func (s *sessionKeys) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked()
}

func (s *sessionKeys) rotateLocked() {
	if _, err := rand.Read(s.key[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("system: reading random bytes: " + err.Error())
	}
	s.rotated = s.now()
}

func (s *sessionKeys) rotateIfStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Sub(s.rotated) >= sessionTTL {
		s.rotateLocked()
	}
}

// current returns the key, rotating first when it is past its TTL.
func (s *sessionKeys) current() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Sub(s.rotated) >= sessionTTL {
		s.rotateLocked()
	}
	return s.key
}

// CSRFToken derives the per-client form token: the hex SHA-256 of the
// session key concatenated with the client host.
func (s *System) CSRFToken(clientHost string) string {
	key := s.session.current()
	h := sha256.New()
	h.Write(key[:])
	h.Write([]byte(clientHost))
	return hex.EncodeToString(h.Sum(nil))
}

// CheckCSRF verifies a submitted session token for the client host. A
// token minted before the last key rotation fails.
func (s *System) CheckCSRF(clientHost, token string) bool {
	want := s.CSRFToken(clientHost)
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

// RotateSessionKey forces an immediate rotation.
func (s *System) RotateSessionKey() {
	s.session.rotate()
}
