// Package spool manages the on-disk spool directory: job bodies, TLS
// material and the persisted state database all live under one root.
package spool

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Spool is a handle on the spool directory.
type Spool struct {
	dir  string
	temp bool
}

// New opens (creating if needed) the spool directory. An empty dir
// selects a temporary directory that Close removes.
func New(dir string) (*Spool, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "printkit-spool")
		if err != nil {
			return nil, fmt.Errorf("spool: creating temporary directory: %w", err)
		}
		slog.Info("using temporary spool directory", "dir", tmp)
		return &Spool{dir: tmp, temp: true}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: creating directory %s: %w", dir, err)
	}
	slog.Info("using spool directory", "dir", dir)
	return &Spool{dir: dir}, nil
}

// Dir returns the spool root.
func (s *Spool) Dir() string { return s.dir }

// Close removes the directory if it was temporary.
func (s *Spool) Close() error {
	if !s.temp {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("spool: removing %s: %w", s.dir, err)
	}
	return nil
}

// JobFile is the body path for a job id.
func (s *Spool) JobFile(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("j%d.bin", id))
}

// CreateJob creates the body file for a job, failing if it exists.
func (s *Spool) CreateJob(id int) (*os.File, error) {
	f, err := os.OpenFile(s.JobFile(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("spool: creating job file for %d: %w", id, err)
	}
	return f, nil
}

// WriteJob streams a job body into the spool, returning the byte count.
func (s *Spool) WriteJob(id int, body io.Reader) (int64, error) {
	f, err := s.CreateJob(id)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(s.JobFile(id))
		return n, fmt.Errorf("spool: writing job %d: %w", id, err)
	}
	return n, nil
}

// OpenJob opens a job body for reading.
func (s *Spool) OpenJob(id int) (*os.File, error) {
	f, err := os.Open(s.JobFile(id))
	if err != nil {
		return nil, fmt.Errorf("spool: opening job file for %d: %w", id, err)
	}
	return f, nil
}

// RemoveJob deletes a job body; a missing file is not an error.
func (s *Spool) RemoveJob(id int) error {
	if err := os.Remove(s.JobFile(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spool: removing job file for %d: %w", id, err)
	}
	return nil
}

// KeyFile, CertFile and CSRFile name the TLS material for a hostname.
func (s *Spool) KeyFile(host string) string {
	return filepath.Join(s.dir, host+".key")
}

func (s *Spool) CertFile(host string) string {
	return filepath.Join(s.dir, host+".crt")
}

func (s *Spool) CSRFile(host string) string {
	return filepath.Join(s.dir, host+".csr")
}

// StateFile is the persisted system state database path.
func (s *Spool) StateFile() string {
	return filepath.Join(s.dir, "state.db")
}
