package system

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/printkit/printkit/notify"
	"github.com/printkit/printkit/printer"
)

// store persists the restartable subset of the system state in a SQLite
// database under the spool directory.
type store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS printers (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	info       TEXT NOT NULL DEFAULT '',
	location   TEXT NOT NULL DEFAULT '',
	device_uri TEXT NOT NULL,
	driver     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
	id         INTEGER PRIMARY KEY,
	printer_id INTEGER NOT NULL DEFAULT 0,
	job_id     INTEGER NOT NULL DEFAULT 0,
	events     TEXT NOT NULL,
	user_data  BLOB,
	charset    TEXT NOT NULL DEFAULT '',
	language   TEXT NOT NULL DEFAULT '',
	username   TEXT NOT NULL DEFAULT '',
	lease      INTEGER NOT NULL DEFAULT 0,
	interval   INTEGER NOT NULL DEFAULT 0,
	created    INTEGER NOT NULL
);
`

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &store{db: db}, nil
}

func (st *store) Close() error { return st.db.Close() }

// snapshot is the persisted state of one save.
type snapshot struct {
	location      string
	defaultID     int
	nextPrinterID int
	nextJobID     int
	printers      []printerRow
	subs          []subRow
}

type printerRow struct {
	id        int
	name      string
	info      string
	location  string
	deviceURI string
	driver    string
}

type subRow struct {
	id        int
	printerID int
	jobID     int
	events    string
	userData  []byte
	charset   string
	language  string
	username  string
	lease     int
	interval  int
	created   int64
}

// write replaces the persisted state in one transaction.
func (st *store) write(snap snapshot) error {
	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM config", "DELETE FROM printers", "DELETE FROM subscriptions"} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	cfg := map[string]string{
		"location":        snap.location,
		"default_printer": strconv.Itoa(snap.defaultID),
		"next_printer_id": strconv.Itoa(snap.nextPrinterID),
		"next_job_id":     strconv.Itoa(snap.nextJobID),
	}
	for k, v := range cfg {
		if _, err := tx.Exec("INSERT INTO config (key, value) VALUES (?, ?)", k, v); err != nil {
			return err
		}
	}
	for _, p := range snap.printers {
		if _, err := tx.Exec(
			"INSERT INTO printers (id, name, info, location, device_uri, driver) VALUES (?, ?, ?, ?, ?, ?)",
			p.id, p.name, p.info, p.location, p.deviceURI, p.driver); err != nil {
			return err
		}
	}
	for _, sub := range snap.subs {
		if _, err := tx.Exec(
			`INSERT INTO subscriptions
			 (id, printer_id, job_id, events, user_data, charset, language, username, lease, interval, created)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.id, sub.printerID, sub.jobID, sub.events, sub.userData,
			sub.charset, sub.language, sub.username, sub.lease, sub.interval, sub.created); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// read loads the persisted state.
func (st *store) read() (snapshot, error) {
	var snap snapshot
	rows, err := st.db.Query("SELECT key, value FROM config")
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return snap, err
		}
		switch k {
		case "location":
			snap.location = v
		case "default_printer":
			snap.defaultID, _ = strconv.Atoi(v)
		case "next_printer_id":
			snap.nextPrinterID, _ = strconv.Atoi(v)
		case "next_job_id":
			snap.nextJobID, _ = strconv.Atoi(v)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	rows, err = st.db.Query(
		"SELECT id, name, info, location, device_uri, driver FROM printers ORDER BY id")
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var p printerRow
		if err := rows.Scan(&p.id, &p.name, &p.info, &p.location, &p.deviceURI, &p.driver); err != nil {
			rows.Close()
			return snap, err
		}
		snap.printers = append(snap.printers, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	rows, err = st.db.Query(
		`SELECT id, printer_id, job_id, events, user_data, charset, language, username, lease, interval, created
		 FROM subscriptions ORDER BY id`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var sub subRow
		if err := rows.Scan(&sub.id, &sub.printerID, &sub.jobID, &sub.events, &sub.userData,
			&sub.charset, &sub.language, &sub.username, &sub.lease, &sub.interval, &sub.created); err != nil {
			rows.Close()
			return snap, err
		}
		snap.subs = append(snap.subs, sub)
	}
	rows.Close()
	return snap, rows.Err()
}

// save writes the current state through the store. Failures are logged,
// not fatal: the server keeps running on its in-memory state.
func (s *System) save() {
	if s.store == nil {
		return
	}
	snap := s.snapshot()
	if err := s.store.write(snap); err != nil {
		slog.Error("failed to persist state", "error", err)
	}
}

func (s *System) snapshot() snapshot {
	s.mu.RLock()
	snap := snapshot{
		location:      s.location,
		defaultID:     s.defaultID,
		nextPrinterID: s.nextPrinterID,
		nextJobID:     int(s.nextJobID.Load()),
	}
	for _, id := range s.order {
		p := s.printers[id]
		snap.printers = append(snap.printers, printerRow{
			id:        p.ID,
			name:      p.Name,
			info:      p.Info(),
			location:  p.Location(),
			deviceURI: p.DeviceURI(),
			driver:    p.DriverName,
		})
	}
	s.mu.RUnlock()

	for _, sub := range s.events.List(notify.Filter{}) {
		lease := int(sub.Lease() / time.Second)
		snap.subs = append(snap.subs, subRow{
			id:        sub.ID,
			printerID: sub.Scope.PrinterID,
			jobID:     sub.Scope.JobID,
			events:    sub.Events.String(),
			userData:  sub.UserData,
			charset:   sub.Charset,
			language:  sub.Language,
			username:  sub.Username,
			lease:     lease,
			interval:  sub.Interval,
			created:   sub.CreatedAt.Unix(),
		})
	}
	return snap
}

// load restores printers, counters and subscriptions from the store.
// Printers whose driver is no longer registered are skipped with a
// warning.
func (s *System) load() error {
	snap, err := s.store.read()
	if err != nil {
		return err
	}
	if snap.nextJobID > 0 {
		s.nextJobID.Store(int64(snap.nextJobID))
	}
	s.mu.Lock()
	s.location = snap.location
	if snap.nextPrinterID > s.nextPrinterID {
		s.nextPrinterID = snap.nextPrinterID
	}
	s.mu.Unlock()

	for _, row := range snap.printers {
		if err := s.restorePrinter(row); err != nil {
			slog.Warn("skipping persisted printer",
				"printer", row.name, "driver", row.driver, "error", err)
		}
	}
	s.mu.Lock()
	if snap.defaultID != 0 {
		if _, ok := s.printers[snap.defaultID]; ok {
			s.defaultID = snap.defaultID
		}
	}
	s.mu.Unlock()

	for _, row := range snap.subs {
		req := notify.CreateRequest{
			Scope:    notify.Scope{PrinterID: row.printerID, JobID: row.jobID},
			Events:   strings.Split(row.events, ","),
			UserData: row.userData,
			Charset:  row.charset,
			Language: row.language,
			Username: row.username,
			Lease:    row.lease,
			Interval: row.interval,
		}
		if _, err := s.events.Restore(row.id, req, time.Unix(row.created, 0)); err != nil {
			slog.Warn("skipping persisted subscription", "id", row.id, "error", err)
		}
	}
	return nil
}

// restorePrinter rebuilds one persisted printer and starts its worker.
func (s *System) restorePrinter(row printerRow) error {
	desc, ok := s.drivers[row.driver]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDriver, row.driver)
	}
	drv, err := desc.New(row.deviceURI, "")
	if err != nil {
		return err
	}
	p, err := printer.New(printer.Config{
		ID:         row.id,
		Name:       row.name,
		Info:       row.info,
		Location:   row.location,
		DeviceURI:  row.deviceURI,
		DriverName: row.driver,
		Driver:     drv,
		Spool:      s.spoolDir,
		Events:     s.events,
		NextJobID:  s.NextJobID,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.printers[row.id] = p
	s.order = append(s.order, row.id)
	if row.id >= s.nextPrinterID {
		s.nextPrinterID = row.id + 1
	}
	if s.defaultID == 0 {
		s.defaultID = row.id
	}
	s.mu.Unlock()

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		p.Run(s.workerCtx)
	}()
	s.announce.addPrinter(s, p)
	return nil
}
