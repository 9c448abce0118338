package tracing

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/sim"
	"github.com/tebeka/atexit"
)

// SQLiteRecorder is a hook that writes paging events to a SQLite database.
type SQLiteRecorder struct {
	*sql.DB
	statement *sql.Stmt

	mu        sync.Mutex
	dbName    string
	ids       sim.IDGenerator
	start     time.Time
	buffer    []Event
	batchSize int
}

// NewSQLiteRecorder creates the database <path>.sqlite3. With an empty path, a
// unique name is generated. Buffered events are flushed when the program
// exits through atexit.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	r := &SQLiteRecorder{
		dbName:    path,
		ids:       sim.NewSequentialIDGenerator(),
		start:     time.Now(),
		batchSize: 10000,
	}

	err := r.init()
	if err != nil {
		return nil, err
	}

	atexit.Register(func() { r.Flush() })

	return r, nil
}

// FileName returns the name of the database file.
func (r *SQLiteRecorder) FileName() string {
	return r.dbName + ".sqlite3"
}

func (r *SQLiteRecorder) init() error {
	if r.dbName == "" {
		r.dbName = "vmcore_trace_" + xid.New().String()
	}

	filename := r.FileName()

	_, err := os.Stat(filename)
	if err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return err
	}

	r.DB = db

	_, err = r.Exec(`
		CREATE TABLE event
		(
			id    VARCHAR(64) NOT NULL,
			kind  VARCHAR(32) NOT NULL,
			location VARCHAR(100),
			pid   INTEGER,
			vaddr INTEGER,
			paddr INTEGER,
			slot  INTEGER,
			time  FLOAT NOT NULL
		);
		CREATE INDEX event_kind_index ON event (kind);
		CREATE INDEX event_pid_index ON event (pid);
	`)
	if err != nil {
		return err
	}

	r.statement, err = r.Prepare(
		`INSERT INTO event VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	return err
}

// Func records the event carried by the hook context.
func (r *SQLiteRecorder) Func(ctx sim.HookCtx) {
	e, ok := EventFromHook(ctx)
	if !ok {
		return
	}

	r.Record(e)
}

// Record buffers an event. A full buffer is written to the database.
func (r *SQLiteRecorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == "" {
		e.ID = r.ids.Generate()
	}

	if e.Time == 0 {
		e.Time = time.Since(r.start).Seconds()
	}

	r.buffer = append(r.buffer, e)
	if len(r.buffer) >= r.batchSize {
		r.flushLocked()
	}
}

// Flush writes all the buffered events to the database.
func (r *SQLiteRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked()
}

func (r *SQLiteRecorder) flushLocked() {
	if len(r.buffer) == 0 {
		return
	}

	tx, err := r.Begin()
	if err != nil {
		panic(err)
	}

	stmt := tx.Stmt(r.statement)
	for _, e := range r.buffer {
		_, err := stmt.Exec(e.ID, e.Kind, e.Where, int64(e.PID),
			int64(e.VAddr), int64(e.PAddr), e.Slot, e.Time)
		if err != nil {
			_ = tx.Rollback()
			panic(fmt.Errorf("insert event %s: %w", e.ID, err))
		}
	}

	err = tx.Commit()
	if err != nil {
		panic(err)
	}

	r.buffer = nil
}

// Close flushes the buffer and closes the database.
func (r *SQLiteRecorder) Close() error {
	r.Flush()

	return r.DB.Close()
}

// SQLiteReader reads the events recorded by a SQLiteRecorder.
type SQLiteReader struct {
	*sql.DB

	filename string
}

// NewSQLiteReader opens a recorded database.
func NewSQLiteReader(filename string) (*SQLiteReader, error) {
	_, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, err
	}

	return &SQLiteReader{DB: db, filename: filename}, nil
}

// EventQuery selects events. Zero fields match everything.
type EventQuery struct {
	Kind  string
	PID   vm.PID
	Limit int
}

// ListEvents returns the events that match the query in recording order.
func (r *SQLiteReader) ListEvents(query EventQuery) ([]Event, error) {
	var (
		conds []string
		args  []interface{}
	)

	if query.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, query.Kind)
	}

	if query.PID != 0 {
		conds = append(conds, "pid = ?")
		args = append(args, int64(query.PID))
	}

	sqlStr := `SELECT id, kind, location, pid, vaddr, paddr, slot, time FROM event`
	if len(conds) > 0 {
		sqlStr += " WHERE " + strings.Join(conds, " AND ")
	}

	sqlStr += " ORDER BY rowid"

	if query.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := r.Query(sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e            Event
			pid          int64
			vAddr, pAddr int64
		)

		err := rows.Scan(&e.ID, &e.Kind, &e.Where, &pid, &vAddr, &pAddr,
			&e.Slot, &e.Time)
		if err != nil {
			return nil, err
		}

		e.PID = vm.PID(pid)
		e.VAddr = uint64(vAddr)
		e.PAddr = uint64(pAddr)
		events = append(events, e)
	}

	return events, rows.Err()
}

// SummaryRow is the number of events of one kind for one process.
type SummaryRow struct {
	Kind  string
	PID   vm.PID
	Count int
}

// Summarize counts the events by kind and process.
func (r *SQLiteReader) Summarize() ([]SummaryRow, error) {
	rows, err := r.Query(`
		SELECT kind, pid, COUNT(*)
		FROM event
		GROUP BY kind, pid
		ORDER BY kind, pid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := []SummaryRow{}
	for rows.Next() {
		var (
			row SummaryRow
			pid int64
		)

		err := rows.Scan(&row.Kind, &pid, &row.Count)
		if err != nil {
			return nil, err
		}

		row.PID = vm.PID(pid)
		summary = append(summary, row)
	}

	return summary, rows.Err()
}
