// Package history is an append-only audit log of monitor state
// transitions, backed by SQLite. It answers "when did monitor N last
// change state, and to what" for the stats endpoint.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite connection used for the transition log.
type DB struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS monitor_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	monitor_idx INTEGER NOT NULL,
	monitor_name TEXT NOT NULL,
	old_down INTEGER NOT NULL,
	new_down INTEGER NOT NULL,
	at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_transitions_monitor
	ON monitor_transitions(monitor_idx, at_unix);
`

// Open creates or opens the sqlite database at path and ensures the
// schema exists, mirroring the teacher's open-then-migrate pattern.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: migrate schema: %w", err)
	}
	// The transition log has exactly one writer (the monitor table's
	// OnTransition callback); a single connection is enough and avoids
	// sqlite's concurrent-writer lock contention entirely.
	conn.SetMaxOpenConns(1)
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Record appends one transition row. Its parameters match
// monitor.Table.OnTransition's; cmd/gdnsd wires it in through a small
// closure that logs the returned error.
func (d *DB) Record(idx int, name string, oldDown, newDown bool) error {
	_, err := d.conn.Exec(
		`INSERT INTO monitor_transitions (monitor_idx, monitor_name, old_down, new_down, at_unix) VALUES (?, ?, ?, ?, ?)`,
		idx, name, boolToInt(oldDown), boolToInt(newDown), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("history: record transition for %s: %w", name, err)
	}
	return nil
}

// Transition is one row of the audit log, read back for the stats
// endpoint.
type Transition struct {
	MonitorIdx  int    `json:"monitor_idx"`
	MonitorName string `json:"monitor_name"`
	OldDown     bool   `json:"old_down"`
	NewDown     bool   `json:"new_down"`
	At          int64  `json:"at"`
}

// Recent returns the most recent n transitions, newest first.
func (d *DB) Recent(n int) ([]Transition, error) {
	rows, err := d.conn.Query(
		`SELECT monitor_idx, monitor_name, old_down, new_down, at_unix
		 FROM monitor_transitions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var oldDown, newDown int
		if err := rows.Scan(&t.MonitorIdx, &t.MonitorName, &oldDown, &newDown, &t.At); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		t.OldDown = oldDown != 0
		t.NewDown = newDown != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
