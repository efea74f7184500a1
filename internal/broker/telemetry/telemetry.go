// Package telemetry implements a types.Sender that appends every
// BrokerOutput it sees to a local SQLite table, for operator inspection
// after the fact.
package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/leonletto/brokerd/internal/broker/types"
)

// Store is a local, file-backed sink for BrokerOutput copies. It implements
// types.Sender so it can be registered directly as a BrokerRequest's
// telemetry listener.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and ensures
// the telemetry table exists. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS broker_output_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at INTEGER NOT NULL,
			call_id     INTEGER,
			method      TEXT NOT NULL DEFAULT '',
			result_json TEXT,
			error_json  TEXT,
			params_json TEXT
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telemetry: create table: %w", err)
	}
	return &Store{db: db}, nil
}

// Send implements types.Sender: it appends out as a single row.
func (s *Store) Send(out types.BrokerOutput) error {
	var callID *uint64
	if out.ID != nil {
		callID = out.ID
	}
	var errJSON []byte
	if out.Error != nil {
		var err error
		errJSON, err = json.Marshal(out.Error)
		if err != nil {
			return fmt.Errorf("telemetry: encode error field: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO broker_output_log (recorded_at, call_id, method, result_json, error_json, params_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().UnixNano(), callID, out.Method, nullableText(out.Result), nullableText(errJSON), nullableText(out.Params),
	)
	if err != nil {
		return fmt.Errorf("telemetry: insert row: %w", err)
	}
	return nil
}

// Tail returns the most recent n telemetry rows, newest first, used by the
// brokerd telemetry tail CLI subcommand.
func (s *Store) Tail(n int) ([]Row, error) {
	rows, err := s.db.Query(
		`SELECT recorded_at, call_id, method, result_json, error_json, params_json
		 FROM broker_output_log ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query tail: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var recordedAt int64
		var callID sql.NullInt64
		var result, errJSON, params sql.NullString
		if err := rows.Scan(&recordedAt, &callID, &r.Method, &result, &errJSON, &params); err != nil {
			return nil, fmt.Errorf("telemetry: scan row: %w", err)
		}
		r.RecordedAt = time.Unix(0, recordedAt).UTC()
		if callID.Valid {
			id := uint64(callID.Int64)
			r.CallID = &id
		}
		r.ResultJSON = result.String
		r.ErrorJSON = errJSON.String
		r.ParamsJSON = params.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Row is one telemetry entry, denormalized for display.
type Row struct {
	RecordedAt time.Time
	CallID     *uint64
	Method     string
	ResultJSON string
	ErrorJSON  string
	ParamsJSON string
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
