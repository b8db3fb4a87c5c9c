package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"snapr-harvest/internal/components/chrono"
	"snapr-harvest/internal/components/telemetry"

	_ "modernc.org/sqlite"
)

const report_sqlite_append = "sqlite.append"

const Schema = `
create table if not exists records (
	acn text,
	fetched_at integer not null,
	destination text not null,
	payload text not null
);
create index if not exists records_acn on records(acn);
`

// SQLiteSink mirrors every record into a SQLite database as a JSON payload, it does not
// care about the shape of a record so it never needs to reconcile columns.
type SQLiteSink struct {
	db    *sql.DB
	clock chrono.API
	tel   telemetry.API
}

func OpenSQLiteSink(path string, clock chrono.API, tel telemetry.API) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer, also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)
	_, err = db.Exec(Schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteSink{
		db:    db,
		clock: clock,
		tel:   telemetry.NewScopedAPI("sqlite_sink", tel),
	}, nil
}

func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Append(ctx context.Context, records []Record, destination string) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.tel.ReportBroken(report_sqlite_append, fmt.Errorf("begin tx: %w", err))
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(
		ctx,
		"insert into records(acn, fetched_at, destination, payload) values (?, ?, ?, ?)",
	)
	if err != nil {
		s.tel.ReportBroken(report_sqlite_append, fmt.Errorf("prepare: %w", err))
		return err
	}
	defer stmt.Close()

	now := s.clock.Now().Unix()
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			s.tel.ReportBroken(report_sqlite_append, fmt.Errorf("marshal record: %w", err))
			return err
		}
		var acn any
		if v, ok := r["acn"]; ok {
			acn = Cell(v)
		}
		_, err = stmt.ExecContext(ctx, acn, now, destination, string(payload))
		if err != nil {
			s.tel.ReportBroken(report_sqlite_append, fmt.Errorf("insert: %w", err))
			return err
		}
	}

	err = tx.Commit()
	if err != nil {
		s.tel.ReportBroken(report_sqlite_append, fmt.Errorf("commit: %w", err))
		return err
	}
	return nil
}
