package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/openibank/openibank-sub001/pkg/ledger"
)

// SQLJournal stores the journal in a relational database and maintains
// query projections (accounts, ledger entries, receipts, snapshots of
// permits, budgets, escrows, agents and the reserve) in the same
// transaction as the record itself. It supports Postgres and SQLite.
type SQLJournal struct {
	db  *sql.DB
	mu  sync.Mutex
	seq uint64
}

// OpenSQL opens a database with a registered driver ("postgres" or "sqlite").
func OpenSQL(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// A single writer connection avoids SQLITE_BUSY under concurrent appends.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS journal (
		seq BIGINT PRIMARY KEY,
		type TEXT NOT NULL,
		intent_id TEXT,
		at TEXT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		owner_id TEXT PRIMARY KEY,
		available BIGINT NOT NULL DEFAULT 0,
		locked BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		entry_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		bucket TEXT NOT NULL,
		delta BIGINT NOT NULL,
		reason TEXT NOT NULL,
		counter_entry_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		ts TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		receipt_id TEXT PRIMARY KEY,
		operation_kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		intent_id TEXT,
		ledger_seq BIGINT NOT NULL,
		prior_receipt_ref TEXT,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		seq BIGINT NOT NULL,
		PRIMARY KEY (kind, id)
	)`,
}

// Init creates the schema and loads the current sequence.
func (j *SQLJournal) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	var last sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal`).Scan(&last); err != nil {
		return fmt.Errorf("load journal sequence: %w", err)
	}
	j.mu.Lock()
	j.seq = uint64(last.Int64)
	j.mu.Unlock()
	return nil
}

func (j *SQLJournal) Append(ctx context.Context, rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Seq = j.seq + 1
	if err := j.append(ctx, rec); err != nil {
		rec.Seq = 0
		return err
	}
	j.seq = rec.Seq
	return nil
}

func (j *SQLJournal) append(ctx context.Context, rec *Record) (err error) {
	body, mErr := json.Marshal(rec)
	if mErr != nil {
		return fmt.Errorf("encode record: %w", mErr)
	}

	tx, bErr := j.db.BeginTx(ctx, nil)
	if bErr != nil {
		return fmt.Errorf("begin journal tx: %w", bErr)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO journal (seq, type, intent_id, at, body) VALUES ($1, $2, $3, $4, $5)`,
		int64(rec.Seq), string(rec.Type), rec.IntentID, rec.At.UTC().Format(time.RFC3339Nano), string(body),
	); err != nil {
		return fmt.Errorf("insert journal record: %w", err)
	}

	for _, e := range rec.Entries {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (entry_id, account_id, bucket, delta, reason, counter_entry_id, seq, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.AccountID, string(e.Bucket), e.Delta, string(e.Reason), e.CounterEntryID, int64(e.Seq), e.Timestamp.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		var avail, locked int64
		if e.Bucket == ledger.Available {
			avail = e.Delta
		} else {
			locked = e.Delta
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (owner_id, available, locked) VALUES ($1, $2, $3)
			ON CONFLICT (owner_id) DO UPDATE SET available = accounts.available + excluded.available, locked = accounts.locked + excluded.locked`,
			e.AccountID, avail, locked,
		); err != nil {
			return fmt.Errorf("update account projection: %w", err)
		}
	}

	if r := rec.Receipt; r != nil {
		rb, mErr := json.Marshal(r)
		if mErr != nil {
			return fmt.Errorf("encode receipt: %w", mErr)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO receipts (receipt_id, operation_kind, subject, intent_id, ledger_seq, prior_receipt_ref, body)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, string(r.Kind), r.Subject, r.IntentID, int64(r.LedgerSeq), r.PriorReceiptRef, string(rb),
		); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
	}

	for _, kind := range sortedKeys(rec.State) {
		raw := rec.State[kind]
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO snapshots (kind, id, body, seq) VALUES ($1, $2, $3, $4)
			ON CONFLICT (kind, id) DO UPDATE SET body = excluded.body, seq = excluded.seq`,
			kind, snapshotID(raw), string(raw), int64(rec.Seq),
		); err != nil {
			return fmt.Errorf("upsert %s snapshot: %w", kind, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

func (j *SQLJournal) Replay(ctx context.Context, fn func(*Record) error) error {
	rows, err := j.db.QueryContext(ctx, `SELECT body FROM journal ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (j *SQLJournal) Close() error {
	return j.db.Close()
}
