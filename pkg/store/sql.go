package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (cgo-free)
)

// SQLStore implements Store over database/sql. It works against both SQLite
// (modernc driver) and Postgres (lib/pq): both accept $n placeholders and
// the portable subset of DDL used here.
type SQLStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS verified_outputs (
	id TEXT PRIMARY KEY,
	job_id TEXT,
	tool_name TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	is_verified BOOLEAN NOT NULL,
	verification_error TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_outputs_job ON verified_outputs(job_id);
CREATE INDEX IF NOT EXISTS idx_outputs_tool ON verified_outputs(tool_name);
CREATE TABLE IF NOT EXISTS verification_chain (
	output_id TEXT NOT NULL REFERENCES verified_outputs(id),
	job_id TEXT NOT NULL,
	previous_hash TEXT,
	content_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	PRIMARY KEY (job_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_chain_job ON verification_chain(job_id);
`

// NewSQLStore wraps an open database handle and runs migrations.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite failed: %w", err)
	}
	// The modernc driver misbehaves with concurrent writers on one file.
	db.SetMaxOpenConns(1)
	return NewSQLStore(db)
}

// OpenPostgres opens a Postgres database from a DSN.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres failed: %w", err)
	}
	return NewSQLStore(db)
}

func (s *SQLStore) migrate() error {
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("store: migration failed: %w", err)
	}
	return nil
}

// sqlTimeLayout is RFC 3339 with a fixed nine-digit fraction. RFC3339Nano
// drops trailing zeros, which breaks lexicographic ordering of the TEXT
// column ("…:05Z" sorts after "…:05.5Z"); a fixed width keeps text order
// chronological. parseTime still accepts both forms.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const outputColumns = `id, job_id, tool_name, content_hash, timestamp, is_verified, verification_error, metadata`

func (s *SQLStore) InsertOutput(ctx context.Context, out *Output) error {
	query := `INSERT INTO verified_outputs (` + outputColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	args, err := outputArgs(out)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: insert output failed: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendChained(ctx context.Context, out *Output, entry *ChainEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args, err := outputArgs(out)
	if err != nil {
		return err
	}
	insertOutput := `INSERT INTO verified_outputs (` + outputColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.ExecContext(ctx, insertOutput, args...); err != nil {
		return fmt.Errorf("store: insert output failed: %w", err)
	}

	insertChain := `INSERT INTO verification_chain
		(output_id, job_id, previous_hash, content_hash, chain_hash, sequence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	prev := sql.NullString{String: entry.PreviousHash, Valid: entry.PreviousHash != ""}
	if _, err := tx.ExecContext(ctx, insertChain,
		entry.OutputID, entry.JobID, prev, entry.ContentHash, entry.ChainHash,
		entry.Sequence, entry.Timestamp.UTC().Format(sqlTimeLayout),
	); err != nil {
		return fmt.Errorf("store: insert chain entry failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit failed: %w", err)
	}
	return nil
}

func (s *SQLStore) GetOutput(ctx context.Context, id string) (*Output, error) {
	query := `SELECT ` + outputColumns + ` FROM verified_outputs WHERE id = $1`
	out, err := scanOutput(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get output failed: %w", err)
	}
	return out, nil
}

func (s *SQLStore) OutputsForJob(ctx context.Context, jobID string) ([]*Output, error) {
	query := `SELECT ` + outputColumns + ` FROM verified_outputs WHERE job_id = $1 ORDER BY timestamp`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: outputs query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var outs []*Output
	for rows.Next() {
		out, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan output failed: %w", err)
		}
		outs = append(outs, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: outputs iteration failed: %w", err)
	}
	return outs, nil
}

func (s *SQLStore) SetVerification(ctx context.Context, id string, verified bool, verificationError string) error {
	query := `UPDATE verified_outputs SET is_verified = $1, verification_error = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, verified, nullableString(verificationError), id)
	if err != nil {
		return fmt.Errorf("store: update verification failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const chainColumns = `output_id, job_id, previous_hash, content_hash, chain_hash, sequence, timestamp`

func (s *SQLStore) ChainForJob(ctx context.Context, jobID string) ([]*ChainEntry, error) {
	query := `SELECT ` + chainColumns + ` FROM verification_chain WHERE job_id = $1 ORDER BY sequence`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: chain query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*ChainEntry
	for rows.Next() {
		entry, err := scanChainEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan chain entry failed: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chain iteration failed: %w", err)
	}
	return entries, nil
}

func (s *SQLStore) LastChainEntry(ctx context.Context, jobID string) (*ChainEntry, error) {
	query := `SELECT ` + chainColumns + ` FROM verification_chain WHERE job_id = $1 ORDER BY sequence DESC LIMIT 1`
	entry, err := scanChainEntry(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: last chain entry failed: %w", err)
	}
	return entry, nil
}

func (s *SQLStore) CountsFor(ctx context.Context, jobID string) (Counts, error) {
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN is_verified THEN 1 ELSE 0 END), 0)
		FROM verified_outputs`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = $1`
		args = append(args, jobID)
	}

	var c Counts
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.TotalOutputs, &c.VerifiedOutputs); err != nil {
		return Counts{}, fmt.Errorf("store: counts query failed: %w", err)
	}
	c.FailedVerification = c.TotalOutputs - c.VerifiedOutputs
	return c, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func outputArgs(out *Output) ([]any, error) {
	metaJSON, err := json.Marshal(out.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: metadata marshal failed: %w", err)
	}
	return []any{
		out.ID,
		nullableString(out.JobID),
		out.ToolName,
		out.ContentHash,
		out.Timestamp.UTC().Format(sqlTimeLayout),
		out.IsVerified,
		nullableString(out.VerificationError),
		string(metaJSON),
	}, nil
}

func scanOutput(row rowScanner) (*Output, error) {
	var (
		out      Output
		jobID    sql.NullString
		ts       string
		verr     sql.NullString
		metaJSON sql.NullString
	)
	if err := row.Scan(&out.ID, &jobID, &out.ToolName, &out.ContentHash, &ts, &out.IsVerified, &verr, &metaJSON); err != nil {
		return nil, err
	}
	out.JobID = jobID.String
	out.Timestamp = parseTime(ts)
	out.VerificationError = verr.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &out.Metadata)
	}
	return &out, nil
}

func scanChainEntry(row rowScanner) (*ChainEntry, error) {
	var (
		entry ChainEntry
		prev  sql.NullString
		ts    string
	)
	if err := row.Scan(&entry.OutputID, &entry.JobID, &prev, &entry.ContentHash, &entry.ChainHash, &entry.Sequence, &ts); err != nil {
		return nil, err
	}
	entry.PreviousHash = prev.String
	entry.Timestamp = parseTime(ts)
	return &entry, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
