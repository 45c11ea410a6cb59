// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/lib/sqlitepool"
)

// ErrNotFound reports a job id with no usable ledger record.
var ErrNotFound = errors.New("job: not found")

// allocateAttempts bounds the fresh-id retry loop in Allocate. A
// minted id can only collide with one persisted by a previous process
// in the same microsecond, so a retry is already rare and two in a row
// mean the database is feeding us garbage.
const allocateAttempts = 4

const ledgerSchema = `
	CREATE TABLE IF NOT EXISTS jobs (
		jid        TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at   INTEGER,
		nocache    INTEGER NOT NULL DEFAULT 0,
		function   TEXT,
		target     TEXT,
		match_type TEXT,
		identity   TEXT,
		load       BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);

	CREATE TABLE IF NOT EXISTS returns (
		jid         TEXT NOT NULL,
		agent       TEXT NOT NULL,
		success     INTEGER NOT NULL,
		retcode     INTEGER NOT NULL,
		result      BLOB,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (jid, agent)
	);
	CREATE INDEX IF NOT EXISTS idx_returns_received ON returns(received_at);

	CREATE TABLE IF NOT EXISTS publish_auth (
		jid        TEXT PRIMARY KEY,
		agent      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_publish_auth_created ON publish_auth(created_at);
`

// LedgerConfig holds the parameters for opening a job ledger.
type LedgerConfig struct {
	// Pool is the controller database pool. Shared with the mine
	// store; the ledger only touches its own tables. Required.
	Pool *sqlitepool.Pool

	// Clock provides allocation timestamps and the retention cutoff.
	// Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Ledger is the persistent record of every job the controller has
// published: the request, per-agent returns, end-time markers, and
// peer-publish authorization records.
//
// A job row starts as a skeleton (id and allocation time only) written
// by Allocate, so the jid primary key reserves the id even when the
// request itself is never saved. The full request record is stored
// CBOR-encoded and zstd-compressed in a single column, with the
// summary fields denormalized into indexed columns for listing.
//
// Safe for concurrent use; the pool serializes writers.
type Ledger struct {
	pool      *sqlitepool.Pool
	allocator *Allocator
	clock     clock.Clock
	logger    *slog.Logger
}

// OpenLedger creates the ledger tables if they do not exist and
// returns a Ledger using the given pool. The pool stays owned by the
// caller; closing it is not the ledger's job.
func OpenLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("job: Pool is required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("job: open ledger: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, ledgerSchema, nil); err != nil {
		return nil, fmt.Errorf("job: creating ledger schema: %w", err)
	}

	return &Ledger{
		pool:      cfg.Pool,
		allocator: NewAllocator(c),
		clock:     c,
		logger:    logger,
	}, nil
}

// Allocate assigns a job id and inserts its skeleton row. A valid
// caller-supplied id is honored when it has never been assigned;
// an already-assigned id is logged and replaced by a fresh mint, never
// reused. The jid primary key is what guarantees uniqueness across
// controller restarts.
//
// nocache excludes the job from the ledger: SaveRequest and SaveReturn
// silently drop writes for it. The skeleton row still exists so the id
// stays reserved.
func (l *Ledger) Allocate(ctx context.Context, passed ref.JobID, nocache bool) (ref.JobID, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return ref.JobID{}, fmt.Errorf("job: allocate: %w", err)
	}
	defer l.pool.Put(conn)

	if !passed.IsZero() {
		inserted, err := l.insertSkeleton(conn, passed, nocache)
		if err != nil {
			return ref.JobID{}, err
		}
		if inserted {
			return passed, nil
		}
		l.logger.Warn("requested job id already assigned, minting a fresh one",
			"jid", passed.String(),
		)
	}

	for range allocateAttempts {
		jid := l.allocator.Next()
		inserted, err := l.insertSkeleton(conn, jid, nocache)
		if err != nil {
			return ref.JobID{}, err
		}
		if inserted {
			return jid, nil
		}
	}
	return ref.JobID{}, fmt.Errorf("job: allocate: %d minted ids already assigned", allocateAttempts)
}

// insertSkeleton reserves jid. Reports false without error when the id
// is already taken.
func (l *Ledger) insertSkeleton(conn *sqlite.Conn, jid ref.JobID, nocache bool) (bool, error) {
	nocacheFlag := 0
	if nocache {
		nocacheFlag = 1
	}
	err := sqlitex.Execute(conn,
		"INSERT INTO jobs (jid, started_at, nocache) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{jid.String(), l.clock.Now().UnixNano(), nocacheFlag},
		})
	if err != nil {
		code := sqlite.ErrCode(err)
		if code == sqlite.ResultConstraintPrimaryKey || code == sqlite.ResultConstraintUnique {
			return false, nil
		}
		return false, fmt.Errorf("job: allocate %s: %w", jid, err)
	}
	return true, nil
}

// SaveRequest persists the request record under jid, replacing any
// previous record while preserving the allocation time. Writes for a
// job allocated with nocache are dropped.
func (l *Ledger) SaveRequest(ctx context.Context, jid ref.JobID, request *Request) (err error) {
	if jid.IsZero() {
		return fmt.Errorf("job: save request: zero job id")
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("job: save request: %w", err)
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("job: save request: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	skip, err := l.nocacheFlag(conn, jid)
	if err != nil {
		return err
	}
	if skip {
		l.logger.Debug("request write dropped for nocache job", "jid", jid.String())
		return nil
	}

	blob, err := encodeBlob(request)
	if err != nil {
		return fmt.Errorf("job: save request %s: %w", jid, err)
	}

	err = sqlitex.Execute(conn, `INSERT INTO jobs
		(jid, started_at, nocache, function, target, match_type, identity, load)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			function   = excluded.function,
			target     = excluded.target,
			match_type = excluded.match_type,
			identity   = excluded.identity,
			load       = excluded.load`,
		&sqlitex.ExecOptions{
			Args: []any{
				jid.String(),
				l.clock.Now().UnixNano(),
				request.Function,
				request.Target,
				request.MatchType,
				request.Identity,
				blob,
			},
		})
	if err != nil {
		return fmt.Errorf("job: save request %s: %w", jid, err)
	}
	return nil
}

// SaveReturn records an agent's return. Returns are keyed (jid, agent)
// with last-write-wins: an agent re-reporting a job replaces its
// previous entry. The jid is deliberately not checked against the jobs
// table; see the package comment on orphaned returns.
func (l *Ledger) SaveReturn(ctx context.Context, ret *Return) (err error) {
	if ret.JobID.IsZero() || ret.Agent.IsZero() {
		return fmt.Errorf("job: save return: missing job id or agent")
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("job: save return: %w", err)
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("job: save return: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	skip, err := l.nocacheFlag(conn, ret.JobID)
	if err != nil {
		return err
	}
	if skip {
		l.logger.Debug("return dropped for nocache job",
			"jid", ret.JobID.String(),
			"agent", ret.Agent.String(),
		)
		return nil
	}

	blob, err := encodeBlob(ret.Result)
	if err != nil {
		return fmt.Errorf("job: save return %s: %w", ret.JobID, err)
	}

	success := 0
	if ret.Success {
		success = 1
	}
	err = sqlitex.Execute(conn, `INSERT INTO returns
		(jid, agent, success, retcode, result, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid, agent) DO UPDATE SET
			success     = excluded.success,
			retcode     = excluded.retcode,
			result      = excluded.result,
			received_at = excluded.received_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				ret.JobID.String(),
				ret.Agent.String(),
				success,
				ret.Retcode,
				blob,
				l.clock.Now().UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("job: save return %s: %w", ret.JobID, err)
	}
	return nil
}

// UpdateEndTime stamps the job's end time. A missing job row is a
// no-op: end-time markers are best-effort and may race a prune.
func (l *Ledger) UpdateEndTime(ctx context.Context, jid ref.JobID, endedAt time.Time) error {
	if jid.IsZero() {
		return fmt.Errorf("job: update end time: zero job id")
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("job: update end time: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE jobs SET ended_at = ? WHERE jid = ?",
		&sqlitex.ExecOptions{
			Args: []any{endedAt.UnixNano(), jid.String()},
		})
	if err != nil {
		return fmt.Errorf("job: update end time %s: %w", jid, err)
	}
	return nil
}

// GetRequest loads the persisted request record for jid. Returns
// ErrNotFound when the job is unknown or was allocated but never had
// a request saved (nocache jobs included).
func (l *Ledger) GetRequest(ctx context.Context, jid ref.JobID) (*Request, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("job: get request: %w", err)
	}
	defer l.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn,
		"SELECT load FROM jobs WHERE jid = ?",
		&sqlitex.ExecOptions{
			Args: []any{jid.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnIsNull(0) {
					return nil
				}
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("job: get request %s: %w", jid, err)
	}
	if blob == nil {
		return nil, fmt.Errorf("job: get request %s: %w", jid, ErrNotFound)
	}

	var request Request
	if err := decodeBlob(blob, &request); err != nil {
		return nil, fmt.Errorf("job: get request %s: %w", jid, err)
	}
	return &request, nil
}

// GetReturns loads every recorded return for jid, keyed by agent. A
// job with no returns yields an empty map, not an error.
func (l *Ledger) GetReturns(ctx context.Context, jid ref.JobID) (map[ref.AgentID]Return, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("job: get returns: %w", err)
	}
	defer l.pool.Put(conn)

	returns := make(map[ref.AgentID]Return)
	err = sqlitex.Execute(conn,
		"SELECT agent, success, retcode, result FROM returns WHERE jid = ?",
		&sqlitex.ExecOptions{
			Args: []any{jid.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				agent, parseErr := ref.ParseAgentID(stmt.ColumnText(0))
				if parseErr != nil {
					l.logger.Warn("skipping return with unparseable agent id",
						"jid", jid.String(),
						"agent", stmt.ColumnText(0),
						"error", parseErr,
					)
					return nil
				}
				ret := Return{
					JobID:   jid,
					Agent:   agent,
					Success: stmt.ColumnInt64(1) != 0,
					Retcode: int(stmt.ColumnInt64(2)),
				}
				if !stmt.ColumnIsNull(3) {
					blob := make([]byte, stmt.ColumnLen(3))
					stmt.ColumnBytes(3, blob)
					if decodeErr := decodeBlob(blob, &ret.Result); decodeErr != nil {
						l.logger.Warn("skipping corrupt return record",
							"jid", jid.String(),
							"agent", agent.String(),
							"error", decodeErr,
						)
						return nil
					}
				}
				returns[agent] = ret
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("job: get returns %s: %w", jid, err)
	}
	return returns, nil
}

// List returns job summaries newest first, skipping skeleton rows that
// never had a request saved. limit <= 0 means no limit.
func (l *Ledger) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	return l.querySummaries(ctx,
		`SELECT jid, function, target, match_type, identity, started_at, ended_at
		FROM jobs WHERE function IS NOT NULL
		ORDER BY started_at DESC LIMIT ?`, limit)
}

// Active returns summaries for jobs with a saved request and no end
// time yet, newest first.
func (l *Ledger) Active(ctx context.Context) ([]Summary, error) {
	return l.querySummaries(ctx,
		`SELECT jid, function, target, match_type, identity, started_at, ended_at
		FROM jobs WHERE function IS NOT NULL AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT ?`, -1)
}

func (l *Ledger) querySummaries(ctx context.Context, query string, limit int) ([]Summary, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	defer l.pool.Put(conn)

	var summaries []Summary
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			jid, parseErr := ref.ParseJobID(stmt.ColumnText(0))
			if parseErr != nil {
				l.logger.Warn("skipping job row with unparseable id",
					"jid", stmt.ColumnText(0),
					"error", parseErr,
				)
				return nil
			}
			summary := Summary{
				JobID:     jid,
				Function:  stmt.ColumnText(1),
				Target:    stmt.ColumnText(2),
				MatchType: stmt.ColumnText(3),
				Identity:  stmt.ColumnText(4),
				StartedAt: time.Unix(0, stmt.ColumnInt64(5)),
			}
			if !stmt.ColumnIsNull(6) {
				summary.EndedAt = time.Unix(0, stmt.ColumnInt64(6))
			}
			summaries = append(summaries, summary)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	return summaries, nil
}

// SavePublishAuth records that agent initiated the peer-published job
// jid. The record is what later authorizes the same agent to fetch
// the job's returns.
func (l *Ledger) SavePublishAuth(ctx context.Context, jid ref.JobID, agent ref.AgentID) error {
	if jid.IsZero() || agent.IsZero() {
		return fmt.Errorf("job: save publish auth: missing job id or agent")
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("job: save publish auth: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO publish_auth (jid, agent, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			agent      = excluded.agent,
			created_at = excluded.created_at`,
		&sqlitex.ExecOptions{
			Args: []any{jid.String(), agent.String(), l.clock.Now().UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("job: save publish auth %s: %w", jid, err)
	}
	return nil
}

// CheckPublishAuth reports whether agent is the recorded initiator of
// jid. Unknown jobs and mismatched agents both report false.
func (l *Ledger) CheckPublishAuth(ctx context.Context, jid ref.JobID, agent ref.AgentID) (bool, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("job: check publish auth: %w", err)
	}
	defer l.pool.Put(conn)

	authorized := false
	err = sqlitex.Execute(conn,
		"SELECT agent FROM publish_auth WHERE jid = ?",
		&sqlitex.ExecOptions{
			Args: []any{jid.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				authorized = stmt.ColumnText(0) == agent.String()
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("job: check publish auth %s: %w", jid, err)
	}
	return authorized, nil
}

// Prune removes ledger rows older than keep: job rows (with their
// returns and publish-auth records) by allocation time, and orphaned
// returns by arrival time. Returns the number of job rows removed.
func (l *Ledger) Prune(ctx context.Context, keep time.Duration) (removed int, err error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("job: prune: %w", err)
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("job: prune: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	cutoff := l.clock.Now().Add(-keep).UnixNano()

	statements := []string{
		"DELETE FROM returns WHERE jid IN (SELECT jid FROM jobs WHERE started_at < ?)",
		"DELETE FROM returns WHERE received_at < ?",
		"DELETE FROM publish_auth WHERE created_at < ?",
	}
	for _, statement := range statements {
		if err = sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{
			Args: []any{cutoff},
		}); err != nil {
			return 0, fmt.Errorf("job: prune: %w", err)
		}
	}

	if err = sqlitex.Execute(conn,
		"DELETE FROM jobs WHERE started_at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}}); err != nil {
		return 0, fmt.Errorf("job: prune: %w", err)
	}
	removed = conn.Changes()

	if removed > 0 {
		l.logger.Info("job ledger pruned", "removed", removed, "keep", keep)
	}
	return removed, nil
}

// nocacheFlag reports whether jid exists with the nocache marker set.
func (l *Ledger) nocacheFlag(conn *sqlite.Conn, jid ref.JobID) (bool, error) {
	var nocache bool
	err := sqlitex.Execute(conn,
		"SELECT nocache FROM jobs WHERE jid = ?",
		&sqlitex.ExecOptions{
			Args: []any{jid.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nocache = stmt.ColumnInt64(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("job: reading %s: %w", jid, err)
	}
	return nocache, nil
}
