// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package mine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/drover-systems/drover/lib/codec"
	"github.com/drover-systems/drover/lib/ref"
	"github.com/drover-systems/drover/lib/sqlitepool"
)

const mineSchema = `
	CREATE TABLE IF NOT EXISTS mine (
		agent    TEXT NOT NULL,
		function TEXT NOT NULL,
		value    BLOB NOT NULL,
		PRIMARY KEY (agent, function)
	);
	CREATE INDEX IF NOT EXISTS idx_mine_function ON mine(function);
`

// StoreConfig holds the parameters for opening a mine store.
type StoreConfig struct {
	// Pool is the controller database pool. Shared with the job
	// ledger; the store only touches its own table. Required.
	Pool *sqlitepool.Pool

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Store is the mine table: one CBOR value per (agent, function).
//
// Safe for concurrent use; the pool serializes writers.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenStore creates the mine table if it does not exist and returns a
// Store using the given pool. The pool stays owned by the caller.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("mine: Pool is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("mine: open store: %w", err)
	}
	defer cfg.Pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, mineSchema, nil); err != nil {
		return nil, fmt.Errorf("mine: creating schema: %w", err)
	}

	return &Store{pool: cfg.Pool, logger: logger}, nil
}

// Put stores the given function values for agent. By default the
// values merge into the agent's existing document, replacing only the
// functions named. With clear set, the agent's whole document is
// replaced: everything not in values is dropped.
func (s *Store) Put(ctx context.Context, agent ref.AgentID, values map[string]any, clear bool) (err error) {
	if agent.IsZero() {
		return fmt.Errorf("mine: put: zero agent id")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("mine: put: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("mine: put: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if clear {
		err = sqlitex.Execute(conn,
			"DELETE FROM mine WHERE agent = ?",
			&sqlitex.ExecOptions{Args: []any{agent.String()}})
		if err != nil {
			return fmt.Errorf("mine: put %s: %w", agent, err)
		}
	}

	for function, value := range values {
		blob, encodeErr := codec.Marshal(value)
		if encodeErr != nil {
			err = fmt.Errorf("mine: put %s %q: %w", agent, function, encodeErr)
			return err
		}
		err = sqlitex.Execute(conn, `INSERT INTO mine (agent, function, value)
			VALUES (?, ?, ?)
			ON CONFLICT(agent, function) DO UPDATE SET
				value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{agent.String(), function, blob}})
		if err != nil {
			return fmt.Errorf("mine: put %s %q: %w", agent, function, err)
		}
	}
	return nil
}

// Get loads agent's value for function. The second return reports
// whether a value exists.
func (s *Store) Get(ctx context.Context, agent ref.AgentID, function string) (any, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("mine: get: %w", err)
	}
	defer s.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn,
		"SELECT value FROM mine WHERE agent = ? AND function = ?",
		&sqlitex.ExecOptions{
			Args: []any{agent.String(), function},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("mine: get %s %q: %w", agent, function, err)
	}
	if blob == nil {
		return nil, false, nil
	}

	var value any
	if err := codec.Unmarshal(blob, &value); err != nil {
		return nil, false, fmt.Errorf("mine: get %s %q: %w", agent, function, err)
	}
	return value, true, nil
}

// GetMany loads the function's value for every listed agent that has
// one. Agents without a value are simply absent from the result.
func (s *Store) GetMany(ctx context.Context, agents []ref.AgentID, function string) (map[ref.AgentID]any, error) {
	values := make(map[ref.AgentID]any, len(agents))
	if len(agents) == 0 {
		return values, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("mine: get many: %w", err)
	}
	defer s.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(agents)), ",")
	query := "SELECT agent, value FROM mine WHERE function = ? AND agent IN (" + placeholders + ")"

	args := make([]any, 0, len(agents)+1)
	args = append(args, function)
	for _, agent := range agents {
		args = append(args, agent.String())
	}

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			agent, parseErr := ref.ParseAgentID(stmt.ColumnText(0))
			if parseErr != nil {
				s.logger.Warn("skipping mine row with unparseable agent id",
					"agent", stmt.ColumnText(0),
					"error", parseErr,
				)
				return nil
			}
			blob := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, blob)

			var value any
			if decodeErr := codec.Unmarshal(blob, &value); decodeErr != nil {
				s.logger.Warn("skipping corrupt mine value",
					"agent", agent.String(),
					"function", function,
					"error", decodeErr,
				)
				return nil
			}
			values[agent] = value
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mine: get many %q: %w", function, err)
	}
	return values, nil
}

// Delete removes agent's value for function. Missing values are a
// no-op.
func (s *Store) Delete(ctx context.Context, agent ref.AgentID, function string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("mine: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM mine WHERE agent = ? AND function = ?",
		&sqlitex.ExecOptions{Args: []any{agent.String(), function}})
	if err != nil {
		return fmt.Errorf("mine: delete %s %q: %w", agent, function, err)
	}
	return nil
}

// Flush removes agent's whole mine document.
func (s *Store) Flush(ctx context.Context, agent ref.AgentID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("mine: flush: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM mine WHERE agent = ?",
		&sqlitex.ExecOptions{Args: []any{agent.String()}})
	if err != nil {
		return fmt.Errorf("mine: flush %s: %w", agent, err)
	}
	return nil
}
