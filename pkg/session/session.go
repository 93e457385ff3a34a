// Package session manages a single reconnectable SQL connection to one
// worker node. It is the only way the copy engine touches a worker: every
// remote round trip goes through EnsureOpen, RunScript or QueryOne, and all
// three classify non-fatal failures the same way — discard the connection,
// let the caller reschedule, never panic.
package session

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/cuemby/shardlord/pkg/log"
	"github.com/cuemby/shardlord/pkg/metrics"
)

// Outcome is the uniform result of every session operation.
type Outcome int

const (
	Ok Outcome = iota
	Retry
)

// Conn is the narrow interface the copy engine and topology
// reconfiguration drive a worker session through. *Session implements
// it; tests substitute fakes returning canned outcomes.
type Conn interface {
	EnsureOpen(ctx context.Context) Outcome
	RunScript(ctx context.Context, script string) Outcome
	QueryOne(ctx context.Context, sql string) (string, Outcome)
	Close()
}

var _ Conn = (*Session)(nil)

// Session is a managed, lazily-opened connection to one worker.
type Session struct {
	connStr string
	conn    *pgx.Conn
}

// New creates a Session that has not yet opened a connection.
func New(connStr string) *Session {
	return &Session{connStr: connStr}
}

// IsOpen reports whether a connection is currently held.
func (s *Session) IsOpen() bool {
	return s.conn != nil
}

// EnsureOpen opens the connection if none is held. On a fresh connect it
// immediately sets synchronous_commit to local for the session, so
// control-plane statements never block on a synchronous standby. Connect
// failure discards any partial state and returns Retry; the caller is
// responsible for scheduling the retry.
func (s *Session) EnsureOpen(ctx context.Context) Outcome {
	if s.conn != nil {
		return Ok
	}
	conn, err := pgx.Connect(ctx, s.connStr)
	if err != nil {
		log.Logger.Debug().Err(err).Msg("session connect failed")
		return Retry
	}
	if _, err := conn.Exec(ctx, "SET SESSION synchronous_commit TO local;"); err != nil {
		_ = conn.Close(ctx)
		log.Logger.Debug().Err(err).Msg("failed to set synchronous_commit on fresh connection")
		return Retry
	}
	s.conn = conn
	return Ok
}

// RunScript splits script at top-level semicolons and executes each
// fragment as its own autocommit statement on the held connection, serially.
// The splitter is deliberately naive: fragments must never contain embedded
// semicolons, which is enforced by construction in pkg/task. Autocommit per
// fragment is mandatory because some fragments (creating a replication
// slot) cannot run inside a transaction that has already written.
func (s *Session) RunScript(ctx context.Context, script string) Outcome {
	if s.conn == nil {
		return Retry
	}
	for _, fragment := range splitScript(script) {
		if _, err := s.conn.Exec(ctx, fragment); err != nil {
			log.Logger.Debug().Err(err).Str("fragment", fragment).Msg("script fragment failed")
			s.discard(ctx)
			return Retry
		}
	}
	return Ok
}

// QueryOne executes a statement expected to produce exactly one row with
// exactly one column and returns the cell as text. Protocol failure,
// row-count mismatch, or a null cell all discard the connection and return
// Retry.
func (s *Session) QueryOne(ctx context.Context, sql string) (string, Outcome) {
	if s.conn == nil {
		return "", Retry
	}
	rows, err := s.conn.Query(ctx, sql)
	if err != nil {
		log.Logger.Debug().Err(err).Msg("query_one failed")
		s.discard(ctx)
		return "", Retry
	}
	defer rows.Close()

	if !rows.Next() {
		s.discard(ctx)
		return "", Retry
	}
	var value *string
	if err := rows.Scan(&value); err != nil {
		s.discard(ctx)
		return "", Retry
	}
	if rows.Next() {
		// more than one row: not the exactly-one-row contract.
		s.discard(ctx)
		return "", Retry
	}
	if err := rows.Err(); err != nil {
		s.discard(ctx)
		return "", Retry
	}
	if value == nil {
		s.discard(ctx)
		return "", Retry
	}
	return *value, Ok
}

// Close closes the held connection, if any. Safe to call multiple times.
func (s *Session) Close() {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close(context.Background())
	s.conn = nil
}

func (s *Session) discard(ctx context.Context) {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close(ctx)
	s.conn = nil
	metrics.SessionReconnectsTotal.Inc()
}

func splitScript(script string) []string {
	parts := strings.Split(script, ";")
	fragments := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fragments = append(fragments, p)
	}
	return fragments
}
