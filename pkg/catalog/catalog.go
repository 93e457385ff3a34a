// Package catalog is the shardlord's own client to the metadata catalog:
// the partitions table (a per-partition doubly-linked replica chain) and
// the node registry. It is the external contract the core depends on,
// specified only through the helper queries it exposes — the schema and
// its migrations are out of scope for the copy engine itself.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Client is a connection to the shardlord's catalog database.
type Client struct {
	db *sql.DB
}

// Open connects to the catalog database identified by dsn.
func Open(dsn string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	return &Client{db: db}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// PrimaryOwner returns the node id holding the primary (prv IS NULL) copy
// of partition.
func (c *Client) PrimaryOwner(ctx context.Context, partition string) (int, error) {
	var owner int
	err := c.db.QueryRowContext(ctx,
		`SELECT owner FROM partitions WHERE part_name = $1 AND prv IS NULL`, partition,
	).Scan(&owner)
	if err != nil {
		return 0, fmt.Errorf("primary owner of %s: %w", partition, err)
	}
	return owner, nil
}

// TailOwner returns the node id holding the tail (nxt IS NULL) copy of
// partition.
func (c *Client) TailOwner(ctx context.Context, partition string) (int, error) {
	var owner int
	err := c.db.QueryRowContext(ctx,
		`SELECT owner FROM partitions WHERE part_name = $1 AND nxt IS NULL`, partition,
	).Scan(&owner)
	if err != nil {
		return 0, fmt.Errorf("tail owner of %s: %w", partition, err)
	}
	return owner, nil
}

// NextNeighbor returns the node id downstream of node in partition's
// replica chain, if any.
func (c *Client) NextNeighbor(ctx context.Context, partition string, node int) (int, bool, error) {
	var nxt sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT nxt FROM partitions WHERE part_name = $1 AND owner = $2`, partition, node,
	).Scan(&nxt)
	if err != nil {
		return 0, false, fmt.Errorf("next neighbor of %s on %d: %w", partition, node, err)
	}
	if !nxt.Valid {
		return 0, false, nil
	}
	return int(nxt.Int64), true, nil
}

// PrevNeighbor returns the node id upstream of node in partition's replica
// chain, if any.
func (c *Client) PrevNeighbor(ctx context.Context, partition string, node int) (int, bool, error) {
	var prv sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT prv FROM partitions WHERE part_name = $1 AND owner = $2`, partition, node,
	).Scan(&prv)
	if err != nil {
		return 0, false, fmt.Errorf("prev neighbor of %s on %d: %w", partition, node, err)
	}
	if !prv.Valid {
		return 0, false, nil
	}
	return int(prv.Int64), true, nil
}

// RelationName returns the root relation name for partition.
func (c *Client) RelationName(ctx context.Context, partition string) (string, error) {
	var relation string
	err := c.db.QueryRowContext(ctx,
		`SELECT relation FROM partitions WHERE part_name = $1 LIMIT 1`, partition,
	).Scan(&relation)
	if err != nil {
		return "", fmt.Errorf("relation name of %s: %w", partition, err)
	}
	return relation, nil
}

// Exists reports whether partition already has a copy on node.
func (c *Client) Exists(ctx context.Context, partition string, node int) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM partitions WHERE part_name = $1 AND owner = $2)`, partition, node,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %s on %d: %w", partition, node, err)
	}
	return exists, nil
}

// ConnString returns the connection string registered for node.
func (c *Client) ConnString(ctx context.Context, node int) (string, error) {
	var cs string
	err := c.db.QueryRowContext(ctx,
		`SELECT conn_string FROM nodes WHERE id = $1`, node,
	).Scan(&cs)
	if err != nil {
		return "", fmt.Errorf("conn string of node %d: %w", node, err)
	}
	return cs, nil
}

// CurrentLSN returns the shardlord catalog's own current WAL insertion
// position, used as the reference point for the catalog-freshness barrier.
func (c *Client) CurrentLSN(ctx context.Context) (string, error) {
	var lsn string
	err := c.db.QueryRowContext(ctx, `SELECT pg_current_wal_lsn();`).Scan(&lsn)
	if err != nil {
		return "", fmt.Errorf("current catalog lsn: %w", err)
	}
	return lsn, nil
}

// PrimaryCounts returns, for every node holding at least one primary
// partition copy, the number of primaries it owns. Used by
// pkg/rebalance to measure how unevenly load is currently spread.
func (c *Client) PrimaryCounts(ctx context.Context) (map[int]int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT owner, count(*) FROM partitions WHERE prv IS NULL GROUP BY owner`)
	if err != nil {
		return nil, fmt.Errorf("primary counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var node, n int
		if err := rows.Scan(&node, &n); err != nil {
			return nil, fmt.Errorf("primary counts scan: %w", err)
		}
		counts[node] = n
	}
	return counts, rows.Err()
}

// PrimaryPartitionsOnNode lists the partitions whose primary copy
// currently lives on node, in no particular order.
func (c *Client) PrimaryPartitionsOnNode(ctx context.Context, node int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT part_name FROM partitions WHERE prv IS NULL AND owner = $1`, node)
	if err != nil {
		return nil, fmt.Errorf("primary partitions on %d: %w", node, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("primary partitions scan: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Exec runs a single autocommit statement or semicolon-separated script
// against the catalog database. Used for the final metadata-update
// transaction, which is replicated down to workers via the meta-subscription
// rather than applied to them directly.
func (c *Client) Exec(ctx context.Context, sql string) error {
	if _, err := c.db.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("catalog exec: %w", err)
	}
	return nil
}
