// Package rebalance implements an "equalize primary partition count per
// node" heuristic: it looks at how many primary partitions each node
// currently owns, and for every node above the fleet average, plans
// move-partition commands moving its excess primaries onto nodes below
// the average. Rebalancer policy internals are out of scope for the
// copy engine core, so this stays a single straightforward heuristic
// rather than a pluggable framework.
package rebalance

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/shardlord/pkg/catalog"
	"github.com/cuemby/shardlord/pkg/log"
	"github.com/cuemby/shardlord/pkg/metrics"
	"github.com/cuemby/shardlord/pkg/queue"
)

// Catalog is the narrow read interface the heuristic needs from the
// metadata catalog. pkg/catalog.Client satisfies it.
type Catalog interface {
	PrimaryCounts(ctx context.Context) (map[int]int, error)
	PrimaryPartitionsOnNode(ctx context.Context, node int) ([]string, error)
}

// Move is one planned move-partition command: take partition off its
// current primary owner and put it on dst.
type Move struct {
	Partition string
	Src       int
	Dst       int
}

var _ Catalog = (*catalog.Client)(nil)

// bucket tracks one node's current primary-partition count while the
// heuristic redistributes load.
type bucket struct {
	node  int
	count int
}

// Plan inspects cat's current primary-partition distribution and returns
// the moves that bring every node down to at most the fleet average
// rounded up, moving partitions off the most-loaded nodes first and onto
// the least-loaded nodes first. Only nodes above that rounded-up average
// give up partitions, so a node below the average can stay more than one
// partition under it (counts 2, 2, 0 plan no move). It issues no commands
// itself; the caller decides whether to enqueue the result.
func Plan(ctx context.Context, cat Catalog) ([]Move, error) {
	counts, err := cat.PrimaryCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebalance plan: %w", err)
	}
	if len(counts) < 2 {
		return nil, nil
	}

	total := 0
	nodes := make([]int, 0, len(counts))
	for node, n := range counts {
		total += n
		nodes = append(nodes, node)
	}
	avg := total / len(counts)
	if total%len(counts) != 0 {
		avg++ // round up: a node at ceil(avg) is not overloaded
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	over := make([]bucket, 0)
	under := make([]bucket, 0)
	for _, node := range nodes {
		n := counts[node]
		switch {
		case n > avg:
			over = append(over, bucket{node, n})
		case n < avg:
			under = append(under, bucket{node, n})
		}
	}
	sort.Slice(over, func(i, j int) bool { return over[i].count > over[j].count })
	sort.Slice(under, func(i, j int) bool { return under[i].count < under[j].count })

	var moves []Move
	for i := range over {
		partitions, err := cat.PrimaryPartitionsOnNode(ctx, over[i].node)
		if err != nil {
			return nil, fmt.Errorf("rebalance plan: list partitions on node %d: %w", over[i].node, err)
		}
		p := 0
		for over[i].count > avg && p < len(partitions) {
			dst := pickUnderloaded(under)
			if dst == nil {
				break
			}
			moves = append(moves, Move{Partition: partitions[p], Src: over[i].node, Dst: dst.node})
			over[i].count--
			dst.count++
			p++
		}
	}

	metrics.RebalanceCyclesTotal.Inc()
	metrics.RebalanceMovesPlannedTotal.Add(float64(len(moves)))
	rebalanceLogger := log.WithComponent("rebalance")
	rebalanceLogger.Info().Int("moves_planned", len(moves)).Msg("rebalance cycle completed")
	return moves, nil
}

// pickUnderloaded returns the least-loaded bucket in under, or nil if
// under is empty; it does not compare against avg. The returned pointer
// aliases the slice element so the caller's increment is visible on the
// next call.
func pickUnderloaded(under []bucket) *bucket {
	if len(under) == 0 {
		return nil
	}
	best := &under[0]
	for i := 1; i < len(under); i++ {
		if under[i].count < best.count {
			best = &under[i]
		}
	}
	return best
}

// EnqueueMoves durably enqueues every planned move as a move-partition
// command on q, in the order Plan returned them.
func EnqueueMoves(q *queue.Queue, moves []Move) error {
	for _, m := range moves {
		_, err := q.Enqueue(queue.MovePartition, map[string]string{
			"partition": m.Partition,
			"src":       fmt.Sprintf("%d", m.Src),
			"dst":       fmt.Sprintf("%d", m.Dst),
		})
		if err != nil {
			return fmt.Errorf("enqueue planned move of %s: %w", m.Partition, err)
		}
	}
	return nil
}
