// Package partition is the minimal external collaborator responsible
// for standing up hash-partitioned tables before the copy engine ever
// touches them: it builds the DDL a hash-partitioning command needs to
// create one child table per partition, and the round-robin assignment of
// those partitions to nodes. It does not manage DDL lifecycle,
// constraint validation, or re-partitioning — that machinery is out of
// scope; this stub exists to give pkg/queue.HashPartition commands
// something concrete to execute against pkg/catalog.
package partition

import (
	"fmt"
	"strings"
)

// Plan describes one hash-partitioning request: split relation into
// partCount partitions distributed round-robin across nodes.
type Plan struct {
	Relation    string
	Key         string
	PartCount   int
	Nodes       []int
	OwnerSuffix string // table-name suffix convention, e.g. "p"
}

// PartitionName returns the name of the i-th partition of a relation,
// matching the "<relation>_<suffix>_<index>" convention the original
// extension uses for generated partition tables.
func PartitionName(relation, suffix string, index int) string {
	return fmt.Sprintf("%s_%s_%d", relation, suffix, index)
}

// BuildDDL renders the CREATE TABLE ... PARTITION BY HASH script plus
// one CREATE TABLE ... PARTITION OF / FOR VALUES WITH clause per
// partition. The DDL does not place partitions on nodes: p.Nodes is only
// required to be non-empty here, and Owners gives the round-robin node
// assignment.
func (p Plan) BuildDDL() (string, error) {
	if p.PartCount <= 0 {
		return "", fmt.Errorf("part count must be positive, got %d", p.PartCount)
	}
	if len(p.Nodes) == 0 {
		return "", fmt.Errorf("at least one node is required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s_parent (LIKE %s INCLUDING ALL) PARTITION BY HASH (%s);\n",
		p.Relation, p.Relation, p.Key)

	suffix := p.OwnerSuffix
	if suffix == "" {
		suffix = "p"
	}
	for i := 0; i < p.PartCount; i++ {
		name := PartitionName(p.Relation, suffix, i)
		fmt.Fprintf(&b,
			"CREATE TABLE %s PARTITION OF %s_parent FOR VALUES WITH (MODULUS %d, REMAINDER %d);\n",
			name, p.Relation, p.PartCount, i)
	}
	return b.String(), nil
}

// Owners returns the node each partition is initially assigned to,
// distributing partitions round-robin across p.Nodes.
func (p Plan) Owners() map[string]int {
	owners := make(map[string]int, p.PartCount)
	suffix := p.OwnerSuffix
	if suffix == "" {
		suffix = "p"
	}
	for i := 0; i < p.PartCount; i++ {
		name := PartitionName(p.Relation, suffix, i)
		owners[name] = p.Nodes[i%len(p.Nodes)]
	}
	return owners
}
