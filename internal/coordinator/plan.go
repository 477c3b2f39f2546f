package coordinator

import (
	"slices"
	"strings"

	"github.com/spaolacci/murmur3"
)

// PlanTree groups shard IDs into the leaf nodes of a reduce tree: at most
// fanIn shards per group, ceil(n/fanIn) groups. Shards are spread by their
// murmur3 hash, so neighbouring shard names do not pile into one node and
// the plan is the same on every coordinator.
func PlanTree(shardIDs []string, fanIn int) [][]string {
	if len(shardIDs) == 0 {
		return [][]string{}
	}
	if fanIn < 1 {
		fanIn = 1
	}

	type hashed struct {
		id   string
		hash uint64
	}
	ordered := make([]hashed, len(shardIDs))
	for i, id := range shardIDs {
		ordered[i] = hashed{id: id, hash: murmur3.Sum64([]byte(id))}
	}
	slices.SortFunc(ordered, func(a, b hashed) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		}
		return strings.Compare(a.id, b.id)
	})

	groups := make([][]string, 0, (len(ordered)+fanIn-1)/fanIn)
	for start := 0; start < len(ordered); start += fanIn {
		end := min(start+fanIn, len(ordered))
		group := make([]string, 0, end-start)
		for _, h := range ordered[start:end] {
			group = append(group, h.id)
		}
		groups = append(groups, group)
	}
	return groups
}
