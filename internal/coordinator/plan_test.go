package coordinator

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shardNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("shard-%03d", i)
	}
	return out
}

func TestPlanTree_GroupSizes(t *testing.T) {
	for _, tc := range []struct{ n, fanIn, groups int }{
		{1, 4, 1},
		{4, 4, 1},
		{5, 4, 2},
		{17, 4, 5},
		{100, 16, 7},
	} {
		plan := PlanTree(shardNames(tc.n), tc.fanIn)
		require.Len(t, plan, tc.groups, "n=%d fanIn=%d", tc.n, tc.fanIn)

		var all []string
		for _, g := range plan {
			assert.LessOrEqual(t, len(g), tc.fanIn)
			assert.NotEmpty(t, g)
			all = append(all, g...)
		}
		slices.Sort(all)
		assert.Equal(t, shardNames(tc.n), all)
	}
}

func TestPlanTree_IndependentOfInputOrder(t *testing.T) {
	shards := shardNames(23)
	reversed := slices.Clone(shards)
	slices.Reverse(reversed)

	assert.Equal(t, PlanTree(shards, 5), PlanTree(reversed, 5))
}

func TestPlanTree_Empty(t *testing.T) {
	assert.Empty(t, PlanTree(nil, 4))
	assert.NotNil(t, PlanTree(nil, 4))
}

func TestPlanTree_NonPositiveFanIn(t *testing.T) {
	plan := PlanTree(shardNames(3), 0)
	assert.Len(t, plan, 3)
}
