package geogrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/geogrid/internal/aggregation"
	"github.com/arkilian/geogrid/internal/aggregation/metric"
	gerrors "github.com/arkilian/geogrid/internal/errors"
)

func TestGridResultProperty_CountsAndKeys(t *testing.T) {
	g := grid("cells", 3, kc{9, 4}, kc{3, 2})

	self, err := g.Property(nil)
	require.NoError(t, err)
	assert.Same(t, g, self)

	counts, err := g.Property([]string{PathCount})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2}, counts)

	keys, err := g.Property([]string{PathKey})
	require.NoError(t, err)
	assert.Equal(t, []CellKey{9, 3}, keys)

	_, err = g.Property([]string{PathKey, "extra"})
	assert.Equal(t, gerrors.CodeInvalidPath, gerrors.GetCode(err))
}

func TestGridResultProperty_SubAggregationValues(t *testing.T) {
	g := NewGridResult("cells", 3, []*Bucket{
		NewBucket(1, 2, aggregation.New(metric.NewMax("peak").Accumulate(12))),
		NewBucket(2, 1, nil),
	}, nil)

	values, err := g.Property([]string{"peak"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{12.0, nil}, values)

	_, err = g.Property([]string{"missing"})
	assert.Equal(t, gerrors.CodeInvalidPath, gerrors.GetCode(err))

	_, err = g.Property([]string{"peak", "deeper"})
	assert.Equal(t, gerrors.CodeInvalidPath, gerrors.GetCode(err))
}

func TestGridResultProperty_NestedGrid(t *testing.T) {
	g := NewGridResult("coarse", 3, []*Bucket{
		NewBucket(1, 2, aggregation.New(grid("fine", 2, kc{10, 2}))),
	}, nil)

	values, err := g.Property([]string{"fine", PathCount})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{[]int64{2}}, values)
}
