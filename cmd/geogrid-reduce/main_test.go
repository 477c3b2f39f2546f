package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
	"github.com/arkilian/geogrid/internal/codec"
)

func writePartial(t *testing.T, dir, name string, g *geogrid.GridResult, framed bool) string {
	t.Helper()
	var data []byte
	var err error
	if framed {
		data, err = codec.Encode(g)
	} else {
		var dto *codec.GridResultJSON
		dto, err = codec.ToJSON(g)
		require.NoError(t, err)
		data, err = json.Marshal(dto)
	}
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func grid(size int, counts map[geogrid.CellKey]int64) *geogrid.GridResult {
	var buckets []*geogrid.Bucket
	for k, c := range counts {
		buckets = append(buckets, geogrid.NewBucket(k, c, nil))
	}
	return geogrid.NewGridResult("cells", size, buckets, nil)
}

func TestRun_MixedInputs(t *testing.T) {
	dir := t.TempDir()
	a := writePartial(t, dir, "a.ggr", grid(2, map[geogrid.CellKey]int64{1: 4, 2: 1}), true)
	b := writePartial(t, dir, "b.json", grid(2, map[geogrid.CellKey]int64{2: 6, 3: 2}), false)

	var out bytes.Buffer
	require.NoError(t, run([]string{a, b}, &out))

	var dto codec.GridResultJSON
	require.NoError(t, json.Unmarshal(out.Bytes(), &dto))
	require.Len(t, dto.Buckets, 2)
	assert.Equal(t, int64(2), dto.Buckets[0].Key)
	assert.Equal(t, int64(7), dto.Buckets[0].DocCount)
	assert.Equal(t, int64(1), dto.Buckets[1].Key)
}

func TestRun_FramedOutputFile(t *testing.T) {
	dir := t.TempDir()
	a := writePartial(t, dir, "a.ggr", grid(5, map[geogrid.CellKey]int64{9: 1}), true)
	outPath := filepath.Join(dir, "out.ggr")

	require.NoError(t, run([]string{"-format", "framed", "-out", outPath, a}, &bytes.Buffer{}))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	g, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.Bucket(9).DocCount())
}

func TestRun_StrictSizePolicy(t *testing.T) {
	dir := t.TempDir()
	a := writePartial(t, dir, "a.ggr", grid(2, map[geogrid.CellKey]int64{1: 1}), true)
	b := writePartial(t, dir, "b.ggr", grid(3, map[geogrid.CellKey]int64{1: 1}), true)

	assert.NoError(t, run([]string{a, b}, &bytes.Buffer{}))
	assert.Error(t, run([]string{"-size-policy", "strict", a, b}, &bytes.Buffer{}))
}

func TestRun_BadArguments(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("not a grid"), 0644))

	assert.Error(t, run(nil, &bytes.Buffer{}))
	assert.Error(t, run([]string{junk}, &bytes.Buffer{}))
	assert.Error(t, run([]string{"-format", "xml", junk}, &bytes.Buffer{}))
	assert.Error(t, run([]string{"-size-policy", "loose", junk}, &bytes.Buffer{}))
}
