// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dump

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcache.dev/flowcache/internal/flow"
	"flowcache.dev/flowcache/internal/flow/cache"
	"flowcache.dev/flowcache/internal/flow/filter"
)

func newPopulatedCache(t *testing.T, n int) *cache.Cache {
	t.Helper()
	cfg := cache.Config{
		MaxFlows: n + 10,
		IdleTimeout: map[flow.Class]int64{
			flow.ClassTCP: 60,
		},
		PruningTimeout: 0,
		CleanupFlows:   10,
		PruneFlows:     10,
	}
	c := cache.New(cfg, cache.Hooks{}, nil, nil)
	for i := 0; i < n; i++ {
		a := flow.V4([4]byte{10, 0, 0, 1}, uint16(i+1))
		b := flow.V4([4]byte{10, 0, 0, 2}, 443)
		k, _ := flow.NewKey(1, a, b, flow.ClassTCP, 0, 0)
		_, err := c.Allocate(k, 0, true, false)
		require.NoError(t, err)
	}
	return c
}

// Scenario 4: dump cursor resumption.
func TestFullTaskResumesAcrossYields(t *testing.T) {
	c := newPopulatedCache(t, 250)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	code := NextDumpCode()
	task := NewFullTask(w, false, 100, filter.Spec{}, 1, code, []flow.Class{flow.ClassTCP})

	hasMore, err := task.Execute(c, 0)
	require.NoError(t, err)
	assert.True(t, hasMore)

	hasMore, err = task.Execute(c, 0)
	require.NoError(t, err)
	assert.True(t, hasMore)

	hasMore, err = task.Execute(c, 0)
	require.NoError(t, err)
	assert.False(t, hasMore)

	require.NoError(t, w.Flush())
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 250)
}

func TestFullTaskNewDumpCodeReprocessesSameFlows(t *testing.T) {
	c := newPopulatedCache(t, 10)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	task := NewFullTask(w, false, 100, filter.Spec{}, 1, NextDumpCode(), []flow.Class{flow.ClassTCP})
	_, err := task.Execute(c, 0)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, 10, strings.Count(buf.String(), "\n"))

	buf.Reset()
	task2 := NewFullTask(w, false, 100, filter.Spec{}, 1, NextDumpCode(), []flow.Class{flow.ClassTCP})
	_, err = task2.Execute(c, 0)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, 10, strings.Count(buf.String(), "\n"), "a fresh dump_code must not be skipped as already-visited")
}

func TestBinaryToTextRoundTrip(t *testing.T) {
	c := newPopulatedCache(t, 1)
	rec, ok := c.Find(mustFirstKey(t, c), 5)
	require.True(t, ok)

	direct := FormatRecord(rec, 5, 1)

	d := FromRecord(rec, 5, 1)
	raw, err := d.MarshalBinary()
	require.NoError(t, err)

	var d2 Descriptor
	require.NoError(t, d2.UnmarshalBinary(raw))
	roundTripped := FormatDescriptor(d2)

	assert.Equal(t, direct, roundTripped)
}

func mustFirstKey(t *testing.T, c *cache.Cache) flow.Key {
	t.Helper()
	rec, ok := c.WalkFirst(uint8(flow.ClassTCP))
	require.True(t, ok)
	return rec.Key
}

func TestFormatDurationLiterals(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "30s", FormatDuration(30))
	assert.Equal(t, "1m30s", FormatDuration(90))
	assert.Equal(t, "1h", FormatDuration(3600))
	assert.Equal(t, "2h5m", FormatDuration(2*3600+5*60))
}

// Scenario 5 ("Filter AND"): a populated cache dumped through a real
// SrcIP constraint must exclude flows whose client address doesn't match.
func TestFullTaskFiltersBySrcIP(t *testing.T) {
	cfg := cache.Config{
		MaxFlows:       10,
		IdleTimeout:    map[flow.Class]int64{flow.ClassTCP: 60},
		PruningTimeout: 0,
		CleanupFlows:   10,
		PruneFlows:     10,
	}
	c := cache.New(cfg, cache.Hooks{}, nil, nil)

	matching := flow.V4([4]byte{10, 0, 0, 1}, 1234)
	other := flow.V4([4]byte{10, 0, 0, 9}, 1234)
	server := flow.V4([4]byte{10, 0, 0, 2}, 443)

	kMatch, _ := flow.NewKey(1, matching, server, flow.ClassTCP, 0, 0)
	_, err := c.Allocate(kMatch, 0, true, false)
	require.NoError(t, err)

	kOther, otherReversed := flow.NewKey(1, other, server, flow.ClassTCP, 0, 0)
	_, err = c.Allocate(kOther, 0, true, otherReversed)
	require.NoError(t, err)

	addr, err := filter.ParseAddr("10.0.0.0/8")
	require.NoError(t, err)
	spec := filter.Spec{SrcIP: &addr, DstPort: 443}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	task := NewFullTask(w, false, 100, spec, 1, NextDumpCode(), []flow.Class{flow.ClassTCP})
	_, err = task.Execute(c, 0)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	assert.Equal(t, 2, strings.Count(buf.String(), "\n"), "both flows' client addresses are in 10.0.0.0/8")

	narrow, err := filter.ParseAddr("10.0.0.1")
	require.NoError(t, err)
	spec2 := filter.Spec{SrcIP: &narrow}

	buf.Reset()
	task2 := NewFullTask(w, false, 100, spec2, 1, NextDumpCode(), []flow.Class{flow.ClassTCP})
	_, err = task2.Execute(c, 0)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "10.0.0.1/1234")
}

func TestSummaryTaskReduce(t *testing.T) {
	c := newPopulatedCache(t, 5)
	task := NewSummaryTask(filter.Spec{}, []flow.Class{flow.ClassTCP})
	task.Execute(c, nil)

	report := Reduce([]*SummaryTask{task})
	assert.Contains(t, report, "TCP: 5")
	assert.Contains(t, report, "Pending: 5")
}
