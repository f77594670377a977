package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

func TestFrontierFIFOAndDedup(t *testing.T) {
	t.Parallel()

	f := newFrontier()
	require.True(t, f.push(crawler.FrontierEntry{URL: "a"}))
	require.True(t, f.push(crawler.FrontierEntry{URL: "b", Depth: 1}))
	require.False(t, f.push(crawler.FrontierEntry{URL: "a", Depth: 1}))
	require.Equal(t, 2, f.len())
	require.False(t, f.push(crawler.FrontierEntry{URL: "b"}))

	e, ok := f.pop()
	require.True(t, ok)
	require.Equal(t, "a", e.URL)
	e, ok = f.pop()
	require.True(t, ok)
	require.Equal(t, "b", e.URL)
	require.True(t, f.push(crawler.FrontierEntry{URL: "a", Depth: 2}))
	e, ok = f.pop()
	require.True(t, ok)
	require.Equal(t, 2, e.Depth)
	_, ok = f.pop()
	require.False(t, ok)
	require.Zero(t, f.len())
}

func TestFrontierCompacts(t *testing.T) {
	t.Parallel()

	f := newFrontier()
	for i := 0; i < 200; i++ {
		f.push(crawler.FrontierEntry{URL: fmt.Sprintf("u%d", i)})
	}
	for i := 0; i < 150; i++ {
		e, ok := f.pop()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("u%d", i), e.URL)
	}
	require.Equal(t, 50, f.len())
	e, _ := f.pop()
	require.Equal(t, "u150", e.URL)
}
