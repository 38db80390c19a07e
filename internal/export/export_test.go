package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"reviewtrail/internal/cache"
	"reviewtrail/internal/timeline"
	"reviewtrail/internal/traversal"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func fixtureItems() []traversal.ItemResult {
	return []traversal.ItemResult{
		{
			ItemID:     "MS-3",
			Category:   "under review",
			Status:     traversal.StatusDone,
			Confidence: timeline.ConfidenceReduced,
			Documents: []traversal.DocumentResult{
				{Kind: "manuscript", Name: "main.pdf", Status: traversal.DocumentDownloaded},
				{Kind: "figure", Name: "fig1.png", Status: traversal.DocumentUnchanged},
			},
		},
		{
			ItemID:     "MS-1",
			Category:   "under review",
			Status:     traversal.StatusDone,
			Confidence: timeline.ConfidenceFull,
		},
		{
			ItemID:        "MS-2",
			Category:      "awaiting decision",
			Status:        traversal.StatusFailed,
			FailureReason: "not found",
			Documents: []traversal.DocumentResult{
				{Kind: "manuscript", Name: "main.pdf", Status: traversal.DocumentFailed},
			},
		},
	}
}

func TestBuild(t *testing.T) {
	run := Run{
		ID:         "run-1",
		Platform:   "journal",
		StartedAt:  time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Complete:   true,
	}
	file := Build(run, fixtureItems(), cache.Stats{Hits: 3, Misses: 1, Changed: 2})

	ids := []string{}
	for _, item := range file.Items {
		ids = append(ids, item.ItemID)
	}
	require.Equal(t, []string{"MS-1", "MS-2", "MS-3"}, ids)

	expected := Summary{
		RunID:      "run-1",
		Platform:   "journal",
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Complete:   true,
		Items:      3,
		Done:       2,
		Failed:     1,
		Categories: map[string]int{
			"under review":      2,
			"awaiting decision": 1,
		},
		Documents: DocumentCounts{Downloaded: 1, Unchanged: 1, Failed: 1},
		Cache: CacheCounts{
			Hits:     3,
			Misses:   1,
			HitRatio: 0.75,
			Changed:  2,
		},
		ReducedConfidence: []string{"MS-3"},
	}
	if diff := cmp.Diff(expected, file.Summary); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	run := Run{ID: "run-1", Platform: "journal/main"}

	items := fixtureItems()
	path, err := Write(dir, Build(run, items, cache.Stats{}))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "journal_main.json"), path)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	items[0], items[2] = items[2], items[0]
	_, err = Write(dir, Build(run, items, cache.Stats{}))
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReadAndFind(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, Build(Run{Platform: "journal"}, fixtureItems(), cache.Stats{}))
	require.NoError(t, err)

	file, err := Read(path)
	require.NoError(t, err)
	item, ok := file.Find("MS-2")
	require.True(t, ok)
	require.Equal(t, traversal.StatusFailed, item.Status)

	_, ok = file.Find("MS-9")
	require.False(t, ok)

	_, err = Read(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
