// Package export writes the per-platform result file of a run. The file is
// deterministic for identical results so that two runs can be diffed.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"reviewtrail/internal/cache"
	"reviewtrail/internal/components/fsutil"
	"reviewtrail/internal/timeline"
	"reviewtrail/internal/traversal"
)

type DocumentCounts struct {
	Downloaded int `json:"downloaded"`
	Unchanged  int `json:"unchanged"`
	Failed     int `json:"failed"`
}

type CacheCounts struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRatio  float64 `json:"hit_ratio"`
	Changed   int64   `json:"changed"`
	Unchanged int64   `json:"unchanged"`
}

type Summary struct {
	RunID      string    `json:"run_id"`
	Platform   string    `json:"platform"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Complete is false when the run was cancelled or stopped early.
	Complete bool `json:"complete"`

	Items      int            `json:"items"`
	Done       int            `json:"done"`
	Failed     int            `json:"failed"`
	Cancelled  int            `json:"cancelled"`
	Categories map[string]int `json:"categories"`
	Documents  DocumentCounts `json:"documents"`
	Cache      CacheCounts    `json:"cache"`
	// ReducedConfidence lists the items whose timeline lacks the external
	// message stream.
	ReducedConfidence []string `json:"reduced_confidence"`
}

type File struct {
	Summary Summary                `json:"summary"`
	Items   []traversal.ItemResult `json:"items"`
}

type Run struct {
	ID         string
	Platform   string
	StartedAt  time.Time
	FinishedAt time.Time
	Complete   bool
}

// Build sorts items by id and computes the summary block.
func Build(run Run, items []traversal.ItemResult, stats cache.Stats) File {
	sorted := make([]traversal.ItemResult, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ItemID < sorted[j].ItemID
	})

	summary := Summary{
		RunID:      run.ID,
		Platform:   run.Platform,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: run.FinishedAt.UTC(),
		Complete:   run.Complete,
		Items:      len(sorted),
		Categories: map[string]int{},
		Cache: CacheCounts{
			Hits:      stats.Hits,
			Misses:    stats.Misses,
			HitRatio:  stats.HitRatio(),
			Changed:   stats.Changed,
			Unchanged: stats.Unchanged,
		},
		ReducedConfidence: []string{},
	}

	for _, item := range sorted {
		summary.Categories[item.Category]++
		switch item.Status {
		case traversal.StatusDone:
			summary.Done++
		case traversal.StatusFailed:
			summary.Failed++
		case traversal.StatusCancelled:
			summary.Cancelled++
		}
		for _, doc := range item.Documents {
			switch doc.Status {
			case traversal.DocumentDownloaded:
				summary.Documents.Downloaded++
			case traversal.DocumentUnchanged:
				summary.Documents.Unchanged++
			case traversal.DocumentFailed:
				summary.Documents.Failed++
			}
		}
		if item.Confidence == timeline.ConfidenceReduced {
			summary.ReducedConfidence = append(summary.ReducedConfidence, item.ItemID)
		}
	}

	return File{Summary: summary, Items: sorted}
}

func Path(dir, platform string) string {
	return filepath.Join(dir, fsutil.SafeName(platform)+".json")
}

// Write replaces the export of the file's platform under dir.
func Write(dir string, file File) (string, error) {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	path := Path(dir, file.Summary.Platform)
	err = fsutil.WriteAtomic(path, append(data, '\n'), 0644)
	if err != nil {
		return "", fmt.Errorf("write export %s: %w", path, err)
	}
	return path, nil
}

func Read(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var file File
	err = json.Unmarshal(data, &file)
	if err != nil {
		return File{}, fmt.Errorf("parse export %s: %w", path, err)
	}
	return file, nil
}

// Find returns the exported item with the given id.
func (f File) Find(itemID string) (traversal.ItemResult, bool) {
	i := sort.Search(len(f.Items), func(i int) bool {
		return f.Items[i].ItemID >= itemID
	})
	if i < len(f.Items) && f.Items[i].ItemID == itemID {
		return f.Items[i], true
	}
	return traversal.ItemResult{}, false
}
